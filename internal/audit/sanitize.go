package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// RedactedMarker подставляется вместо значения чувствительного поля.
	RedactedMarker = "[REDACTED]"

	// MaxStringLength - строки длиннее заменяются маркером с исходной длиной.
	MaxStringLength = 1000
)

// Сравнение регистронезависимое, поэтому список хранится в нижнем регистре.
var sensitiveFields = []string{
	"password",
	"token",
	"apikey",
	"api_key",
	"secret",
	"authorization",
	"creditcard",
	"ssn",
	"cvv",
}

// IsSensitiveKey - ключ содержит одно из запрещенных слов (substring, без учета регистра).
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, word := range sensitiveFields {
		if strings.Contains(k, word) {
			return true
		}
	}
	return false
}

// Sanitize возвращает структурную копию value с замаскированными секретами и
// обрезанными длинными строками. Вход считается ацикличным JSON-подобным деревом.
// Типизированные контейнеры (map[string]string, []map[string]any, структуры)
// сначала приводятся к map[string]any/[]any через JSON.
func Sanitize(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			k = CleanText(k)
			if IsSensitiveKey(k) {
				out[k] = RedactedMarker
				continue
			}
			out[k] = Sanitize(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = Sanitize(val)
		}
		return out
	case string:
		return sanitizeString(v)
	case float64:
		return sanitizeFloat(v)
	case float32:
		return sanitizeFloat(float64(v))
	case json.Number, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v
	default:
		return Sanitize(normalize(v))
	}
}

func sanitizeString(v string) any {
	if n := utf8.RuneCountInString(v); n > MaxStringLength {
		return fmt.Sprintf("[TRUNCATED: %d characters]", n)
	}
	return CleanText(v)
}

// NaN и Inf не кодируются в JSON: один такой payload сорвал бы вставку всего батча.
func sanitizeFloat(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return v
}

// normalize превращает произвольное значение в дерево из map[string]any/[]any
// и JSON-скаляров. То, что не сериализуется в JSON, в журнал не попадает.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("[UNSUPPORTED: %T]", v)
	}
	tree, err := DecodeJSON(raw)
	if err != nil {
		return fmt.Sprintf("[UNSUPPORTED: %T]", v)
	}
	return tree
}

// DecodeJSON разбирает JSON в дерево. Числа остаются json.Number, поэтому
// целые больше 2^53 не теряют точность. Хвост после значения - ошибка.
func DecodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON value")
	}
	return v, nil
}

// CleanText приводит строку к виду, который примет Postgres (TEXT и JSONB):
// без NUL и с валидным UTF-8.
func CleanText(s string) string {
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	return s
}

// ClampText - CleanText плюс обрезка до limit символов (ширина VARCHAR-колонки).
func ClampText(s string, limit int) string {
	s = CleanText(s)
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
