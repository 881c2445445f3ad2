package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config - корневая структура конфигурации сервиса аудита.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Query    QueryConfig    `mapstructure:"query"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	MetricsPort     int           `mapstructure:"metrics_port"` // 0 - метрики не публикуются
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConns       int32         `mapstructure:"max_conns"`
	MinConns       int32         `mapstructure:"min_conns"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	AutoMigrate    bool          `mapstructure:"auto_migrate"`
}

// StorageConfig: postgres - боевое хранилище, memory - локальный запуск без БД.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// RedisConfig описывает подключение к Redis (dead-letter спул).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig: сервис только проверяет токены, поэтому нужен лишь публичный ключ.
type AuthConfig struct {
	PublicKeyPath string        `mapstructure:"public_key_path"`
	Leeway        time.Duration `mapstructure:"leeway"`
	PublicKey     []byte
}

func (a AuthConfig) Enabled() bool {
	return len(a.PublicKey) > 0
}

type AuditConfig struct {
	Enabled      bool             `mapstructure:"enabled"`
	BatchSize    int              `mapstructure:"log_batch_size"`
	FlushDelay   time.Duration    `mapstructure:"flush_delay"`
	MaxDeferral  time.Duration    `mapstructure:"max_deferral"`
	WriteTimeout time.Duration    `mapstructure:"write_timeout"`
	QueueSize    int              `mapstructure:"queue_size"`
	MaxBodyBytes int64            `mapstructure:"max_body_bytes"`
	DrainTimeout time.Duration    `mapstructure:"drain_timeout"`
	DeadLetter   DeadLetterConfig `mapstructure:"dead_letter"`
}

type DeadLetterConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Key     string `mapstructure:"key"`
	MaxLen  int64  `mapstructure:"max_len"`
}

type QueryConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path - явный путь к файлу (флаг --config), пустой - поиск по умолчанию.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")    // имя файла без расширения
		v.SetConfigType("yaml")      // формат
		v.AddConfigPath(".")         // ищем в корне
		v.AddConfigPath("./configs") // и в папке с конфигами
	}

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: AUDIT_LOG_BATCH_SIZE=50 перекроет audit.log_batch_size
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет - работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключ из ENV (Docker/K8s) или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindLegacyEnv - имена переменных, которые не выводятся из ключей автоматически.
func bindLegacyEnv(v *viper.Viper) error {
	binds := [][]string{
		{"audit.enabled", "ENABLE_AUDIT_LOGGING"},
		{"database.url", "DATABASE_URL", "DB_URL"},
	}
	for _, b := range binds {
		if err := v.BindEnv(b...); err != nil {
			return fmt.Errorf("bind env %s: %w", b[0], err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.acquire_timeout", 3*time.Second)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("auth.leeway", 30*time.Second)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.log_batch_size", 10)
	v.SetDefault("audit.flush_delay", 5*time.Second)
	v.SetDefault("audit.max_deferral", 30*time.Second)
	v.SetDefault("audit.write_timeout", 10*time.Second)
	v.SetDefault("audit.queue_size", 64)
	v.SetDefault("audit.max_body_bytes", 1<<20)
	v.SetDefault("audit.drain_timeout", 5*time.Second)
	v.SetDefault("audit.dead_letter.enabled", false)
	v.SetDefault("audit.dead_letter.key", RedisKeyAuditDeadLetter)
	v.SetDefault("audit.dead_letter.max_len", 10000)

	v.SetDefault("query.default_limit", 50)
	v.SetDefault("query.max_limit", 500)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// Validate ловит конфигурации, с которыми сервис стартует, но работает не так, как ожидают.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url (DATABASE_URL) is required for postgres storage"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if c.Audit.BatchSize <= 0 {
		errs = append(errs, errors.New("audit.log_batch_size must be positive"))
	}
	if c.Audit.FlushDelay <= 0 {
		errs = append(errs, errors.New("audit.flush_delay must be positive"))
	}
	if c.Audit.MaxDeferral < 0 || c.Audit.WriteTimeout < 0 {
		errs = append(errs, errors.New("audit.max_deferral and audit.write_timeout must not be negative"))
	}
	if c.Query.DefaultLimit > c.Query.MaxLimit {
		errs = append(errs, errors.New("query.default_limit exceeds query.max_limit"))
	}
	return errors.Join(errs...)
}

// loadKeyResource: сначала PEM из ENV, затем файл по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
