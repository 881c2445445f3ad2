package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "catalog"
)

// Ключи для Lists
const (
	// RedisKeyAuditDeadLetter - батчи аудита, не записанные в Postgres (LPUSH новые, RPOP старые).
	RedisKeyAuditDeadLetter = RedisNamespace + ":audit:dead_letter"
)
