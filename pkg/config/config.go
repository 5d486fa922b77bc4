// Package config - загрузка конфигурации featurestore из YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ruslano69/featurestore/pkg/audit"
	"github.com/ruslano69/featurestore/pkg/dialect"
	"github.com/ruslano69/featurestore/pkg/feature"
	"github.com/ruslano69/featurestore/pkg/plancache"
	"github.com/ruslano69/featurestore/pkg/resilience"
	"github.com/ruslano69/featurestore/pkg/retry"
)

// Переменные окружения, подставляемые вместо пустых значений файла
const (
	EnvDSN         = "FEATURESTORE_DSN"
	EnvTokenSecret = "FEATURESTORE_TOKEN_SECRET"
	EnvAuditSecret = "FEATURESTORE_AUDIT_SECRET"
)

// Config - конфигурация верхнего уровня
type Config struct {
	Database    dialect.Config        `yaml:"database"`
	Retry       retry.Config          `yaml:"retry"`
	PlanCache   plancache.Config      `yaml:"plan_cache"`
	Concurrency ConcurrencyConfig     `yaml:"concurrency"`
	Lifecycle   LifecycleConfig       `yaml:"lifecycle"`
	Limits      LimitsConfig          `yaml:"limits"`
	Audit       AuditConfig           `yaml:"audit"`
	Log         LogConfig             `yaml:"log"`
	Layers      []feature.LayerSchema `yaml:"layers"`
}

// ConcurrencyConfig - оптимистическая блокировка
type ConcurrencyConfig struct {
	// Strict - запись без версии отклоняется
	Strict bool `yaml:"strict"`
	// TokenSecret - ключ подписи токенов версии; override via FEATURESTORE_TOKEN_SECRET.
	// Пустой ключ - случайный на процесс.
	TokenSecret string `yaml:"token_secret"`
}

// LifecycleConfig - мягкое и жесткое удаление
type LifecycleConfig struct {
	// RefuseNonTransactionalHardDelete - не выполнять жесткое удаление
	// там, где журнал и удаление нельзя записать атомарно
	RefuseNonTransactionalHardDelete bool `yaml:"refuse_non_transactional_hard_delete"`
	// AuditRetention - окно хранения журнала для PurgeAudit (0 = не чистить)
	AuditRetention time.Duration `yaml:"audit_retention"`
}

// LimitsConfig - ограничения запросов
type LimitsConfig struct {
	MaxFilterDepth int `yaml:"max_filter_depth"` // default 32
	MaxFilterNodes int `yaml:"max_filter_nodes"` // default 512
	DefaultLimit   int `yaml:"default_limit"`    // default 100
	MaxLimit       int `yaml:"max_limit"`        // default 10000
}

// AuditConfig - журнал удалений и его зеркала
type AuditConfig struct {
	Table  string `yaml:"table"`  // default deletion_audit
	Schema string `yaml:"schema"` // схема БД журнала, опционально
	// Secret - ключ печати записей; override via FEATURESTORE_AUDIT_SECRET
	Secret string `yaml:"secret"`

	// Зеркала; nil - не используется
	File  *audit.FileAppenderConfig `yaml:"file"`
	Redis *audit.RedisConfig        `yaml:"redis"`
	Kafka *audit.KafkaConfig        `yaml:"kafka"`

	// Breaker - размыкатель для каждого зеркала; nil - без него
	Breaker *resilience.Config `yaml:"breaker"`

	Async      bool          `yaml:"async"`
	BufferSize int           `yaml:"buffer_size"`
	Timeout    time.Duration `yaml:"timeout"` // default 5s

	// DLQ - недоставленные в зеркала записи
	DLQ retry.DLQConfig `yaml:"dlq"`

	Archive ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig - куда выгружать журнал перед очисткой
type ArchiveConfig struct {
	Dir string          `yaml:"dir"`
	S3  *audit.S3Config `yaml:"s3"`
}

// LogConfig - параметры zerolog
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error; default info
	Format string `yaml:"format"` // console или json; default console
}

// Default возвращает конфигурацию со значениями по умолчанию
func Default() *Config {
	cfg := &Config{}
	cfg.Database.StatementCacheSize = dialect.DefaultStatementCacheSize
	cfg.Retry = retry.DefaultConfig()
	cfg.PlanCache.Capacity = plancache.DefaultCapacity
	cfg.Limits = LimitsConfig{
		MaxFilterDepth: 32,
		MaxFilterNodes: 512,
		DefaultLimit:   100,
		MaxLimit:       10000,
	}
	cfg.Audit.Table = dialect.DefaultAuditTable
	cfg.Audit.Timeout = 5 * time.Second
	cfg.Audit.BufferSize = 1000
	cfg.Audit.DLQ.MaxSize = 10000
	cfg.Log = LogConfig{Level: "info", Format: "console"}
	return cfg
}

// LoadConfig reads and validates the YAML config at path, applying defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// Parse разбирает YAML поверх значений по умолчанию
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	// файл имеет приоритет, переменная окружения - запасной вариант
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = os.Getenv(EnvDSN)
	}
	if cfg.Concurrency.TokenSecret == "" {
		cfg.Concurrency.TokenSecret = os.Getenv(EnvTokenSecret)
	}
	if cfg.Audit.Secret == "" {
		cfg.Audit.Secret = os.Getenv(EnvAuditSecret)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет обязательные поля и согласованность лимитов
func (c *Config) Validate() error {
	if c.Database.Type == "" {
		return fmt.Errorf("database.type is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (or set %s)", EnvDSN)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if c.Limits.DefaultLimit <= 0 || c.Limits.MaxLimit < c.Limits.DefaultLimit {
		return fmt.Errorf("limits: default_limit (%d) must be positive and not exceed max_limit (%d)",
			c.Limits.DefaultLimit, c.Limits.MaxLimit)
	}
	if c.Limits.MaxFilterDepth <= 0 || c.Limits.MaxFilterNodes <= 0 {
		return fmt.Errorf("limits: filter limits must be positive")
	}
	if c.Audit.Breaker != nil {
		if err := c.Audit.Breaker.Validate(); err != nil {
			return fmt.Errorf("audit.breaker: %w", err)
		}
	}
	if c.Lifecycle.AuditRetention < 0 {
		return fmt.Errorf("lifecycle.audit_retention must not be negative")
	}
	seen := make(map[string]bool, len(c.Layers))
	for i, l := range c.Layers {
		if seen[l.Name] {
			return fmt.Errorf("layers[%d]: duplicate layer %q", i, l.Name)
		}
		seen[l.Name] = true
		if err := l.WithDefaults().Validate(); err != nil {
			return fmt.Errorf("layers[%d]: %w", i, err)
		}
	}
	return nil
}

// DialectOptions - настройки компиляции, общие для всех слоев
func (c *Config) DialectOptions() dialect.Options {
	return dialect.Options{AuditTable: c.Audit.Table, AuditSchema: c.Audit.Schema}
}
