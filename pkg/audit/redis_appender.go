package audit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig - параметры Redis-зеркала
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix - префикс ключей, по умолчанию "featurestore:audit"
	Prefix string `yaml:"prefix"`
	// MaxLen - приблизительный предел длины потока (0 = без предела)
	MaxLen int64 `yaml:"max_len"`
}

// RedisAppender публикует записи в Redis.
//
// Redis-ключи:
//
//	XADD    <prefix>:<entity_type>  - поток для последующего чтения
//	PUBLISH <prefix>                - для подписчиков (pub/sub)
type RedisAppender struct {
	client *redis.Client
	config RedisConfig
	owned  bool
}

// NewRedisAppender создает appender со своим клиентом
func NewRedisAppender(cfg RedisConfig) *RedisAppender {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	a := NewRedisAppenderWithClient(client, cfg)
	a.owned = true
	return a
}

// NewRedisAppenderWithClient использует внешний клиент; Close его не закрывает
func NewRedisAppenderWithClient(client *redis.Client, cfg RedisConfig) *RedisAppender {
	if cfg.Prefix == "" {
		cfg.Prefix = "featurestore:audit"
	}
	return &RedisAppender{client: client, config: cfg}
}

// StreamKey - имя потока для типа сущности
func (a *RedisAppender) StreamKey(entityType string) string {
	return a.config.Prefix + ":" + entityType
}

// Channel - канал pub/sub
func (a *RedisAppender) Channel() string {
	return a.config.Prefix
}

// Append пишет запись в поток и публикует ее в канал одним pipeline
func (a *RedisAppender) Append(ctx context.Context, rec Record) error {
	payload, err := rec.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: a.StreamKey(rec.EntityType),
		Values: map[string]any{
			"entity_id":     rec.EntityID,
			"deletion_type": string(rec.DeletionType),
			"record":        payload,
		},
	}
	if a.config.MaxLen > 0 {
		args.MaxLen = a.config.MaxLen
		args.Approx = true
	}

	pipe := a.client.Pipeline()
	pipe.XAdd(ctx, args)
	pipe.Publish(ctx, a.Channel(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis audit append %s/%s: %w", rec.EntityType, rec.EntityID, err)
	}
	return nil
}

// Close закрывает клиент, если appender его создал
func (a *RedisAppender) Close() error {
	if a.owned {
		return a.client.Close()
	}
	return nil
}
