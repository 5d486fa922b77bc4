// Package engine исполняет запросы к слоям поверх dialect.Dialect:
// кэширование планов, повторы временных сбоев, потоковое чтение,
// оптимистическая блокировка и жизненный цикл сущностей с журналом удалений.
//
// Engine не запускает фоновых горутин, кроме асинхронного зеркала журнала,
// если оно передано в Config.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ruslano69/featurestore/pkg/audit"
	"github.com/ruslano69/featurestore/pkg/dialect"
	"github.com/ruslano69/featurestore/pkg/feature"
	"github.com/ruslano69/featurestore/pkg/plancache"
	"github.com/ruslano69/featurestore/pkg/retry"
)

// Limits - ограничения запросов
type Limits struct {
	MaxFilterDepth int
	MaxFilterNodes int
	DefaultLimit   int
	// MaxLimit - больший лимит страницы уменьшается до него
	MaxLimit int
}

// DefaultLimits возвращает ограничения по умолчанию
func DefaultLimits() Limits {
	return Limits{MaxFilterDepth: 32, MaxFilterNodes: 512, DefaultLimit: 100, MaxLimit: 10000}
}

// Config - настройки движка. Нулевые значения заменяются умолчаниями.
type Config struct {
	Retry retry.Config
	// PlanCache - общий кэш планов; nil - собственный на PlanCacheSize планов
	PlanCache     *plancache.Cache
	PlanCacheSize int
	Limits        Limits

	// Strict - запись без токена версии отклоняется
	Strict bool
	// TokenKey - ключ подписи токенов версии; пустой - случайный на процесс
	TokenKey []byte
	// AuditKey - ключ печати записей журнала; пустой - случайный на процесс
	AuditKey []byte

	RefuseNonTransactionalHardDelete bool
	// AuditRetention - окно хранения журнала для PurgeExpiredAudit
	AuditRetention time.Duration

	// Reprojector пересчитывает геометрию, если диалект не умеет этого в SQL
	Reprojector feature.Reprojector
	// Mirror получает записи журнала после фиксации
	Mirror *audit.Mirror
	// DLQ - записи, не доставленные в зеркало; используется ReplayDLQ
	DLQ *retry.DLQ
	// Archiver сохраняет журнал перед очисткой
	Archiver audit.Archiver

	Logger *zerolog.Logger
	// Registerer - реестр метрик; nil - метрики не публикуются
	Registerer prometheus.Registerer
	// Now - источник времени для меток удаления
	Now func() time.Time
}

// Engine - исполнитель запросов. Безопасен для параллельного использования.
type Engine struct {
	dialect dialect.Dialect
	caps    dialect.Capabilities
	pool    dialect.Pool
	plans   *plancache.Cache
	retry   *retry.Retryer
	tokens  *feature.TokenSealer
	seals   *audit.Sealer
	cfg     Config
	log     zerolog.Logger
	metrics *metrics

	mu     sync.RWMutex
	layers map[string]*layer

	// ресурсы, созданные Open
	owned []func() error
}

type layer struct {
	schema      feature.LayerSchema
	fingerprint uint64
}

// New создает движок над готовым пулом. Пул остается во владении вызывающего.
func New(d dialect.Dialect, pool dialect.Pool, cfg Config) (*Engine, error) {
	if d == nil || pool == nil {
		return nil, errors.New("engine: dialect and pool are required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	r, err := retry.NewRetryer(cfg.Retry)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	def := DefaultLimits()
	if cfg.Limits.MaxFilterDepth <= 0 {
		cfg.Limits.MaxFilterDepth = def.MaxFilterDepth
	}
	if cfg.Limits.MaxFilterNodes <= 0 {
		cfg.Limits.MaxFilterNodes = def.MaxFilterNodes
	}
	if cfg.Limits.DefaultLimit <= 0 {
		cfg.Limits.DefaultLimit = def.DefaultLimit
	}
	if cfg.Limits.MaxLimit < cfg.Limits.DefaultLimit {
		cfg.Limits.MaxLimit = max(def.MaxLimit, cfg.Limits.DefaultLimit)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	seals, err := audit.NewSealer(cfg.AuditKey)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		dialect: d,
		caps:    d.Capabilities(),
		pool:    pool,
		retry:   r,
		tokens:  feature.NewTokenSealer(cfg.TokenKey),
		seals:   seals,
		cfg:     cfg,
		log:     zerolog.Nop(),
		metrics: newMetrics(cfg.Registerer),
		layers:  make(map[string]*layer),
	}
	if cfg.Logger != nil {
		e.log = cfg.Logger.With().Str("dialect", d.Name()).Logger()
	}

	e.plans = cfg.PlanCache
	if e.plans == nil {
		e.plans, err = plancache.New(plancache.Config{Capacity: cfg.PlanCacheSize, OnEvent: e.metrics.planEvent})
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}
	registerCacheSize(cfg.Registerer, e.plans)
	return e, nil
}

// Dialect возвращает диалект движка
func (e *Engine) Dialect() dialect.Dialect { return e.dialect }

// Pool возвращает пул соединений
func (e *Engine) Pool() dialect.Pool { return e.pool }

// PlanCache возвращает кэш планов
func (e *Engine) PlanCache() *plancache.Cache { return e.plans }

// RegisterLayer добавляет слой. Схема дополняется именами служебных
// колонок по умолчанию и проверяется.
func (e *Engine) RegisterLayer(schema feature.LayerSchema) error {
	l, err := newLayer(schema)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.layers[l.schema.Name]; ok {
		return fmt.Errorf("layer %q is already registered", l.schema.Name)
	}
	e.layers[l.schema.Name] = l
	e.log.Debug().Str("layer", l.schema.Name).Msg("layer registered")
	return nil
}

// UpdateLayerSchema заменяет снимок схемы слоя и сбрасывает его планы
func (e *Engine) UpdateLayerSchema(schema feature.LayerSchema) error {
	l, err := newLayer(schema)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if _, ok := e.layers[l.schema.Name]; !ok {
		e.mu.Unlock()
		return &feature.UnknownLayerError{Layer: l.schema.Name}
	}
	e.layers[l.schema.Name] = l
	e.mu.Unlock()

	n := e.plans.InvalidateLayer(l.schema.Name)
	e.log.Info().Str("layer", l.schema.Name).Int("plans", n).Msg("layer schema updated, plans invalidated")
	return nil
}

// Layers возвращает имена слоев по алфавиту
func (e *Engine) Layers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.layers))
	for name := range e.layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schema возвращает снимок схемы слоя
func (e *Engine) Schema(name string) (feature.LayerSchema, error) {
	l, err := e.layer(name)
	if err != nil {
		return feature.LayerSchema{}, err
	}
	return l.schema, nil
}

func newLayer(schema feature.LayerSchema) (*layer, error) {
	s := schema.WithDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &layer{schema: s, fingerprint: s.Fingerprint()}, nil
}

func (e *Engine) layer(name string) (*layer, error) {
	e.mu.RLock()
	l, ok := e.layers[name]
	e.mu.RUnlock()
	if !ok {
		return nil, &feature.UnknownLayerError{Layer: name}
	}
	return l, nil
}

// Close освобождает ресурсы, созданные Open. Пул, переданный в New, не закрывается.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.owned) - 1; i >= 0; i-- {
		if err := e.owned[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.owned = nil
	return errors.Join(errs...)
}
