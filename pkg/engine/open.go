package engine

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ruslano69/featurestore/pkg/audit"
	"github.com/ruslano69/featurestore/pkg/config"
	"github.com/ruslano69/featurestore/pkg/dialect"
	_ "github.com/ruslano69/featurestore/pkg/dialect/all"
	"github.com/ruslano69/featurestore/pkg/feature"
	"github.com/ruslano69/featurestore/pkg/resilience"
	"github.com/ruslano69/featurestore/pkg/retry"
)

// Open собирает движок по конфигурации: пул, зеркала журнала, DLQ,
// архив и слои. Созданные ресурсы закрываются в Engine.Close.
func Open(ctx context.Context, cfg *config.Config, log *zerolog.Logger, reg prometheus.Registerer) (_ *Engine, err error) {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	}()

	d, err := dialect.New(cfg.Database.Type, cfg.DialectOptions())
	if err != nil {
		return nil, err
	}
	pool, err := d.CreateConnection(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", d.Name(), err)
	}
	closers = append(closers, pool.Close)

	appenders, err := openAppenders(cfg.Audit, log)
	if err != nil {
		return nil, err
	}

	var dlq *retry.DLQ
	if len(appenders) > 0 {
		if dlq, err = retry.NewDLQ(cfg.Audit.DLQ); err != nil {
			for _, a := range appenders {
				a.Close()
			}
			return nil, err
		}
	}

	var archiver audit.Archiver
	switch {
	case cfg.Audit.Archive.S3 != nil:
		if archiver, err = audit.NewS3Archiver(ctx, *cfg.Audit.Archive.S3); err != nil {
			for _, a := range appenders {
				a.Close()
			}
			return nil, fmt.Errorf("audit archive: %w", err)
		}
	case cfg.Audit.Archive.Dir != "":
		archiver = &audit.FileArchiver{Dir: cfg.Audit.Archive.Dir}
	}

	// OnError зеркала срабатывает только после Publish, когда e уже создан
	var e *Engine
	var mirror *audit.Mirror
	if len(appenders) > 0 {
		mirror = audit.NewMirror(audit.MirrorConfig{
			AsyncMode:  cfg.Audit.Async,
			BufferSize: cfg.Audit.BufferSize,
			Timeout:    cfg.Audit.Timeout,
			OnError:    func(rec audit.Record, sink string, err error) { e.deadLetter(rec, sink, err) },
		}, appenders...)
		closers = append(closers, mirror.Close)
	}
	if dlq != nil {
		closers = append(closers, dlq.Save)
	}

	e, err = New(d, pool, Config{
		Retry:         cfg.Retry,
		PlanCacheSize: cfg.PlanCache.Capacity,
		Limits:        Limits(cfg.Limits),
		Strict:        cfg.Concurrency.Strict,
		// пустой секрет - случайный ключ на процесс
		TokenKey:                         []byte(cfg.Concurrency.TokenSecret),
		AuditKey:                         []byte(cfg.Audit.Secret),
		RefuseNonTransactionalHardDelete: cfg.Lifecycle.RefuseNonTransactionalHardDelete,
		AuditRetention:                   cfg.Lifecycle.AuditRetention,
		Reprojector:                      feature.MercatorReprojector{},
		Mirror:                           mirror,
		DLQ:                              dlq,
		Archiver:                         archiver,
		Logger:                           log,
		Registerer:                       reg,
	})
	if err != nil {
		return nil, err
	}
	for _, schema := range cfg.Layers {
		if err := e.RegisterLayer(schema); err != nil {
			return nil, fmt.Errorf("layer %q: %w", schema.Name, err)
		}
	}
	e.owned = closers

	log.Info().Str("dialect", d.Name()).Int("layers", len(cfg.Layers)).
		Int("audit_mirrors", len(appenders)).Bool("strict", cfg.Concurrency.Strict).Msg("feature engine opened")
	return e, nil
}

func openAppenders(cfg config.AuditConfig, log *zerolog.Logger) ([]audit.Appender, error) {
	var out []audit.Appender
	add := func(name string, a audit.Appender) error {
		if cfg.Breaker != nil {
			bc := *cfg.Breaker
			bc.OnStateChange = func(name string, from, to resilience.State) {
				log.Warn().Str("mirror", name).Stringer("from", from).Stringer("to", to).Msg("audit mirror breaker state changed")
			}
			b, err := resilience.New(name, bc)
			if err != nil {
				a.Close()
				return err
			}
			a = audit.Guard(a, b)
		} else {
			a = audit.Named(name, a)
		}
		out = append(out, a)
		return nil
	}
	fail := func(err error) ([]audit.Appender, error) {
		for _, a := range out {
			a.Close()
		}
		return nil, err
	}
	if cfg.File != nil {
		a, err := audit.NewFileAppender(*cfg.File)
		if err != nil {
			return fail(fmt.Errorf("audit file mirror: %w", err))
		}
		if err := add("file", a); err != nil {
			return fail(err)
		}
	}
	if cfg.Redis != nil {
		if err := add("redis", audit.NewRedisAppender(*cfg.Redis)); err != nil {
			return fail(err)
		}
	}
	if cfg.Kafka != nil {
		a, err := audit.NewKafkaAppender(*cfg.Kafka)
		if err != nil {
			return fail(fmt.Errorf("audit kafka mirror: %w", err))
		}
		if err := add("kafka", a); err != nil {
			return fail(err)
		}
	}
	return out, nil
}
