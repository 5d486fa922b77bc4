package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ruslano69/featurestore/pkg/audit"
	"github.com/ruslano69/featurestore/pkg/dialect"
	"github.com/ruslano69/featurestore/pkg/feature"
)

// FailureMirror - тип записи DLQ для недоставленных в зеркало записей журнала
const FailureMirror = "mirror_failed"

// mirrorFailure - данные записи DLQ. Пустой Sink - запись не попала
// ни в один приемник.
type mirrorFailure struct {
	Sink   string       `json:"sink,omitempty"`
	Record audit.Record `json:"record"`
}

// DeleteOptions - параметры операций жизненного цикла
type DeleteOptions struct {
	Actor  string
	Reason string
	// Version - ожидаемая версия; пустая допустима вне строгого режима
	Version feature.VersionToken
}

// transition - итог смены состояния внутри транзакции
type transition struct {
	rec   feature.Record
	audit *audit.Record
}

func (e *Engine) now() time.Time {
	return e.cfg.Now().UTC().Truncate(time.Microsecond)
}

// auditRecord создает запечатанную запись журнала
func (e *Engine) auditRecord(l *layer, id any, typ audit.DeletionType, opts DeleteOptions, at time.Time) (audit.Record, *dialect.QueryDefinition, error) {
	rec := audit.NewRecord(l.schema.Name, fmt.Sprint(id), typ, opts.Actor, opts.Reason)
	rec.Timestamp = at
	rec = e.seals.Seal(rec)
	def, err := e.dialect.CompileAuditInsert(rec)
	if err != nil {
		return audit.Record{}, nil, err
	}
	return rec, def, nil
}

// SoftDelete помечает сущность удаленной и пишет запись журнала в той же
// транзакции. Повторное удаление уже удаленной сущности ничего не меняет.
func (e *Engine) SoftDelete(ctx context.Context, layerName string, id any, opts DeleteOptions) (out feature.Record, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("soft_delete", layerName, start, err) }()

	l, err := e.layer(layerName)
	if err != nil {
		return feature.Record{}, err
	}
	if id, err = normalizeID(&l.schema, id); err != nil {
		return feature.Record{}, err
	}
	exp, err := e.expected(l, id, "soft delete", opts.Version)
	if err != nil {
		return feature.Record{}, err
	}
	at := e.now()
	def, err := e.dialect.CompileSoftDelete(&l.schema, id, opts.Actor, at, exp)
	if err != nil {
		return feature.Record{}, err
	}
	return e.transition(ctx, "soft_delete", l, id, opts, exp, def, audit.DeletionSoft, at, true)
}

// Restore снимает пометку удаления и пишет запись журнала. Восстановление
// активной сущности ничего не меняет.
func (e *Engine) Restore(ctx context.Context, layerName string, id any, opts DeleteOptions) (out feature.Record, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("restore", layerName, start, err) }()

	l, err := e.layer(layerName)
	if err != nil {
		return feature.Record{}, err
	}
	if id, err = normalizeID(&l.schema, id); err != nil {
		return feature.Record{}, err
	}
	exp, err := e.expected(l, id, "restore", opts.Version)
	if err != nil {
		return feature.Record{}, err
	}
	def, err := e.dialect.CompileRestore(&l.schema, id, exp)
	if err != nil {
		return feature.Record{}, err
	}
	return e.transition(ctx, "restore", l, id, opts, exp, def, audit.DeletionRestore, e.now(), false)
}

// transition выполняет смену признака удаления. deleting - целевое
// состояние "удалена"; строка уже в целевом состоянии дает пустой переход.
func (e *Engine) transition(ctx context.Context, op string, l *layer, id any, opts DeleteOptions, exp feature.VersionToken,
	def *dialect.QueryDefinition, typ audit.DeletionType, at time.Time, deleting bool) (feature.Record, error) {
	ar, auditDef, err := e.auditRecord(l, id, typ, opts, at)
	if err != nil {
		return feature.Record{}, err
	}

	t, err := write(ctx, e, op, func(ctx context.Context, q dialect.Querier) (transition, error) {
		n, err := affect(ctx, q, def)
		if err != nil {
			return transition{}, err
		}
		if n == 0 {
			st, found, err := e.readState(ctx, q, l, id)
			if err != nil {
				return transition{}, err
			}
			if !found {
				return transition{}, &feature.NotFoundError{EntityType: l.schema.Name, EntityID: id}
			}
			if st.Deleted != deleting || (!exp.IsZero() && !st.Version.Equal(exp)) {
				return transition{}, e.conflict(l, id, opts.Version, st.Version)
			}
			rec, err := e.reread(ctx, q, l, id)
			return transition{rec: rec}, err
		}
		if _, err := affect(ctx, q, auditDef); err != nil {
			return transition{}, err
		}
		rec, err := e.reread(ctx, q, l, id)
		return transition{rec: rec, audit: &ar}, err
	})
	if err != nil {
		return feature.Record{}, err
	}
	if t.audit == nil {
		e.log.Debug().Str("layer", l.schema.Name).Any("id", id).Str("op", op).Msg("entity already in target state")
		return t.rec, nil
	}
	e.publish(ctx, *t.audit)
	return t.rec, nil
}

// HardDelete физически удаляет сущность в любом состоянии. Запись журнала
// пишется до удаления; с транзакциями обе записи атомарны.
func (e *Engine) HardDelete(ctx context.Context, layerName string, id any, opts DeleteOptions) (err error) {
	start := time.Now()
	defer func() { e.metrics.observe("hard_delete", layerName, start, err) }()

	l, err := e.layer(layerName)
	if err != nil {
		return err
	}
	if id, err = normalizeID(&l.schema, id); err != nil {
		return err
	}
	exp, err := e.expected(l, id, "hard delete", opts.Version)
	if err != nil {
		return err
	}
	def, err := e.dialect.CompileHardDelete(&l.schema, id, exp)
	if err != nil {
		return err
	}
	ar, auditDef, err := e.auditRecord(l, id, audit.DeletionHard, opts, e.now())
	if err != nil {
		return err
	}

	if e.caps.SupportsTransactions {
		_, err = write(ctx, e, "hard_delete", func(ctx context.Context, q dialect.Querier) (struct{}, error) {
			if _, err := affect(ctx, q, auditDef); err != nil {
				return struct{}{}, err
			}
			n, err := affect(ctx, q, def)
			if err != nil {
				return struct{}{}, err
			}
			if n == 0 {
				return struct{}{}, e.explain(ctx, q, l, id, opts.Version, false)
			}
			return struct{}{}, nil
		})
	} else {
		if e.cfg.RefuseNonTransactionalHardDelete {
			return &feature.UnsupportedOperationError{Dialect: e.dialect.Name(), Op: "hard delete",
				Reason: "audit record and delete cannot be made atomic without transactions"}
		}
		_, err = write(ctx, e, "hard_delete", func(ctx context.Context, q dialect.Querier) (struct{}, error) {
			return struct{}{}, e.hardDeleteUnsafe(ctx, q, l, id, opts, exp, def, auditDef)
		})
	}
	if err != nil {
		return err
	}
	e.publish(ctx, ar)
	return nil
}

// hardDeleteUnsafe - удаление без транзакции: проверка состояния, журнал,
// удаление. Сбой после записи журнала оставляет запись без удаления.
func (e *Engine) hardDeleteUnsafe(ctx context.Context, q dialect.Querier, l *layer, id any, opts DeleteOptions,
	exp feature.VersionToken, def, auditDef *dialect.QueryDefinition) error {
	st, found, err := e.readState(ctx, q, l, id)
	if err != nil {
		return err
	}
	if !found {
		return &feature.NotFoundError{EntityType: l.schema.Name, EntityID: id}
	}
	if !exp.IsZero() && !st.Version.Equal(exp) {
		return e.conflict(l, id, opts.Version, st.Version)
	}
	if _, err := affect(ctx, q, auditDef); err != nil {
		return err
	}
	n, err := affect(ctx, q, def)
	if err == nil && n == 0 {
		err = e.explain(ctx, q, l, id, opts.Version, false)
	}
	if err != nil {
		e.log.Warn().Err(err).Str("layer", l.schema.Name).Any("id", id).
			Msg("hard delete failed after audit record was written")
		return err
	}
	return nil
}

// publish отправляет зафиксированную запись журнала в зеркало.
// Сбой зеркала не меняет исход операции.
func (e *Engine) publish(ctx context.Context, rec audit.Record) {
	if e.cfg.Mirror == nil {
		return
	}
	err := e.cfg.Mirror.Publish(context.WithoutCancel(ctx), rec)
	if errors.Is(err, audit.ErrMirrorClosed) {
		e.deadLetter(rec, "", err)
	}
}

// deadLetter сохраняет недоставленную запись для ReplayDLQ. Одна запись
// DLQ на каждый сбойный приемник. Подходит как audit.MirrorConfig.OnError.
func (e *Engine) deadLetter(rec audit.Record, sink string, cause error) {
	e.log.Warn().Err(cause).Str("sink", sink).Str("entity_type", rec.EntityType).Str("entity_id", rec.EntityID).
		Str("deletion_type", string(rec.DeletionType)).Msg("audit mirror delivery failed")
	if e.cfg.DLQ == nil {
		return
	}
	if err := e.cfg.DLQ.Add(FailureMirror, 1, cause, mirrorFailure{Sink: sink, Record: rec}); err != nil {
		e.log.Error().Err(err).Msg("failed to store audit record in DLQ")
	}
}

// ReplayDLQ повторно отправляет записи журнала из DLQ в те приемники,
// которые их не приняли. Возвращает число доставленных записей.
// Повторный сбой возвращает запись в очередь через OnError зеркала.
func (e *Engine) ReplayDLQ(ctx context.Context) (int, error) {
	if e.cfg.DLQ == nil || e.cfg.Mirror == nil {
		return 0, nil
	}
	n := 0
	for _, entry := range e.cfg.DLQ.Get() {
		if entry.FailureType != FailureMirror {
			continue
		}
		var mf mirrorFailure
		if err := json.Unmarshal(entry.Data, &mf); err != nil {
			e.log.Warn().Err(err).Str("dlq_id", entry.ID).Msg("skipping undecodable DLQ entry")
			continue
		}
		if err := e.seals.Verify(mf.Record); err != nil {
			e.log.Warn().Err(err).Str("dlq_id", entry.ID).Msg("skipping DLQ entry with invalid seal")
			continue
		}
		var err error
		if mf.Sink == "" {
			err = e.cfg.Mirror.Publish(ctx, mf.Record)
		} else {
			err = e.cfg.Mirror.PublishTo(ctx, mf.Sink, mf.Record)
		}
		if errors.Is(err, audit.ErrMirrorClosed) || ctx.Err() != nil {
			return n, errors.Join(err, ctx.Err())
		}
		if errors.Is(err, audit.ErrUnknownSink) {
			// приемник убран из конфигурации, запись остается в журнале БД
			e.log.Warn().Str("dlq_id", entry.ID).Str("sink", mf.Sink).Msg("dropping DLQ entry for removed audit sink")
		}
		if _, rmErr := e.cfg.DLQ.Remove(entry.ID); rmErr != nil {
			return n, rmErr
		}
		if err == nil {
			n++
		}
	}
	if n > 0 {
		e.log.Info().Int("records", n).Msg("audit DLQ replayed")
	}
	return n, nil
}

// AuditTrail возвращает журнал сущности в порядке времени
func (e *Engine) AuditTrail(ctx context.Context, layerName string, id any) (recs []audit.Record, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("audit_trail", layerName, start, err) }()

	l, err := e.layer(layerName)
	if err != nil {
		return nil, err
	}
	if id, err = normalizeID(&l.schema, id); err != nil {
		return nil, err
	}
	def, err := e.dialect.CompileAuditSelect(l.schema.Name, fmt.Sprint(id))
	if err != nil {
		return nil, err
	}
	return run(ctx, e, "audit_trail", func(ctx context.Context, conn dialect.Conn) ([]audit.Record, error) {
		return e.readAudit(ctx, conn, def)
	})
}

func (e *Engine) readAudit(ctx context.Context, q dialect.Querier, def *dialect.QueryDefinition) ([]audit.Record, error) {
	rows, err := queryAll(ctx, q, def)
	if err != nil {
		return nil, err
	}
	recs := make([]audit.Record, 0, len(rows))
	for _, vals := range rows {
		rec, err := e.dialect.MapRowToAudit(vals)
		if err != nil {
			return nil, &feature.PermanentError{Op: "map audit row", Err: err}
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// VerifyAudit сверяет печати журнала сущности. Ошибки несовпадения
// сопоставляются с audit.ErrTampered.
func (e *Engine) VerifyAudit(ctx context.Context, layerName string, id any) error {
	recs, err := e.AuditTrail(ctx, layerName, id)
	if err != nil {
		return err
	}
	var errs []error
	for _, rec := range recs {
		if err := e.seals.Verify(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PurgeAudit удаляет записи журнала слоя старше before. Если задан
// Archiver, записи сначала архивируются; сбой архива отменяет очистку.
func (e *Engine) PurgeAudit(ctx context.Context, layerName string, before time.Time) (n int64, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("purge_audit", layerName, start, err) }()

	l, err := e.layer(layerName)
	if err != nil {
		return 0, err
	}
	purge, err := e.dialect.CompileAuditPurge(l.schema.Name, before)
	if err != nil {
		return 0, err
	}
	var selectRange *dialect.QueryDefinition
	if e.cfg.Archiver != nil {
		if selectRange, err = e.dialect.CompileAuditRange(l.schema.Name, before); err != nil {
			return 0, err
		}
	}

	n, err = write(ctx, e, "purge_audit", func(ctx context.Context, q dialect.Querier) (int64, error) {
		if selectRange != nil {
			recs, err := e.readAudit(ctx, q, selectRange)
			if err != nil {
				return 0, err
			}
			if len(recs) > 0 {
				if err := e.cfg.Archiver.Archive(ctx, l.schema.Name, before, recs); err != nil {
					return 0, fmt.Errorf("archive audit of %s: %w", l.schema.Name, err)
				}
			}
		}
		return affect(ctx, q, purge)
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.Info().Str("layer", layerName).Int64("records", n).Time("before", before).Msg("audit purged")
	}
	return n, nil
}

// PurgeExpiredAudit очищает журнал всех слоев по сроку AuditRetention
func (e *Engine) PurgeExpiredAudit(ctx context.Context) (int64, error) {
	if e.cfg.AuditRetention <= 0 {
		return 0, nil
	}
	before := e.now().Add(-e.cfg.AuditRetention)
	var total int64
	for _, name := range e.Layers() {
		n, err := e.PurgeAudit(ctx, name, before)
		total += n
		if err != nil {
			return total, err
		}
	}
	if e.cfg.DLQ != nil {
		// у DLQ свой срок хранения
		if n, err := e.cfg.DLQ.CleanupOld(); err != nil {
			e.log.Warn().Err(err).Msg("DLQ cleanup failed")
		} else if n > 0 {
			e.log.Info().Int("entries", n).Msg("expired DLQ entries removed")
		}
	}
	return total, nil
}
