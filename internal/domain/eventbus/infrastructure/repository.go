package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/gorm"

	"antigravity-manager/internal/domain/eventbus/repository"
	"antigravity-manager/internal/platform/errors"
	"antigravity-manager/internal/platform/storage"
)

type auditRepository struct {
	db *gorm.DB
}

// NewAuditRepository stores lifecycle events in the manager database.
func NewAuditRepository(db *gorm.DB) repository.AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Store(ctx context.Context, event repository.Event) error {
	dataBytes, err := sonic.Marshal(event.Data)
	if err != nil {
		return errors.Wrap(errors.KindStorage, "audit.store.marshal", "marshal event data", err)
	}

	row := &storage.AuditEvent{
		EventType: event.EventType,
		AccountID: event.AccountID,
		Data:      dataBytes,
		CreatedAt: event.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return errors.Wrap(errors.KindStorage, "audit.store.create", "store event", err)
	}
	return nil
}

func (r *auditRepository) FindRecent(ctx context.Context, limit int) ([]repository.Event, error) {
	query := r.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []storage.AuditEvent
	if err := query.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(errors.KindStorage, "audit.find.recent", "find recent events", err)
	}
	return r.convert(rows)
}

func (r *auditRepository) FindByAccountID(ctx context.Context, accountID string) ([]repository.Event, error) {
	var rows []storage.AuditEvent
	if err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, errors.Wrap(errors.KindStorage, "audit.find.account", "find events by account", err)
	}
	return r.convert(rows)
}

func (r *auditRepository) DeleteBefore(ctx context.Context, cutoff time.Time) error {
	if err := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&storage.AuditEvent{}).Error; err != nil {
		return errors.Wrap(errors.KindStorage, "audit.delete.old", "delete old events", err)
	}
	return nil
}

func (r *auditRepository) Stats(ctx context.Context) (map[string]int64, error) {
	var stats []struct {
		EventType string
		Count     int64
	}
	if err := r.db.WithContext(ctx).
		Model(&storage.AuditEvent{}).
		Select("event_type, count(*) as count").
		Group("event_type").
		Scan(&stats).Error; err != nil {
		return nil, errors.Wrap(errors.KindStorage, "audit.stats", "count events", err)
	}

	result := make(map[string]int64, len(stats))
	for _, stat := range stats {
		result[stat.EventType] = stat.Count
	}
	return result, nil
}

func (r *auditRepository) convert(rows []storage.AuditEvent) ([]repository.Event, error) {
	events := make([]repository.Event, len(rows))
	for i, row := range rows {
		var data interface{}
		if len(row.Data) > 0 {
			if err := sonic.Unmarshal(row.Data, &data); err != nil {
				return nil, errors.Wrap(errors.KindStorage, "audit.convert", "unmarshal event data", err)
			}
		}
		events[i] = repository.Event{
			ID:        fmt.Sprintf("%d", row.ID),
			EventType: row.EventType,
			AccountID: row.AccountID,
			Data:      data,
			CreatedAt: row.CreatedAt,
		}
	}
	return events, nil
}
