package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/bizdash-realtime/internal/models"
	"github.com/noah-isme/bizdash-realtime/internal/observability"
)

// QueueSchemaVersion is recorded in queue_meta and must stay stable across releases
// so queued data survives restarts.
const QueueSchemaVersion = "1"

const defaultQueueListLimit = 50

// NotificationQueue is the best-effort durable buffer for received notifications.
// Every method degrades to a safe default when the store is unavailable.
type NotificationQueue interface {
	Enqueue(ctx context.Context, notification models.Notification) bool
	GetUnsynced(ctx context.Context) []models.QueuedNotification
	MarkSynced(ctx context.Context, id int64) bool
	GetAll(ctx context.Context, limit int) []models.QueuedNotification
	ClearOld(ctx context.Context, daysOld int) int64
	ClearAll(ctx context.Context) bool
}

// Opener lazily produces the database backing the queue.
type Opener func() (*gorm.DB, error)

type notificationQueue struct {
	open   Opener
	once   sync.Once
	db     *gorm.DB
	err    error
	logger zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewNotificationQueue constructs a queue that opens its store on first use.
func NewNotificationQueue(open Opener, logger zerolog.Logger) NotificationQueue {
	return &notificationQueue{
		open:   open,
		logger: logger.With().Str("component", "notification_queue").Logger(),
		tracer: otel.Tracer("github.com/noah-isme/bizdash-realtime/internal/repository/queue"),
		now:    time.Now,
	}
}

// NewNotificationQueueFromDB wraps an already opened database.
func NewNotificationQueueFromDB(db *gorm.DB, logger zerolog.Logger) NotificationQueue {
	return NewNotificationQueue(func() (*gorm.DB, error) {
		if db == nil {
			return nil, errors.New("queue database is nil")
		}
		return db, nil
	}, logger)
}

// store initialises the queue exactly once; concurrent callers wait for the same result.
func (q *notificationQueue) store() (*gorm.DB, bool) {
	q.once.Do(func() {
		if q.open == nil {
			q.err = errors.New("queue opener not configured")
			return
		}
		db, err := q.open()
		if err != nil {
			q.err = err
			return
		}
		if err := db.AutoMigrate(&models.QueuedNotification{}, &models.QueueMeta{}); err != nil {
			q.err = err
			return
		}
		meta := models.QueueMeta{Name: "schema_version", Value: QueueSchemaVersion}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&meta).Error; err != nil {
			q.err = err
			return
		}
		q.db = db
	})

	if q.err != nil {
		q.logger.Debug().Err(q.err).Msg("notification queue unavailable")
		return nil, false
	}
	return q.db, true
}

func (q *notificationQueue) record(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		q.logger.Warn().Err(err).Str("operation", operation).Msg("notification queue operation failed")
	}
	observability.QueueOperations().WithLabelValues(operation, outcome).Inc()
}

func (q *notificationQueue) Enqueue(ctx context.Context, notification models.Notification) bool {
	db, ok := q.store()
	if !ok {
		return false
	}

	now := q.now()
	if notification.ID == 0 {
		notification.ID = now.UnixMilli()
	}

	spanCtx, span := q.tracer.Start(ctx, "queue.enqueue", trace.WithAttributes(attribute.Int64("notification.id", notification.ID)))
	defer span.End()

	entry := models.QueuedNotification{
		ID:           notification.ID,
		Notification: datatypes.NewJSONType(notification),
		Timestamp:    now.UnixMilli(),
		Synced:       false,
	}

	err := db.WithContext(spanCtx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&entry).Error
	q.record("enqueue", err)
	if err != nil {
		span.RecordError(err)
		return false
	}
	return true
}

func (q *notificationQueue) GetUnsynced(ctx context.Context) []models.QueuedNotification {
	db, ok := q.store()
	if !ok {
		return []models.QueuedNotification{}
	}

	var entries []models.QueuedNotification
	err := db.WithContext(ctx).Where("synced = ?", false).Order("timestamp ASC").Order("id ASC").Find(&entries).Error
	q.record("get_unsynced", err)
	if err != nil {
		return []models.QueuedNotification{}
	}
	return entries
}

func (q *notificationQueue) MarkSynced(ctx context.Context, id int64) bool {
	db, ok := q.store()
	if !ok {
		return false
	}

	var entry models.QueuedNotification
	err := db.WithContext(ctx).First(&entry, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if err != nil {
		q.record("mark_synced", err)
		return false
	}

	entry.Synced = true
	err = db.WithContext(ctx).Save(&entry).Error
	q.record("mark_synced", err)
	return err == nil
}

func (q *notificationQueue) GetAll(ctx context.Context, limit int) []models.QueuedNotification {
	db, ok := q.store()
	if !ok {
		return []models.QueuedNotification{}
	}
	if limit <= 0 {
		limit = defaultQueueListLimit
	}

	var entries []models.QueuedNotification
	err := db.WithContext(ctx).Order("timestamp DESC").Order("id DESC").Limit(limit).Find(&entries).Error
	q.record("get_all", err)
	if err != nil {
		return []models.QueuedNotification{}
	}
	return entries
}

// ClearOld removes synced records older than daysOld. Unsynced records are kept regardless of age.
func (q *notificationQueue) ClearOld(ctx context.Context, daysOld int) int64 {
	db, ok := q.store()
	if !ok {
		return 0
	}
	if daysOld < 0 {
		daysOld = 0
	}

	cutoff := q.now().Add(-time.Duration(daysOld) * 24 * time.Hour).UnixMilli()
	result := db.WithContext(ctx).
		Where("synced = ? AND timestamp < ?", true, cutoff).
		Delete(&models.QueuedNotification{})
	q.record("clear_old", result.Error)
	if result.Error != nil {
		return 0
	}
	return result.RowsAffected
}

func (q *notificationQueue) ClearAll(ctx context.Context) bool {
	db, ok := q.store()
	if !ok {
		return false
	}

	err := db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.QueuedNotification{}).Error
	q.record("clear_all", err)
	return err == nil
}
