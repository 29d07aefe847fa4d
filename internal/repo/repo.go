package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/tessilab/swapbridge/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotFound is returned for unknown transaction ids and references.
var ErrNotFound = errors.New("transaction not found")

// ErrConflict is returned when a conditional transition lost the race: the
// record's status or version no longer matches what the caller expected.
var ErrConflict = errors.New("transition conflict")

// notification events are written for these target statuses, inside the
// same DB transaction as the status change itself.
var notifyStatuses = map[string]bool{
	model.StatusCompleted:              true,
	model.StatusFailed:                 true,
	model.StatusRejected:               true,
	model.StatusPendingAdminValidation: true,
}

// RepositoryInterface restricts Repo methods (unit test mocks).
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	CreateTransaction(ctx context.Context, t *model.Transaction) error
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	FindByFiatRef(ctx context.Context, ref string) (*model.Transaction, error)
	FindByCryptoRef(ctx context.Context, ref string) (*model.Transaction, error)
	CompareAndTransition(ctx context.Context, id, expectedStatus string, mutate func(*model.Transaction) error) (*model.Transaction, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]model.Transaction, error)
	PollNotifications(ctx context.Context, limit int) ([]model.NotificationEvent, error)
	MarkNotificationProcessed(ctx context.Context, id uint64) error
	PublishNotification(ctx context.Context, evt model.NotificationEvent) error
	IsAdmin(ctx context.Context, operatorID string) (bool, error)
	RateOverride(ctx context.Context) (decimal.Decimal, bool, error)
	CacheStatus(ctx context.Context, id, status string) error
	GetCachedStatus(ctx context.Context, id string) (string, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CreateTransaction inserts a new record in its initial status.
func (r *Repository) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	return r.db.WithContext(ctx).Create(t).Error
}

// GetTransaction loads a record by id.
func (r *Repository) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// FindByFiatRef correlates an inbound fiat callback to its transaction.
func (r *Repository) FindByFiatRef(ctx context.Context, ref string) (*model.Transaction, error) {
	return r.findByRef(ctx, "fiat_gateway_ref", ref)
}

// FindByCryptoRef correlates an inbound crypto callback to its transaction.
func (r *Repository) FindByCryptoRef(ctx context.Context, ref string) (*model.Transaction, error) {
	return r.findByRef(ctx, "crypto_gateway_ref", ref)
}

func (r *Repository) findByRef(ctx context.Context, column, ref string) (*model.Transaction, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	var t model.Transaction
	err := r.db.WithContext(ctx).Where(column+" = ?", ref).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// CompareAndTransition loads the record, verifies its status still equals
// expectedStatus, applies mutate, and commits guarded by status and
// version. A lost race returns ErrConflict and mutates nothing. When the
// committed status is terminal or needs admin attention, a notification
// outbox event is written in the same DB transaction.
func (r *Repository) CompareAndTransition(ctx context.Context, id, expectedStatus string, mutate func(*model.Transaction) error) (*model.Transaction, error) {
	var out *model.Transaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t model.Transaction
		if err := tx.Where("id = ?", id).First(&t).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if t.Status != expectedStatus {
			return ErrConflict
		}
		oldVersion := t.Version
		if err := mutate(&t); err != nil {
			return err
		}
		t.Version = oldVersion + 1
		t.UpdatedAt = time.Now()

		res := tx.Model(&model.Transaction{}).
			Where("id = ? AND status = ? AND version = ?", id, expectedStatus, oldVersion).
			Select("*").Omit("id", "created_at").
			Updates(&t)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		if t.Status != expectedStatus && notifyStatuses[t.Status] {
			if err := r.createNotification(ctx, tx, &t); err != nil {
				return err
			}
		}
		out = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := r.CacheStatus(ctx, out.ID, out.PublicStatus()); err != nil {
		r.log.Warnf("cache status %s: %v", out.ID, err)
	}
	return out, nil
}

func (r *Repository) createNotification(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"transaction_id": t.ID,
		"direction":      t.Direction,
		"status":         t.Status,
		"final_amount":   t.FinalDestinationAmount,
	})
	evt := &model.NotificationEvent{
		TransactionID: t.ID,
		EventType:     "transaction." + t.Status,
		Payload:       string(payload),
	}
	return tx.WithContext(ctx).Create(evt).Error
}

// ListByStatus returns recent transactions, optionally filtered by status.
func (r *Repository) ListByStatus(ctx context.Context, status string, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	q := r.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Find(&txs).Error
	return txs, err
}

// PollNotifications pulls unprocessed outbox events.
func (r *Repository) PollNotifications(ctx context.Context, limit int) ([]model.NotificationEvent, error) {
	var evts []model.NotificationEvent
	err := r.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkNotificationProcessed sets processed flag.
func (r *Repository) MarkNotificationProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.NotificationEvent{}).Where("id=?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishNotification sends to Kafka.
func (r *Repository) PublishNotification(ctx context.Context, evt model.NotificationEvent) error {
	msg := kafka.Message{
		Key:   []byte(evt.TransactionID),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// IsAdmin checks the operator against the admin set.
func (r *Repository) IsAdmin(ctx context.Context, operatorID string) (bool, error) {
	if r.rdb == nil {
		return false, nil
	}
	return r.rdb.SIsMember(ctx, "admins", operatorID).Result()
}

// RateOverride reads the live exchange-rate override, if one is set.
// redis is optional: without it the configured rate applies.
func (r *Repository) RateOverride(ctx context.Context) (decimal.Decimal, bool, error) {
	if r.rdb == nil {
		return decimal.Zero, false, nil
	}
	str, err := r.rdb.Get(ctx, "rate:override").Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	d, err := decimal.NewFromString(str)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("bad rate override %q: %w", str, err)
	}
	return d, true, nil
}

// CacheStatus writes the client-visible status to Redis.
func (r *Repository) CacheStatus(ctx context.Context, id, status string) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Set(ctx, "txstatus:"+id, status, 5*time.Minute).Err()
}

// GetCachedStatus reads the cached status.
func (r *Repository) GetCachedStatus(ctx context.Context, id string) (string, error) {
	if r.rdb == nil {
		return "", redis.Nil
	}
	return r.rdb.Get(ctx, "txstatus:"+id).Result()
}
