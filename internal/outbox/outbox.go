// Package outbox implements the device-local, append-only log of mutations
// queued while offline. Records are immutable once appended; corrections are
// new records, and rows leave the log only through acknowledgment.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldsync/fieldsync/internal/syncmodel"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// Record is the persisted form of one queued change. Seq preserves insertion
// order and is the sole ordering authority for push batches.
type Record struct {
	Seq               int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	ClientID          string `gorm:"column:client_id;size:190;not null;index:idx_outbox_client"`
	EntityType        string `gorm:"column:entity_type;size:64;not null"`
	Operation         string `gorm:"column:op;size:20;not null"`
	BaseRevision      int64  `gorm:"column:base_revision;not null;default:0"`
	PayloadJSON       string `gorm:"column:payload_json;type:text"`
	IdempotencyKey    string `gorm:"column:idempotency_key;size:190;not null;uniqueIndex:idx_outbox_idem"`
	DependsOn         string `gorm:"column:depends_on;size:190;not null;default:''"`
	ClientTimeSeconds int64  `gorm:"column:client_time_s;not null"`
	Held              bool   `gorm:"column:held;not null;default:false"`
	Attempts          int    `gorm:"column:attempts;not null;default:0"`
	LastError         string `gorm:"column:last_error;type:text;not null;default:''"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "outbox_records"
}

// Outbox is the append-only change log for one device.
type Outbox struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// Config configures an Outbox.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// New constructs an Outbox.
func New(cfg Config) (*Outbox, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Outbox{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Append validates and stores a new change record.
func (o *Outbox) Append(ctx context.Context, change syncmodel.ChangeRecord) error {
	if err := change.Validate(); err != nil {
		return err
	}

	row := Record{
		ClientID:          change.ClientID.String(),
		EntityType:        change.EntityType.String(),
		Operation:         string(change.Operation),
		BaseRevision:      change.BaseRevision,
		PayloadJSON:       change.PayloadJSON,
		IdempotencyKey:    change.IdempotencyKey.String(),
		DependsOn:         change.DependsOn.String(),
		ClientTimeSeconds: change.ClientTimeSeconds,
		CreatedAtSeconds:  o.clock().UTC().Unix(),
	}
	if err := o.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("outbox append failed: %w", err)
	}
	return nil
}

// PeekBatch returns up to maxSize unacknowledged, unheld records in insertion
// order. The read is restartable: records stay in the log until acknowledged,
// so calling PeekBatch again replays from the oldest pending record.
func (o *Outbox) PeekBatch(ctx context.Context, maxSize int) ([]syncmodel.ChangeRecord, error) {
	if maxSize <= 0 {
		return nil, nil
	}

	var rows []Record
	err := o.db.WithContext(ctx).
		Where("held = ?", false).
		Order("seq ASC").
		Limit(maxSize).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	changes := make([]syncmodel.ChangeRecord, 0, len(rows))
	for _, row := range rows {
		changes = append(changes, syncmodel.ChangeRecord{
			ClientID:          syncmodel.ClientID(row.ClientID),
			EntityType:        syncmodel.EntityType(row.EntityType),
			Operation:         syncmodel.Operation(row.Operation),
			BaseRevision:      row.BaseRevision,
			PayloadJSON:       row.PayloadJSON,
			IdempotencyKey:    syncmodel.IdempotencyKey(row.IdempotencyKey),
			DependsOn:         syncmodel.ClientID(row.DependsOn),
			ClientTimeSeconds: row.ClientTimeSeconds,
		})
	}
	return changes, nil
}

// Acknowledge removes the records confirmed by the server, matched by
// idempotency key so that later records for the same entity, queued but not
// yet pushed, are untouched. Unknown keys are ignored, so acknowledging the
// same list twice is a no-op.
func (o *Outbox) Acknowledge(ctx context.Context, keys []syncmodel.IdempotencyKey) error {
	if len(keys) == 0 {
		return nil
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, key.String())
	}
	result := o.db.WithContext(ctx).
		Where("idempotency_key IN ?", ids).
		Delete(&Record{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		o.logger.Debug("outbox records acknowledged", zap.Int64("count", result.RowsAffected))
	}
	return nil
}

// Hold flags records for the client id so they are skipped by PeekBatch until
// the caller resolves the conflict and requeues them.
func (o *Outbox) Hold(ctx context.Context, clientID syncmodel.ClientID) error {
	return o.db.WithContext(ctx).Model(&Record{}).
		Where("client_id = ?", clientID.String()).
		Update("held", true).Error
}

// Requeue clears the hold after the caller rebased or resolved the record.
func (o *Outbox) Requeue(ctx context.Context, clientID syncmodel.ClientID) error {
	return o.db.WithContext(ctx).Model(&Record{}).
		Where("client_id = ?", clientID.String()).
		Updates(map[string]any{"held": false, "last_error": ""}).Error
}

// NoteAttempt bumps the attempt counter and stores the last transport error
// for the given records, matched by idempotency key. Bookkeeping only;
// ordering and contents are untouched.
func (o *Outbox) NoteAttempt(ctx context.Context, keys []syncmodel.IdempotencyKey, lastError string) error {
	if len(keys) == 0 {
		return nil
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, key.String())
	}
	return o.db.WithContext(ctx).Model(&Record{}).
		Where("idempotency_key IN ?", ids).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": lastError,
		}).Error
}

// Pending reports the number of records still waiting for acknowledgment,
// held ones included.
func (o *Outbox) Pending(ctx context.Context) (int64, error) {
	var count int64
	err := o.db.WithContext(ctx).Model(&Record{}).Count(&count).Error
	return count, err
}
