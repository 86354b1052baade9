package resolver

import (
	"context"
	"errors"

	"github.com/fieldsync/fieldsync/internal/revision"
	"github.com/fieldsync/fieldsync/internal/syncmodel"
	"gorm.io/gorm"
)

// gormTracker implements revision.Tracker over the entity_records table.
// Reserve is a guarded UPDATE so concurrent pushes against the same entity
// serialize through the row instead of a held lock.
type gormTracker struct {
	db *gorm.DB
}

// NewTracker returns a storage-backed revision tracker bound to db, which may
// be a transaction handle.
func NewTracker(db *gorm.DB) revision.Tracker {
	return &gormTracker{db: db}
}

func (t *gormTracker) Current(ctx context.Context, serverID syncmodel.ServerID) (int64, error) {
	var record EntityRecord
	err := t.db.WithContext(ctx).
		Select("revision").
		Where("server_id = ?", serverID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, revision.ErrUnknownEntity
	}
	if err != nil {
		return 0, err
	}
	return record.Revision, nil
}

func (t *gormTracker) Reserve(ctx context.Context, serverID syncmodel.ServerID, expected int64) (int64, error) {
	result := t.db.WithContext(ctx).Model(&EntityRecord{}).
		Where("server_id = ? AND revision = ?", serverID.String(), expected).
		Update("revision", expected+1)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := t.Current(ctx, serverID); errors.Is(err, revision.ErrUnknownEntity) {
			return 0, revision.ErrUnknownEntity
		}
		return 0, revision.ErrRevisionMismatch
	}
	return expected + 1, nil
}
