// Package identity maintains the correspondence between client-generated
// entity identifiers and the server-assigned ones.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/fieldsync/fieldsync/internal/syncmodel"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrUnresolvedReference indicates no mapping exists yet; the caller must
	// defer changes depending on the client id until its create is accepted.
	ErrUnresolvedReference = errors.New("identity: client id has no server mapping yet")
	// ErrConflictingMapping indicates a client id already maps to a different
	// server id. This is an integrity violation, never retried.
	ErrConflictingMapping = errors.New("identity: client id already mapped to a different server id")
	errMissingDatabase    = errors.New("database handle is required")
)

// Mapping persists one client id to server id correspondence. Rows are
// written once and never updated.
type Mapping struct {
	ClientID         string `gorm:"column:client_id;primaryKey;size:190;not null"`
	ServerID         string `gorm:"column:server_id;size:190;not null;index:idx_identity_server"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_identity_owner"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Mapping) TableName() string {
	return "identity_mappings"
}

// Mapper resolves and registers identity mappings against storage.
type Mapper struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// MapperConfig configures a Mapper.
type MapperConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// NewMapper constructs a Mapper.
func NewMapper(cfg MapperConfig) (*Mapper, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mapper{db: cfg.Database, clock: clock, logger: logger}, nil
}

// WithDatabase returns a Mapper bound to the provided handle, typically a
// transaction, sharing the original clock and logger.
func (m *Mapper) WithDatabase(db *gorm.DB) *Mapper {
	return &Mapper{db: db, clock: m.clock, logger: m.logger}
}

// Resolve returns the server id mapped to the client id.
func (m *Mapper) Resolve(ctx context.Context, clientID syncmodel.ClientID) (syncmodel.ServerID, error) {
	var mapping Mapping
	err := m.db.WithContext(ctx).
		Where("client_id = ?", clientID.String()).
		Take(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrUnresolvedReference
	}
	if err != nil {
		return "", err
	}
	return syncmodel.ServerID(mapping.ServerID), nil
}

// Register records a new mapping. Registering the same pair again is a no-op;
// a different server id for a known client id fails with ErrConflictingMapping.
func (m *Mapper) Register(ctx context.Context, clientID syncmodel.ClientID, serverID syncmodel.ServerID, ownerID string) error {
	var existing Mapping
	err := m.db.WithContext(ctx).
		Where("client_id = ?", clientID.String()).
		Take(&existing).Error
	if err == nil {
		if existing.ServerID == serverID.String() {
			return nil
		}
		m.logger.Error("conflicting identity mapping",
			zap.String("client_id", clientID.String()),
			zap.String("existing_server_id", existing.ServerID),
			zap.String("attempted_server_id", serverID.String()))
		return ErrConflictingMapping
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	mapping := Mapping{
		ClientID:         clientID.String(),
		ServerID:         serverID.String(),
		OwnerID:          ownerID,
		CreatedAtSeconds: m.clock().UTC().Unix(),
	}
	return m.db.WithContext(ctx).Create(&mapping).Error
}
