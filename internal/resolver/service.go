// Package resolver implements the server side of the sync protocol: the
// idempotency ledger, per-record conflict resolution, the append-only change
// feed, and the pull cursor.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fieldsync/fieldsync/internal/identity"
	"github.com/fieldsync/fieldsync/internal/syncmodel"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingOwnerID    = errors.New("owner identifier is required")
	errBatchTooLarge     = errors.New("push batch exceeds the configured maximum")
	errEntityMissing     = errors.New("identity mapping points at a missing entity")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a dotted operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "sync.service.new"
	opProcessPush = "sync.process_push"
	opProcessPull = "sync.process_pull"
	opHandshake   = "sync.handshake"
	opPurgeLedger = "sync.purge_ledger"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

const (
	defaultMaxPushBatch = 100
	defaultPullLimit    = 100
	maxPullLimit        = 500
	defaultLedgerTTL    = 24 * time.Hour
)

// IDProvider issues server-assigned entity identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig configures the sync service.
type ServiceConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	IDProvider   IDProvider
	Logger       *zap.Logger
	Strategy     Strategy
	LedgerTTL    time.Duration
	MaxPushBatch int
}

// Service processes push batches and serves pulls for all clients.
type Service struct {
	db           *gorm.DB
	clock        func() time.Time
	idProvider   IDProvider
	logger       *zap.Logger
	strategy     Strategy
	mapper       *identity.Mapper
	ledgerTTL    time.Duration
	maxPushBatch int
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	strategy := cfg.Strategy
	if strategy == nil {
		strategy = ManualStrategy{}
	}
	ledgerTTL := cfg.LedgerTTL
	if ledgerTTL <= 0 {
		ledgerTTL = defaultLedgerTTL
	}
	maxPushBatch := cfg.MaxPushBatch
	if maxPushBatch <= 0 {
		maxPushBatch = defaultMaxPushBatch
	}

	mapper, err := identity.NewMapper(identity.MapperConfig{
		Database: cfg.Database,
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		return nil, newServiceError(opServiceNew, "mapper_init_failed", err)
	}

	return &Service{
		db:           cfg.Database,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		logger:       logger,
		strategy:     strategy,
		mapper:       mapper,
		ledgerTTL:    ledgerTTL,
		maxPushBatch: maxPushBatch,
	}, nil
}

// MaxPushBatch reports the batch bound advertised during handshake.
func (s *Service) MaxPushBatch() int {
	return s.maxPushBatch
}

// StrategyName reports the configured resolution policy.
func (s *Service) StrategyName() string {
	return s.strategy.Name()
}

// Handshake confirms protocol compatibility and normalizes the client's
// resume cursor. An unreadable cursor resumes from the beginning.
func (s *Service) Handshake(_ context.Context, ownerID, lastCursor string) (syncmodel.HandshakeResult, error) {
	if ownerID == "" {
		return syncmodel.HandshakeResult{}, newServiceError(opHandshake, "missing_owner_id", errMissingOwnerID)
	}
	return syncmodel.HandshakeResult{
		ProtocolVersion:   syncmodel.ProtocolVersion,
		ServerTimeSeconds: s.clock().UTC().Unix(),
		MaxPushBatch:      s.maxPushBatch,
		ResumeCursor:      EncodeCursor(DecodeCursor(lastCursor)),
	}, nil
}

// ProcessPush applies one batch of change records in client log order inside
// a single transaction. Outcomes come back in batch order; every terminal
// outcome is ledgered under its idempotency key before the transaction
// commits, so a retried push replays outcomes instead of reapplying.
func (s *Service) ProcessPush(ctx context.Context, ownerID, deviceID string, batch []syncmodel.ChangeRecord) (syncmodel.PushResult, error) {
	if s.db == nil {
		s.logError(opProcessPush, "missing_database", errMissingDatabase)
		return syncmodel.PushResult{}, newServiceError(opProcessPush, "missing_database", errMissingDatabase)
	}
	if s.idProvider == nil {
		s.logError(opProcessPush, "missing_id_provider", errMissingIDProvider)
		return syncmodel.PushResult{}, newServiceError(opProcessPush, "missing_id_provider", errMissingIDProvider)
	}
	if ownerID == "" {
		s.logError(opProcessPush, "missing_owner_id", errMissingOwnerID)
		return syncmodel.PushResult{}, newServiceError(opProcessPush, "missing_owner_id", errMissingOwnerID)
	}
	if len(batch) > s.maxPushBatch {
		s.logError(opProcessPush, "batch_too_large", errBatchTooLarge, zap.Int("batch_size", len(batch)))
		return syncmodel.PushResult{}, newServiceError(opProcessPush, "batch_too_large", errBatchTooLarge)
	}
	for _, change := range batch {
		if err := change.Validate(); err != nil {
			s.logError(opProcessPush, "invalid_change_record", err,
				zap.String("client_id", change.ClientID.String()))
			return syncmodel.PushResult{}, newServiceError(opProcessPush, "invalid_change_record", err)
		}
	}

	result := syncmodel.PushResult{Outcomes: make([]syncmodel.PushOutcome, 0, len(batch))}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mapper := s.mapper.WithDatabase(tx)
		for _, change := range batch {
			outcome, ledgered, err := s.resolveRecord(ctx, tx, mapper, ownerID, change)
			if err != nil {
				return err
			}
			if ledgered {
				if err := s.writeLedger(ctx, tx, ownerID, deviceID, outcome); err != nil {
					s.logError(opProcessPush, "ledger_write_failed", err,
						zap.String("idempotency_key", outcome.IdempotencyKey.String()))
					return newServiceError(opProcessPush, "ledger_write_failed", err)
				}
			}
			result.Outcomes = append(result.Outcomes, outcome)
		}

		cursor, err := s.latestCursor(ctx, tx, ownerID)
		if err != nil {
			s.logError(opProcessPush, "cursor_query_failed", err)
			return newServiceError(opProcessPush, "cursor_query_failed", err)
		}
		result.Cursor = cursor
		return nil
	})
	if txErr != nil {
		return syncmodel.PushResult{}, txErr
	}
	return result, nil
}

// resolveRecord handles one change record. The returned flag reports whether
// the outcome is terminal and must be ledgered; deferrals are retried by the
// client under the same idempotency key and leave no trace.
func (s *Service) resolveRecord(ctx context.Context, tx *gorm.DB, mapper *identity.Mapper, ownerID string, change syncmodel.ChangeRecord) (syncmodel.PushOutcome, bool, error) {
	var entry LedgerEntry
	err := tx.WithContext(ctx).
		Where("idempotency_key = ?", change.IdempotencyKey.String()).
		Take(&entry).Error
	if err == nil {
		var stored syncmodel.PushOutcome
		if unmarshalErr := json.Unmarshal([]byte(entry.OutcomeJSON), &stored); unmarshalErr != nil {
			s.logError(opProcessPush, "ledger_decode_failed", unmarshalErr,
				zap.String("idempotency_key", change.IdempotencyKey.String()))
			return syncmodel.PushOutcome{}, false, newServiceError(opProcessPush, "ledger_decode_failed", unmarshalErr)
		}
		return stored, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return syncmodel.PushOutcome{}, false, newServiceError(opProcessPush, "ledger_select_failed", err)
	}

	switch change.Operation {
	case syncmodel.OperationCreate:
		outcome, err := s.resolveCreate(ctx, tx, mapper, ownerID, change)
		return outcome, err == nil, err
	default:
		return s.resolveMutation(ctx, tx, mapper, ownerID, change)
	}
}

func (s *Service) resolveCreate(ctx context.Context, tx *gorm.DB, mapper *identity.Mapper, ownerID string, change syncmodel.ChangeRecord) (syncmodel.PushOutcome, error) {
	serverID, err := mapper.Resolve(ctx, change.ClientID)
	if err == nil {
		// The entity was already created under this client id on an earlier
		// push whose ack was lost. Replay the mapping without reapplying.
		var existing EntityRecord
		if loadErr := tx.WithContext(ctx).
			Where("server_id = ? AND owner_id = ?", serverID.String(), ownerID).
			Take(&existing).Error; loadErr != nil {
			s.logError(opProcessPush, "entity_select_failed", loadErr,
				zap.String("server_id", serverID.String()))
			return syncmodel.PushOutcome{}, newServiceError(opProcessPush, "entity_select_failed", loadErr)
		}
		return syncmodel.PushOutcome{
			IdempotencyKey: change.IdempotencyKey,
			Kind:           syncmodel.OutcomeAccepted,
			ClientID:       change.ClientID,
			ServerID:       serverID,
			Revision:       existing.Revision,
		}, nil
	}
	if !errors.Is(err, identity.ErrUnresolvedReference) {
		return syncmodel.PushOutcome{}, newServiceError(opProcessPush, "mapping_resolve_failed", err)
	}

	newID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opProcessPush, "id_generation_failed", err)
		return syncmodel.PushOutcome{}, newServiceError(opProcessPush, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	updatedAt := change.ClientTimeSeconds
	if updatedAt <= 0 {
		updatedAt = now
	}
	record := EntityRecord{
		ServerID:         newID,
		EntityType:       change.EntityType.String(),
		OwnerID:          ownerID,
		Revision:         1,
		PayloadJSON:      change.PayloadJSON,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: updatedAt,
	}
	if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opProcessPush, "entity_insert_failed", err, zap.String("server_id", newID))
		return syncmodel.PushOutcome{}, newServiceError(opProcessPush, "entity_insert_failed", err)
	}
	if err := mapper.Register(ctx, change.ClientID, syncmodel.ServerID(newID), ownerID); err != nil {
		s.logError(opProcessPush, "mapping_register_failed", err,
			zap.String("client_id", change.ClientID.String()),
			zap.String("server_id", newID))
		return syncmodel.PushOutcome{}, newServiceError(opProcessPush, "mapping_register_failed", err)
	}
	if err := s.appendFeed(ctx, tx, ownerID, change, syncmodel.ServerID(newID), 1, change.PayloadJSON, false); err != nil {
		return syncmodel.PushOutcome{}, err
	}

	return syncmodel.PushOutcome{
		IdempotencyKey: change.IdempotencyKey,
		Kind:           syncmodel.OutcomeAccepted,
		ClientID:       change.ClientID,
		ServerID:       syncmodel.ServerID(newID),
		Revision:       1,
	}, nil
}

func (s *Service) resolveMutation(ctx context.Context, tx *gorm.DB, mapper *identity.Mapper, ownerID string, change syncmodel.ChangeRecord) (syncmodel.PushOutcome, bool, error) {
	serverID, err := mapper.Resolve(ctx, change.ClientID)
	if errors.Is(err, identity.ErrUnresolvedReference) {
		// The dependency's create has not been accepted yet. Not an error and
		// not terminal: the client retries on a later cycle.
		return syncmodel.PushOutcome{
			IdempotencyKey: change.IdempotencyKey,
			Kind:           syncmodel.OutcomeDeferred,
			ClientID:       change.ClientID,
		}, false, nil
	}
	if err != nil {
		return syncmodel.PushOutcome{}, false, newServiceError(opProcessPush, "mapping_resolve_failed", err)
	}

	var existing EntityRecord
	err = tx.WithContext(ctx).
		Where("server_id = ? AND owner_id = ?", serverID.String(), ownerID).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opProcessPush, "entity_missing", errEntityMissing,
			zap.String("client_id", change.ClientID.String()),
			zap.String("server_id", serverID.String()))
		return syncmodel.PushOutcome{}, false, newServiceError(opProcessPush, "entity_missing", errEntityMissing)
	}
	if err != nil {
		return syncmodel.PushOutcome{}, false, newServiceError(opProcessPush, "entity_select_failed", err)
	}

	current := existing.Revision
	switch {
	case change.BaseRevision == current:
		outcome, err := s.applyMutation(ctx, tx, ownerID, change, existing)
		return outcome, err == nil, err

	case change.BaseRevision < current:
		state := entityState(existing)
		switch s.strategy.Resolve(state, change) {
		case ResolutionAcceptClient:
			outcome, err := s.applyMutation(ctx, tx, ownerID, change, existing)
			return outcome, err == nil, err
		case ResolutionKeepServer:
			return syncmodel.PushOutcome{
				IdempotencyKey: change.IdempotencyKey,
				Kind:           syncmodel.OutcomeRejected,
				ClientID:       change.ClientID,
				ServerID:       serverID,
				Revision:       current,
				Reject:         &syncmodel.RejectDetail{Reason: syncmodel.RejectReasonSuperseded},
			}, true, nil
		default:
			return syncmodel.PushOutcome{
				IdempotencyKey: change.IdempotencyKey,
				Kind:           syncmodel.OutcomeConflict,
				ClientID:       change.ClientID,
				ServerID:       serverID,
				Revision:       current,
				Conflict: &syncmodel.ConflictDetail{
					ServerRevision: current,
					BaseRevision:   change.BaseRevision,
					ServerPayload:  existing.PayloadJSON,
					ClientPayload:  change.PayloadJSON,
					ServerDeleted:  existing.Deleted,
				},
			}, true, nil
		}

	default:
		// A base revision ahead of the server means replayed or corrupted
		// client state; the change can never apply.
		return syncmodel.PushOutcome{
			IdempotencyKey: change.IdempotencyKey,
			Kind:           syncmodel.OutcomeRejected,
			ClientID:       change.ClientID,
			ServerID:       serverID,
			Revision:       current,
			Reject:         &syncmodel.RejectDetail{Reason: syncmodel.RejectReasonStaleClientState},
		}, true, nil
	}
}

// applyMutation reserves the next revision through the tracker and writes the
// mutated state plus its feed row. The tracker is the only revision writer.
func (s *Service) applyMutation(ctx context.Context, tx *gorm.DB, ownerID string, change syncmodel.ChangeRecord, existing EntityRecord) (syncmodel.PushOutcome, error) {
	serverID := syncmodel.ServerID(existing.ServerID)
	newRevision, err := NewTracker(tx).Reserve(ctx, serverID, existing.Revision)
	if err != nil {
		s.logError(opProcessPush, "revision_reserve_failed", err, zap.String("server_id", existing.ServerID))
		return syncmodel.PushOutcome{}, newServiceError(opProcessPush, "revision_reserve_failed", err)
	}

	updatedAt := change.ClientTimeSeconds
	if updatedAt <= existing.UpdatedAtSeconds {
		updatedAt = s.clock().UTC().Unix()
	}
	columns := map[string]any{"updated_at_s": updatedAt}
	payload := existing.PayloadJSON
	deleted := existing.Deleted
	if change.Operation == syncmodel.OperationDelete {
		deleted = true
		columns["deleted"] = true
	} else {
		payload = change.PayloadJSON
		columns["payload_json"] = payload
		columns["deleted"] = false
		deleted = false
	}
	if err := tx.WithContext(ctx).Model(&EntityRecord{}).
		Where("server_id = ?", existing.ServerID).
		Updates(columns).Error; err != nil {
		s.logError(opProcessPush, "entity_update_failed", err, zap.String("server_id", existing.ServerID))
		return syncmodel.PushOutcome{}, newServiceError(opProcessPush, "entity_update_failed", err)
	}
	if err := s.appendFeed(ctx, tx, ownerID, change, serverID, newRevision, payload, deleted); err != nil {
		return syncmodel.PushOutcome{}, err
	}

	return syncmodel.PushOutcome{
		IdempotencyKey: change.IdempotencyKey,
		Kind:           syncmodel.OutcomeAccepted,
		ClientID:       change.ClientID,
		ServerID:       serverID,
		Revision:       newRevision,
	}, nil
}

func (s *Service) appendFeed(ctx context.Context, tx *gorm.DB, ownerID string, change syncmodel.ChangeRecord, serverID syncmodel.ServerID, revision int64, payload string, deleted bool) error {
	entry := FeedEntry{
		OwnerID:          ownerID,
		EntityType:       change.EntityType.String(),
		ServerID:         serverID.String(),
		ClientID:         change.ClientID.String(),
		Operation:        string(change.Operation),
		Revision:         revision,
		PayloadJSON:      payload,
		Deleted:          deleted,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		s.logError(opProcessPush, "feed_insert_failed", err, zap.String("server_id", serverID.String()))
		return newServiceError(opProcessPush, "feed_insert_failed", err)
	}
	return nil
}

func (s *Service) writeLedger(ctx context.Context, tx *gorm.DB, ownerID, deviceID string, outcome syncmodel.PushOutcome) error {
	encoded, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	processedAt := s.clock().UTC()
	entry := LedgerEntry{
		IdempotencyKey:     outcome.IdempotencyKey.String(),
		OwnerID:            ownerID,
		DeviceID:           deviceID,
		Outcome:            string(outcome.Kind),
		ClientID:           outcome.ClientID.String(),
		ServerID:           outcome.ServerID.String(),
		Revision:           outcome.Revision,
		OutcomeJSON:        string(encoded),
		ProcessedAtSeconds: processedAt.Unix(),
		ExpiresAtSeconds:   processedAt.Add(s.ledgerTTL).Unix(),
	}
	return tx.WithContext(ctx).Create(&entry).Error
}

func (s *Service) latestCursor(ctx context.Context, tx *gorm.DB, ownerID string) (string, error) {
	var maxID int64
	err := tx.WithContext(ctx).Model(&FeedEntry{}).
		Where("owner_id = ?", ownerID).
		Select("COALESCE(MAX(id), 0)").
		Scan(&maxID).Error
	if err != nil {
		return "", err
	}
	return EncodeCursor(maxID), nil
}

// ProcessPull returns owner-scoped feed entries after the cursor, oldest
// first, one page at a time.
func (s *Service) ProcessPull(ctx context.Context, ownerID, sinceCursor string, limit int) (syncmodel.PullResult, error) {
	if s.db == nil {
		s.logError(opProcessPull, "missing_database", errMissingDatabase)
		return syncmodel.PullResult{}, newServiceError(opProcessPull, "missing_database", errMissingDatabase)
	}
	if ownerID == "" {
		s.logError(opProcessPull, "missing_owner_id", errMissingOwnerID)
		return syncmodel.PullResult{}, newServiceError(opProcessPull, "missing_owner_id", errMissingOwnerID)
	}
	if limit <= 0 {
		limit = defaultPullLimit
	}
	if limit > maxPullLimit {
		limit = maxPullLimit
	}

	sinceID := DecodeCursor(sinceCursor)
	var rows []FeedEntry
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND id > ?", ownerID, sinceID).
		Order("id ASC").
		Limit(limit + 1).
		Find(&rows).Error
	if err != nil {
		s.logError(opProcessPull, "feed_query_failed", err, zap.String("owner_id", ownerID))
		return syncmodel.PullResult{}, newServiceError(opProcessPull, "feed_query_failed", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	result := syncmodel.PullResult{
		Entities:   make([]syncmodel.EntityState, 0, len(rows)),
		NextCursor: EncodeCursor(sinceID),
		HasMore:    hasMore,
	}
	for _, row := range rows {
		result.Entities = append(result.Entities, syncmodel.EntityState{
			EntityType:       syncmodel.EntityType(row.EntityType),
			ServerID:         syncmodel.ServerID(row.ServerID),
			ClientID:         syncmodel.ClientID(row.ClientID),
			Revision:         row.Revision,
			Deleted:          row.Deleted,
			PayloadJSON:      row.PayloadJSON,
			UpdatedAtSeconds: row.CreatedAtSeconds,
		})
		result.NextCursor = EncodeCursor(row.ID)
	}
	return result, nil
}

// PurgeExpiredLedger removes idempotency entries past their TTL and reports
// how many were dropped.
func (s *Service) PurgeExpiredLedger(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at_s <= ?", s.clock().UTC().Unix()).
		Delete(&LedgerEntry{})
	if result.Error != nil {
		s.logError(opPurgeLedger, "delete_failed", result.Error)
		return 0, newServiceError(opPurgeLedger, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

func entityState(record EntityRecord) syncmodel.EntityState {
	return syncmodel.EntityState{
		EntityType:       syncmodel.EntityType(record.EntityType),
		ServerID:         syncmodel.ServerID(record.ServerID),
		Revision:         record.Revision,
		Deleted:          record.Deleted,
		PayloadJSON:      record.PayloadJSON,
		UpdatedAtSeconds: record.UpdatedAtSeconds,
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("sync service error", attrs...)
}
