// Package orchestrator drives the client side of a sync cycle: handshake,
// push, pull. One cycle runs at a time per device; overlapping triggers
// coalesce into a no-op instead of racing over the outbox.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/identity"
	"github.com/fieldsync/fieldsync/internal/outbox"
	"github.com/fieldsync/fieldsync/internal/syncmodel"
	"go.uber.org/zap"
)

// State names the phase a sync cycle is in.
type State string

const (
	StateIdle        State = "idle"
	StateHandshaking State = "handshaking"
	StatePushing     State = "pushing"
	StatePulling     State = "pulling"
)

var (
	// ErrCycleInProgress reports that a sync cycle is already running; the
	// trigger is dropped, not queued.
	ErrCycleInProgress = errors.New("orchestrator: sync cycle already in progress")
	// ErrProtocolMismatch reports an incompatible server protocol version.
	ErrProtocolMismatch = errors.New("orchestrator: server protocol version not supported")
	// ErrMappingIntegrity reports a conflicting identity mapping delivered by
	// the server. Fatal; sync must halt pending manual intervention.
	ErrMappingIntegrity = errors.New("orchestrator: conflicting identity mapping from server")

	errMissingOutbox    = errors.New("outbox is required")
	errMissingTransport = errors.New("transport is required")
	errMissingStore     = errors.New("local store is required")
)

// Transport delivers the three protocol calls to the server.
type Transport interface {
	Handshake(ctx context.Context, lastCursor string) (syncmodel.HandshakeResult, error)
	Push(ctx context.Context, deviceID string, batch []syncmodel.ChangeRecord) (syncmodel.PushResult, error)
	Pull(ctx context.Context, sinceCursor string, limit int) (syncmodel.PullResult, error)
}

// Store applies pulled entity states to device-local storage. Applying the
// same state twice must be harmless; pulls replay snapshots.
type Store interface {
	ApplyEntity(ctx context.Context, entity syncmodel.EntityState) error
}

// CursorStore persists the pull cursor across cycles.
type CursorStore interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, cursor string) error
}

type memoryCursorStore struct {
	mu     sync.Mutex
	cursor string
}

func (s *memoryCursorStore) Load(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *memoryCursorStore) Save(_ context.Context, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = cursor
	return nil
}

const (
	defaultBatchSize = 100
	defaultPullLimit = 100
)

// Config configures an Orchestrator.
type Config struct {
	Outbox      *outbox.Outbox
	Transport   Transport
	Store       Store
	Cache       *identity.Cache
	CursorStore CursorStore
	Logger      *zap.Logger
	Clock       func() time.Time
	DeviceID    string
	BatchSize   int
	PullLimit   int
}

// Orchestrator runs sync cycles for one device.
type Orchestrator struct {
	outbox    *outbox.Outbox
	transport Transport
	store     Store
	cache     *identity.Cache
	cursors   CursorStore
	logger    *zap.Logger
	clock     func() time.Time
	deviceID  string
	batchSize int
	pullLimit int

	mu       sync.Mutex
	running  bool
	state    State
	lastSync time.Time
	lastErr  error
}

// New constructs an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Outbox == nil {
		return nil, errMissingOutbox
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}

	cache := cfg.Cache
	if cache == nil {
		cache = identity.NewCache()
	}
	cursors := cfg.CursorStore
	if cursors == nil {
		cursors = &memoryCursorStore{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	pullLimit := cfg.PullLimit
	if pullLimit <= 0 {
		pullLimit = defaultPullLimit
	}

	return &Orchestrator{
		outbox:    cfg.Outbox,
		transport: cfg.Transport,
		store:     cfg.Store,
		cache:     cache,
		cursors:   cursors,
		logger:    logger,
		clock:     clock,
		deviceID:  cfg.DeviceID,
		batchSize: batchSize,
		pullLimit: pullLimit,
		state:     StateIdle,
	}, nil
}

// Report summarizes one completed sync cycle.
type Report struct {
	Accepted  int
	Conflicts []syncmodel.PushOutcome
	Rejected  []syncmodel.PushOutcome
	Deferred  int
	Pulled    int
	Cursor    string
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State      State
	LastSyncAt time.Time
	LastError  string
	Pending    int64
}

// Status reports the current phase, last cycle result, and outbox depth.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	pending, err := o.outbox.Pending(ctx)
	if err != nil {
		return Status{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	status := Status{
		State:      o.state,
		LastSyncAt: o.lastSync,
		Pending:    pending,
	}
	if o.lastErr != nil {
		status.LastError = o.lastErr.Error()
	}
	return status, nil
}

// Sync runs one full cycle. A trigger that arrives while a cycle is running
// returns ErrCycleInProgress without touching any state.
func (o *Orchestrator) Sync(ctx context.Context) (Report, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return Report{}, ErrCycleInProgress
	}
	o.running = true
	o.mu.Unlock()

	report, err := o.runCycle(ctx)

	o.mu.Lock()
	o.running = false
	o.state = StateIdle
	o.lastErr = err
	if err == nil {
		o.lastSync = o.clock().UTC()
	}
	o.mu.Unlock()

	return report, err
}

// runCycle aborts whole on any transport failure: the outbox keeps its
// records and the cursor stays where the last completed cycle left it, so
// the next trigger retries from handshake.
func (o *Orchestrator) runCycle(ctx context.Context) (Report, error) {
	report := Report{}

	o.setState(StateHandshaking)
	lastCursor, err := o.cursors.Load(ctx)
	if err != nil {
		return report, fmt.Errorf("cursor load failed: %w", err)
	}
	handshake, err := o.transport.Handshake(ctx, lastCursor)
	if err != nil {
		o.logger.Warn("handshake failed", zap.Error(err))
		return report, err
	}
	if handshake.ProtocolVersion != syncmodel.ProtocolVersion {
		return report, fmt.Errorf("%w: server=%s client=%s",
			ErrProtocolMismatch, handshake.ProtocolVersion, syncmodel.ProtocolVersion)
	}
	batchSize := o.batchSize
	if handshake.MaxPushBatch > 0 && handshake.MaxPushBatch < batchSize {
		batchSize = handshake.MaxPushBatch
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	o.setState(StatePushing)
	if err := o.pushAll(ctx, batchSize, &report); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	o.setState(StatePulling)
	cursor := handshake.ResumeCursor
	for {
		page, err := o.transport.Pull(ctx, cursor, o.pullLimit)
		if err != nil {
			o.logger.Warn("pull failed", zap.Error(err), zap.String("cursor", cursor))
			return report, err
		}
		for _, entity := range page.Entities {
			if err := o.store.ApplyEntity(ctx, entity); err != nil {
				return report, fmt.Errorf("apply entity %s failed: %w", entity.ServerID, err)
			}
			if entity.ClientID != "" {
				if err := o.cache.Register(entity.ClientID, entity.ServerID); err != nil {
					return report, fmt.Errorf("%w: client_id=%s", ErrMappingIntegrity, entity.ClientID)
				}
			}
		}
		report.Pulled += len(page.Entities)
		cursor = page.NextCursor
		if !page.HasMore {
			break
		}
	}
	// The cursor only moves once the whole pull applied.
	if err := o.cursors.Save(ctx, cursor); err != nil {
		return report, fmt.Errorf("cursor save failed: %w", err)
	}
	report.Cursor = cursor

	return report, nil
}

// pushAll drains the outbox one batch at a time. Retirement is keyed by
// idempotency key, never by entity: a later record for the same entity that
// has not been pushed yet must survive the earlier record's acknowledgment.
func (o *Orchestrator) pushAll(ctx context.Context, batchSize int, report *Report) error {
	deferred := make(map[syncmodel.IdempotencyKey]struct{})
	defer func() { report.Deferred = len(deferred) }()

	for {
		pending, err := o.outbox.PeekBatch(ctx, batchSize)
		if err != nil {
			return err
		}
		batch := o.sendable(pending)
		if len(batch) == 0 {
			for _, change := range pending {
				deferred[change.IdempotencyKey] = struct{}{}
			}
			return nil
		}

		result, err := o.transport.Push(ctx, o.deviceID, batch)
		if err != nil {
			keys := make([]syncmodel.IdempotencyKey, 0, len(batch))
			for _, change := range batch {
				keys = append(keys, change.IdempotencyKey)
			}
			if noteErr := o.outbox.NoteAttempt(ctx, keys, err.Error()); noteErr != nil {
				o.logger.Warn("failed to note push attempt", zap.Error(noteErr))
			}
			o.logger.Warn("push failed", zap.Error(err), zap.Int("batch_size", len(batch)))
			return err
		}

		acks := make([]syncmodel.IdempotencyKey, 0, len(result.Outcomes))
		progressed := false
		for _, outcome := range result.Outcomes {
			switch outcome.Kind {
			case syncmodel.OutcomeAccepted:
				if outcome.ServerID != "" {
					if err := o.cache.Register(outcome.ClientID, outcome.ServerID); err != nil {
						return fmt.Errorf("%w: client_id=%s", ErrMappingIntegrity, outcome.ClientID)
					}
				}
				acks = append(acks, outcome.IdempotencyKey)
				delete(deferred, outcome.IdempotencyKey)
				report.Accepted++
				progressed = true
			case syncmodel.OutcomeConflict:
				// Keep the record, stop offering it until the caller rebases.
				if err := o.outbox.Hold(ctx, outcome.ClientID); err != nil {
					return err
				}
				delete(deferred, outcome.IdempotencyKey)
				report.Conflicts = append(report.Conflicts, outcome)
				progressed = true
			case syncmodel.OutcomeRejected:
				acks = append(acks, outcome.IdempotencyKey)
				delete(deferred, outcome.IdempotencyKey)
				report.Rejected = append(report.Rejected, outcome)
				progressed = true
			case syncmodel.OutcomeDeferred:
				deferred[outcome.IdempotencyKey] = struct{}{}
			}
		}
		if err := o.outbox.Acknowledge(ctx, acks); err != nil {
			return err
		}
		if !progressed {
			// Everything deferred; a later cycle retries once dependencies
			// land. Records held back locally this round count too.
			for _, change := range pending {
				deferred[change.IdempotencyKey] = struct{}{}
			}
			return nil
		}
	}
}

// sendable filters out records whose dependency has neither been mapped nor
// appears earlier in the same batch; the server would only defer them.
func (o *Orchestrator) sendable(pending []syncmodel.ChangeRecord) []syncmodel.ChangeRecord {
	batch := make([]syncmodel.ChangeRecord, 0, len(pending))
	included := make(map[syncmodel.ClientID]bool, len(pending))
	for _, change := range pending {
		if change.DependsOn != "" && !included[change.DependsOn] {
			if _, err := o.cache.Resolve(change.DependsOn); err != nil {
				continue
			}
		}
		batch = append(batch, change)
		included[change.ClientID] = true
	}
	return batch
}

func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
}
