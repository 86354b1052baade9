package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fieldsync/fieldsync/internal/identity"
	"github.com/fieldsync/fieldsync/internal/outbox"
	"github.com/fieldsync/fieldsync/internal/syncmodel"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeTransport struct {
	mu         sync.Mutex
	handshake  syncmodel.HandshakeResult
	handshakeE error
	pushFn     func(batch []syncmodel.ChangeRecord) (syncmodel.PushResult, error)
	pullPages  []syncmodel.PullResult
	pullErr    error
	pushCalls  [][]syncmodel.ChangeRecord
	pullCalls  []string
	started    chan struct{}
	release    chan struct{}
}

func (f *fakeTransport) Handshake(_ context.Context, lastCursor string) (syncmodel.HandshakeResult, error) {
	if f.started != nil {
		close(f.started)
		f.started = nil
	}
	if f.release != nil {
		<-f.release
	}
	if f.handshakeE != nil {
		return syncmodel.HandshakeResult{}, f.handshakeE
	}
	result := f.handshake
	if result.ProtocolVersion == "" {
		result.ProtocolVersion = syncmodel.ProtocolVersion
	}
	if result.ResumeCursor == "" {
		result.ResumeCursor = lastCursor
	}
	return result, nil
}

func (f *fakeTransport) Push(_ context.Context, _ string, batch []syncmodel.ChangeRecord) (syncmodel.PushResult, error) {
	f.mu.Lock()
	f.pushCalls = append(f.pushCalls, batch)
	f.mu.Unlock()
	if f.pushFn != nil {
		return f.pushFn(batch)
	}
	outcomes := make([]syncmodel.PushOutcome, 0, len(batch))
	for _, change := range batch {
		outcomes = append(outcomes, syncmodel.PushOutcome{
			IdempotencyKey: change.IdempotencyKey,
			Kind:           syncmodel.OutcomeAccepted,
			ClientID:       change.ClientID,
			ServerID:       syncmodel.ServerID("srv-" + string(change.ClientID)),
			Revision:       1,
		})
	}
	return syncmodel.PushResult{Outcomes: outcomes, Cursor: "chg_000000000001"}, nil
}

func (f *fakeTransport) Pull(_ context.Context, sinceCursor string, _ int) (syncmodel.PullResult, error) {
	f.mu.Lock()
	f.pullCalls = append(f.pullCalls, sinceCursor)
	f.mu.Unlock()
	if f.pullErr != nil {
		return syncmodel.PullResult{}, f.pullErr
	}
	if len(f.pullPages) == 0 {
		return syncmodel.PullResult{NextCursor: sinceCursor}, nil
	}
	page := f.pullPages[0]
	f.pullPages = f.pullPages[1:]
	return page, nil
}

type fakeStore struct {
	mu      sync.Mutex
	applied []syncmodel.EntityState
}

func (s *fakeStore) ApplyEntity(_ context.Context, entity syncmodel.EntityState) error {
	s.mu.Lock()
	s.applied = append(s.applied, entity)
	s.mu.Unlock()
	return nil
}

func newTestOutbox(t *testing.T) *outbox.Outbox {
	t.Helper()

	dsn := fmt.Sprintf("file:orchestrator_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&outbox.Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	box, err := outbox.New(outbox.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct outbox: %v", err)
	}
	return box
}

func queuedCreate(clientID, key string) syncmodel.ChangeRecord {
	return syncmodel.ChangeRecord{
		ClientID:          syncmodel.ClientID(clientID),
		EntityType:        "inspection",
		Operation:         syncmodel.OperationCreate,
		PayloadJSON:       `{"status":"draft"}`,
		IdempotencyKey:    syncmodel.IdempotencyKey(key),
		ClientTimeSeconds: 1700000100,
	}
}

func queuedUpdate(clientID, key string, baseRevision int64) syncmodel.ChangeRecord {
	return syncmodel.ChangeRecord{
		ClientID:          syncmodel.ClientID(clientID),
		EntityType:        "inspection",
		Operation:         syncmodel.OperationUpdate,
		BaseRevision:      baseRevision,
		PayloadJSON:       `{"status":"done"}`,
		IdempotencyKey:    syncmodel.IdempotencyKey(key),
		ClientTimeSeconds: 1700000200,
	}
}

func newTestOrchestrator(t *testing.T, transport Transport) (*Orchestrator, *outbox.Outbox, *fakeStore, *identity.Cache) {
	t.Helper()

	box := newTestOutbox(t)
	store := &fakeStore{}
	cache := identity.NewCache()
	orch, err := New(Config{
		Outbox:    box,
		Transport: transport,
		Store:     store,
		Cache:     cache,
		Clock:     func() time.Time { return time.Unix(1700000600, 0).UTC() },
		DeviceID:  "device-1",
	})
	if err != nil {
		t.Fatalf("failed to construct orchestrator: %v", err)
	}
	return orch, box, store, cache
}

func TestSyncPushesOutboxAndRecordsMappings(t *testing.T) {
	transport := &fakeTransport{}
	orch, box, _, cache := newTestOrchestrator(t, transport)
	ctx := context.Background()

	if err := box.Append(ctx, queuedCreate("c-1", "key-1")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := box.Append(ctx, queuedCreate("c-2", "key-2")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	report, err := orch.Sync(ctx)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if report.Accepted != 2 {
		t.Fatalf("expected 2 accepted, got %d", report.Accepted)
	}

	pending, err := box.Pending(ctx)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if pending != 0 {
		t.Fatalf("accepted records must be acknowledged, pending=%d", pending)
	}

	serverID, err := cache.Resolve("c-1")
	if err != nil {
		t.Fatalf("mapping for c-1 missing: %v", err)
	}
	if serverID != "srv-c-1" {
		t.Fatalf("unexpected server id %s", serverID)
	}
}

func TestSyncHoldsConflictsAndAcknowledgesRejections(t *testing.T) {
	transport := &fakeTransport{
		pushFn: func(batch []syncmodel.ChangeRecord) (syncmodel.PushResult, error) {
			outcomes := []syncmodel.PushOutcome{
				{
					IdempotencyKey: batch[0].IdempotencyKey,
					Kind:           syncmodel.OutcomeConflict,
					ClientID:       batch[0].ClientID,
					Conflict:       &syncmodel.ConflictDetail{ServerRevision: 4, BaseRevision: 2},
				},
				{
					IdempotencyKey: batch[1].IdempotencyKey,
					Kind:           syncmodel.OutcomeRejected,
					ClientID:       batch[1].ClientID,
					Reject:         &syncmodel.RejectDetail{Reason: syncmodel.RejectReasonStaleClientState},
				},
			}
			return syncmodel.PushResult{Outcomes: outcomes}, nil
		},
	}
	orch, box, _, _ := newTestOrchestrator(t, transport)
	ctx := context.Background()

	if err := box.Append(ctx, queuedUpdate("c-1", "key-1", 2)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := box.Append(ctx, queuedUpdate("c-2", "key-2", 9)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	report, err := orch.Sync(ctx)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(report.Conflicts) != 1 || report.Conflicts[0].ClientID != "c-1" {
		t.Fatalf("unexpected conflicts: %+v", report.Conflicts)
	}
	if len(report.Rejected) != 1 || report.Rejected[0].ClientID != "c-2" {
		t.Fatalf("unexpected rejections: %+v", report.Rejected)
	}

	// The conflicting record stays, held out of future batches; the rejected
	// one is gone.
	pending, err := box.Pending(ctx)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected the held conflict to remain pending, pending=%d", pending)
	}
	batch, err := box.PeekBatch(ctx, 10)
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("held record must not be offered again, got %d", len(batch))
	}
}

func TestSyncHoldsBackUnresolvedDependencies(t *testing.T) {
	transport := &fakeTransport{}
	orch, box, _, _ := newTestOrchestrator(t, transport)
	ctx := context.Background()

	dependent := queuedUpdate("c-2", "key-2", 1)
	dependent.DependsOn = "c-missing"
	if err := box.Append(ctx, dependent); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := box.Append(ctx, queuedCreate("c-1", "key-1")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	report, err := orch.Sync(ctx)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if report.Accepted != 1 {
		t.Fatalf("expected only the independent record accepted, got %d", report.Accepted)
	}
	if report.Deferred != 1 {
		t.Fatalf("expected the dependent record deferred, got %d", report.Deferred)
	}

	for _, batch := range transport.pushCalls {
		for _, change := range batch {
			if change.ClientID == "c-2" {
				t.Fatalf("record with unresolved dependency must not be sent")
			}
		}
	}

	pending, err := box.Pending(ctx)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if pending != 1 {
		t.Fatalf("deferred record must stay queued, pending=%d", pending)
	}
}

func TestSyncSendsDependentWhenDependencyInSameBatch(t *testing.T) {
	transport := &fakeTransport{}
	orch, box, _, _ := newTestOrchestrator(t, transport)
	ctx := context.Background()

	if err := box.Append(ctx, queuedCreate("c-1", "key-1")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	dependent := queuedUpdate("c-2", "key-2", 1)
	dependent.DependsOn = "c-1"
	if err := box.Append(ctx, dependent); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	report, err := orch.Sync(ctx)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if report.Accepted != 2 {
		t.Fatalf("expected both records accepted, got %d", report.Accepted)
	}
	if len(transport.pushCalls) != 1 || len(transport.pushCalls[0]) != 2 {
		t.Fatalf("expected one push of two records, got %+v", transport.pushCalls)
	}
}

func TestSyncDeliversSameEntityChangesAcrossBatches(t *testing.T) {
	transport := &fakeTransport{}
	box := newTestOutbox(t)
	orch, err := New(Config{
		Outbox:    box,
		Transport: transport,
		Store:     &fakeStore{},
		Cache:     identity.NewCache(),
		Clock:     func() time.Time { return time.Unix(1700000600, 0).UTC() },
		DeviceID:  "device-1",
		BatchSize: 1,
	})
	if err != nil {
		t.Fatalf("failed to construct orchestrator: %v", err)
	}
	ctx := context.Background()

	if err := box.Append(ctx, queuedCreate("c-1", "key-1")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := box.Append(ctx, queuedUpdate("c-1", "key-2", 1)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	report, err := orch.Sync(ctx)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if report.Accepted != 2 {
		t.Fatalf("expected both records accepted, got %d", report.Accepted)
	}

	var pushedKeys []syncmodel.IdempotencyKey
	for _, batch := range transport.pushCalls {
		for _, change := range batch {
			pushedKeys = append(pushedKeys, change.IdempotencyKey)
		}
	}
	if len(pushedKeys) != 2 || pushedKeys[0] != "key-1" || pushedKeys[1] != "key-2" {
		t.Fatalf("expected key-1 then key-2 pushed, got %v", pushedKeys)
	}

	pending, err := box.Pending(ctx)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if pending != 0 {
		t.Fatalf("both records were confirmed yet pending=%d", pending)
	}
}

func TestSyncCountsDeferredRecordsOnce(t *testing.T) {
	transport := &fakeTransport{
		pushFn: func(batch []syncmodel.ChangeRecord) (syncmodel.PushResult, error) {
			outcomes := make([]syncmodel.PushOutcome, 0, len(batch))
			for _, change := range batch {
				outcome := syncmodel.PushOutcome{
					IdempotencyKey: change.IdempotencyKey,
					Kind:           syncmodel.OutcomeAccepted,
					ClientID:       change.ClientID,
					ServerID:       syncmodel.ServerID("srv-" + string(change.ClientID)),
					Revision:       1,
				}
				if change.ClientID == "c-2" {
					outcome = syncmodel.PushOutcome{
						IdempotencyKey: change.IdempotencyKey,
						Kind:           syncmodel.OutcomeDeferred,
						ClientID:       change.ClientID,
					}
				}
				outcomes = append(outcomes, outcome)
			}
			return syncmodel.PushResult{Outcomes: outcomes, Cursor: "chg_000000000001"}, nil
		},
	}
	orch, box, _, _ := newTestOrchestrator(t, transport)
	ctx := context.Background()

	if err := box.Append(ctx, queuedCreate("c-1", "key-1")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := box.Append(ctx, queuedUpdate("c-2", "key-2", 1)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	report, err := orch.Sync(ctx)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if report.Accepted != 1 {
		t.Fatalf("expected one accepted record, got %d", report.Accepted)
	}
	if report.Deferred != 1 {
		t.Fatalf("one record was deferred however often it was retried, got %d", report.Deferred)
	}

	pending, err := box.Pending(ctx)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if pending != 1 {
		t.Fatalf("deferred record must stay queued, pending=%d", pending)
	}
}

func TestSyncCoalescesOverlappingTriggers(t *testing.T) {
	transport := &fakeTransport{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	orch, _, _, _ := newTestOrchestrator(t, transport)
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() {
		_, err := orch.Sync(ctx)
		firstDone <- err
	}()

	<-transport.started
	if _, err := orch.Sync(ctx); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("expected ErrCycleInProgress, got %v", err)
	}
	close(transport.release)

	if err := <-firstDone; err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	if _, err := orch.Sync(ctx); err != nil {
		t.Fatalf("cycle after completion must run, got %v", err)
	}
}

func TestSyncAppliesPulledEntitiesAndAdvancesCursor(t *testing.T) {
	transport := &fakeTransport{
		handshake: syncmodel.HandshakeResult{
			ProtocolVersion: syncmodel.ProtocolVersion,
			ResumeCursor:    "chg_000000000000",
		},
		pullPages: []syncmodel.PullResult{
			{
				Entities: []syncmodel.EntityState{
					{EntityType: "inspection", ServerID: "srv-9", ClientID: "c-9", Revision: 3, PayloadJSON: `{"status":"done"}`},
				},
				NextCursor: "chg_000000000007",
				HasMore:    true,
			},
			{
				Entities: []syncmodel.EntityState{
					{EntityType: "photo", ServerID: "srv-10", Revision: 1, PayloadJSON: `{"path":"a.jpg"}`},
				},
				NextCursor: "chg_000000000008",
			},
		},
	}
	orch, _, store, cache := newTestOrchestrator(t, transport)
	ctx := context.Background()

	report, err := orch.Sync(ctx)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if report.Pulled != 2 {
		t.Fatalf("expected 2 pulled entities, got %d", report.Pulled)
	}
	if report.Cursor != "chg_000000000008" {
		t.Fatalf("unexpected final cursor %s", report.Cursor)
	}
	if len(store.applied) != 2 || store.applied[0].ServerID != "srv-9" {
		t.Fatalf("unexpected applied entities: %+v", store.applied)
	}
	if serverID, err := cache.Resolve("c-9"); err != nil || serverID != "srv-9" {
		t.Fatalf("pulled mapping missing: %v %s", err, serverID)
	}

	// The next cycle resumes from the saved cursor.
	transport.pullPages = nil
	if _, err := orch.Sync(ctx); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	last := transport.pullCalls[len(transport.pullCalls)-1]
	if last != "chg_000000000008" {
		t.Fatalf("expected resume from saved cursor, pulled from %s", last)
	}
}

func TestSyncAbortPreservesCursorAndOutbox(t *testing.T) {
	transport := &fakeTransport{pullErr: errors.New("connection reset")}
	orch, box, _, _ := newTestOrchestrator(t, transport)
	ctx := context.Background()

	if err := box.Append(ctx, queuedCreate("c-1", "key-1")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if _, err := orch.Sync(ctx); err == nil {
		t.Fatal("expected pull failure to abort the cycle")
	}

	status, err := orch.Status(ctx)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.State != StateIdle {
		t.Fatalf("aborted cycle must return to idle, got %s", status.State)
	}
	if status.LastError == "" {
		t.Fatal("expected the failure to be reported in status")
	}
	if !status.LastSyncAt.IsZero() {
		t.Fatal("failed cycle must not count as a completed sync")
	}

	// The push succeeded before the pull failed, so the outbox drained; the
	// cursor did not move.
	transport.pullErr = nil
	if _, err := orch.Sync(ctx); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	first := transport.pullCalls[0]
	retry := transport.pullCalls[len(transport.pullCalls)-1]
	if first != retry {
		t.Fatalf("cursor must not advance on failure: first=%s retry=%s", first, retry)
	}
}

func TestSyncRejectsProtocolMismatch(t *testing.T) {
	transport := &fakeTransport{
		handshake: syncmodel.HandshakeResult{ProtocolVersion: "sync-v99"},
	}
	orch, _, _, _ := newTestOrchestrator(t, transport)

	if _, err := orch.Sync(context.Background()); !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("expected ErrProtocolMismatch, got %v", err)
	}
}

func TestSyncHaltsOnConflictingPulledMapping(t *testing.T) {
	transport := &fakeTransport{
		pullPages: []syncmodel.PullResult{
			{
				Entities: []syncmodel.EntityState{
					{EntityType: "inspection", ServerID: "srv-other", ClientID: "c-1", Revision: 1, PayloadJSON: `{}`},
				},
				NextCursor: "chg_000000000002",
			},
		},
	}
	orch, _, _, cache := newTestOrchestrator(t, transport)
	if err := cache.Register("c-1", "srv-1"); err != nil {
		t.Fatalf("seed mapping failed: %v", err)
	}

	if _, err := orch.Sync(context.Background()); !errors.Is(err, ErrMappingIntegrity) {
		t.Fatalf("expected ErrMappingIntegrity, got %v", err)
	}
}
