package outbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fieldsync/fieldsync/internal/syncmodel"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()

	dsn := fmt.Sprintf("file:outbox_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	box, err := New(Config{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct outbox: %v", err)
	}
	return box
}

func queuedChange(clientID, key string, op syncmodel.Operation, baseRevision int64) syncmodel.ChangeRecord {
	payload := `{"status":"draft"}`
	if op == syncmodel.OperationDelete {
		payload = ""
	}
	return syncmodel.ChangeRecord{
		ClientID:          syncmodel.ClientID(clientID),
		EntityType:        "inspection",
		Operation:         op,
		BaseRevision:      baseRevision,
		PayloadJSON:       payload,
		IdempotencyKey:    syncmodel.IdempotencyKey(key),
		ClientTimeSeconds: 1700000000,
	}
}

func TestAppendRejectsInvalidRecord(t *testing.T) {
	box := newTestOutbox(t)

	invalid := queuedChange("c-1", "", syncmodel.OperationCreate, 0)
	if err := box.Append(context.Background(), invalid); !errors.Is(err, syncmodel.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	pending, err := box.Pending(context.Background())
	if err != nil {
		t.Fatalf("unexpected pending error: %v", err)
	}
	if pending != 0 {
		t.Fatalf("invalid record must not be stored, pending=%d", pending)
	}
}

func TestPeekBatchPreservesInsertionOrder(t *testing.T) {
	box := newTestOutbox(t)
	ctx := context.Background()

	if err := box.Append(ctx, queuedChange("c-1", "key-1", syncmodel.OperationCreate, 0)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := box.Append(ctx, queuedChange("c-1", "key-2", syncmodel.OperationUpdate, 1)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := box.Append(ctx, queuedChange("c-2", "key-3", syncmodel.OperationCreate, 0)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	batch, err := box.PeekBatch(ctx, 2)
	if err != nil {
		t.Fatalf("unexpected peek error: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(batch))
	}
	if batch[0].IdempotencyKey != "key-1" || batch[1].IdempotencyKey != "key-2" {
		t.Fatalf("expected oldest-first order, got %s then %s", batch[0].IdempotencyKey, batch[1].IdempotencyKey)
	}

	// Restartable: a second peek replays from the head.
	again, err := box.PeekBatch(ctx, 2)
	if err != nil {
		t.Fatalf("unexpected peek error: %v", err)
	}
	if len(again) != 2 || again[0].IdempotencyKey != "key-1" {
		t.Fatalf("expected peek to replay from the head, got %#v", again)
	}
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	box := newTestOutbox(t)
	ctx := context.Background()

	if err := box.Append(ctx, queuedChange("c-1", "key-1", syncmodel.OperationCreate, 0)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := box.Append(ctx, queuedChange("c-2", "key-2", syncmodel.OperationCreate, 0)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	acks := []syncmodel.IdempotencyKey{"key-1", "key-unknown"}
	if err := box.Acknowledge(ctx, acks); err != nil {
		t.Fatalf("unexpected acknowledge error: %v", err)
	}
	if err := box.Acknowledge(ctx, acks); err != nil {
		t.Fatalf("second acknowledge must be a no-op, got %v", err)
	}

	pending, err := box.Pending(ctx)
	if err != nil {
		t.Fatalf("unexpected pending error: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected one pending record, got %d", pending)
	}
}

func TestAcknowledgeOnlyRemovesConfirmedRecords(t *testing.T) {
	box := newTestOutbox(t)
	ctx := context.Background()

	// Two queued changes for the same entity. Acknowledging the first must
	// leave the second in the log.
	if err := box.Append(ctx, queuedChange("c-1", "key-1", syncmodel.OperationCreate, 0)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := box.Append(ctx, queuedChange("c-1", "key-2", syncmodel.OperationUpdate, 1)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	if err := box.Acknowledge(ctx, []syncmodel.IdempotencyKey{"key-1"}); err != nil {
		t.Fatalf("unexpected acknowledge error: %v", err)
	}

	batch, err := box.PeekBatch(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected peek error: %v", err)
	}
	if len(batch) != 1 || batch[0].IdempotencyKey != "key-2" {
		t.Fatalf("unacknowledged record must survive, got %#v", batch)
	}
}

func TestHoldExcludesRecordUntilRequeued(t *testing.T) {
	box := newTestOutbox(t)
	ctx := context.Background()

	if err := box.Append(ctx, queuedChange("c-1", "key-1", syncmodel.OperationUpdate, 3)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := box.Hold(ctx, "c-1"); err != nil {
		t.Fatalf("unexpected hold error: %v", err)
	}

	batch, err := box.PeekBatch(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected peek error: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("held record must not be offered, got %d", len(batch))
	}

	pending, err := box.Pending(ctx)
	if err != nil {
		t.Fatalf("unexpected pending error: %v", err)
	}
	if pending != 1 {
		t.Fatalf("held record must stay pending, got %d", pending)
	}

	if err := box.Requeue(ctx, "c-1"); err != nil {
		t.Fatalf("unexpected requeue error: %v", err)
	}
	batch, err = box.PeekBatch(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected peek error: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("requeued record must be offered again, got %d", len(batch))
	}
}

func TestNoteAttemptTracksFailures(t *testing.T) {
	box := newTestOutbox(t)
	ctx := context.Background()

	if err := box.Append(ctx, queuedChange("c-1", "key-1", syncmodel.OperationCreate, 0)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := box.NoteAttempt(ctx, []syncmodel.IdempotencyKey{"key-1"}, "connection refused"); err != nil {
		t.Fatalf("unexpected note attempt error: %v", err)
	}
	if err := box.NoteAttempt(ctx, []syncmodel.IdempotencyKey{"key-1"}, "timeout"); err != nil {
		t.Fatalf("unexpected note attempt error: %v", err)
	}

	var row Record
	if err := box.db.First(&row).Error; err != nil {
		t.Fatalf("failed to load record: %v", err)
	}
	if row.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", row.Attempts)
	}
	if row.LastError != "timeout" {
		t.Fatalf("expected last error to be timeout, got %q", row.LastError)
	}
}
