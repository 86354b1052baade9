package resolver

import (
	"fmt"
	"strconv"
	"strings"
)

// EntityRecord is the server's canonical state for one entity. Revision is
// strictly increasing, never reused, and only ever advanced through the
// revision tracker. Deletes tombstone the row instead of removing it so
// pulls can propagate them.
type EntityRecord struct {
	ServerID         string `gorm:"column:server_id;primaryKey;size:190;not null"`
	EntityType       string `gorm:"column:entity_type;size:64;not null;index:idx_entities_owner,priority:2"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_entities_owner,priority:1"`
	Revision         int64  `gorm:"column:revision;not null;default:1"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	Deleted          bool   `gorm:"column:deleted;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EntityRecord) TableName() string {
	return "entity_records"
}

// LedgerEntry records the outcome of one processed idempotency key. Replaying
// the key returns OutcomeJSON verbatim instead of reapplying the mutation.
type LedgerEntry struct {
	IdempotencyKey     string `gorm:"column:idempotency_key;primaryKey;size:190;not null"`
	OwnerID            string `gorm:"column:owner_id;size:190;not null;index:idx_ledger_owner"`
	DeviceID           string `gorm:"column:device_id;size:190;not null"`
	Outcome            string `gorm:"column:outcome;size:20;not null"`
	ClientID           string `gorm:"column:client_id;size:190;not null"`
	ServerID           string `gorm:"column:server_id;size:190;not null;default:''"`
	Revision           int64  `gorm:"column:revision;not null;default:0"`
	OutcomeJSON        string `gorm:"column:outcome_json;type:text;not null"`
	ProcessedAtSeconds int64  `gorm:"column:processed_at_s;not null"`
	ExpiresAtSeconds   int64  `gorm:"column:expires_at_s;not null;index:idx_ledger_expires"`
}

// TableName provides the explicit table binding for GORM.
func (LedgerEntry) TableName() string {
	return "sync_ledger"
}

// FeedEntry is one row of the append-only change feed, the source for pulls.
// The auto-increment id doubles as the sync cursor. Rows are never updated.
type FeedEntry struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_feed_owner"`
	EntityType       string `gorm:"column:entity_type;size:64;not null"`
	ServerID         string `gorm:"column:server_id;size:190;not null;index:idx_feed_entity"`
	ClientID         string `gorm:"column:client_id;size:190;not null;default:''"`
	Operation        string `gorm:"column:op;size:20;not null"`
	Revision         int64  `gorm:"column:revision;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	Deleted          bool   `gorm:"column:deleted;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_feed_time"`
}

// TableName provides the explicit table binding for GORM.
func (FeedEntry) TableName() string {
	return "change_feed"
}

const cursorPrefix = "chg_"

// EncodeCursor renders a feed id as the wire cursor, e.g. "chg_000000000042".
func EncodeCursor(feedID int64) string {
	if feedID < 0 {
		feedID = 0
	}
	return fmt.Sprintf("%s%012d", cursorPrefix, feedID)
}

// DecodeCursor parses a wire cursor back into a feed id. Absent or invalid
// cursors decode to 0, meaning "from the beginning"; a stale client never
// gets stuck on a corrupt cursor, it just re-pulls.
func DecodeCursor(cursor string) int64 {
	trimmed := strings.TrimSpace(cursor)
	if trimmed == "" {
		return 0
	}
	raw := trimmed
	if strings.HasPrefix(trimmed, cursorPrefix) {
		raw = trimmed[len(cursorPrefix):]
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
