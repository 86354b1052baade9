package syncmodel

// OutcomeKind enumerates terminal and non-terminal results of a pushed record.
type OutcomeKind string

const (
	// OutcomeAccepted means the mutation was applied and a revision assigned.
	OutcomeAccepted OutcomeKind = "accepted"
	// OutcomeConflict means the entity moved server-side past the client's
	// base revision and resolution is required before the record can retire.
	OutcomeConflict OutcomeKind = "conflict"
	// OutcomeRejected means the record was permanently refused.
	OutcomeRejected OutcomeKind = "rejected"
	// OutcomeDeferred means a dependency is not yet resolved; the record is
	// retried on a later cycle and nothing was recorded server-side.
	OutcomeDeferred OutcomeKind = "deferred"
)

// Rejection reasons surfaced in RejectDetail.
const (
	RejectReasonStaleClientState = "stale_client_state"
	RejectReasonSuperseded       = "superseded"
)

// ConflictDetail carries both sides of a detected conflict so the caller can
// present a resolution affordance instead of a generic failure.
type ConflictDetail struct {
	ServerRevision int64  `json:"server_revision"`
	BaseRevision   int64  `json:"base_revision"`
	ServerPayload  string `json:"server_payload"`
	ClientPayload  string `json:"client_payload"`
	ServerDeleted  bool   `json:"server_deleted"`
}

// RejectDetail explains a permanent rejection.
type RejectDetail struct {
	Reason string `json:"reason"`
}

// PushOutcome is the per-record result of a push, keyed by idempotency key.
type PushOutcome struct {
	IdempotencyKey IdempotencyKey  `json:"idempotency_key"`
	Kind           OutcomeKind     `json:"outcome"`
	ClientID       ClientID        `json:"client_id"`
	ServerID       ServerID        `json:"server_id,omitempty"`
	Revision       int64           `json:"revision,omitempty"`
	Conflict       *ConflictDetail `json:"conflict_detail,omitempty"`
	Reject         *RejectDetail   `json:"reject_detail,omitempty"`
}

// PushResult is the server response to one push batch.
type PushResult struct {
	Outcomes []PushOutcome `json:"outcomes"`
	Cursor   string        `json:"server_cursor"`
}

// EntityState is the canonical server-side view of one entity.
type EntityState struct {
	EntityType  EntityType `json:"entity_type"`
	ServerID    ServerID   `json:"server_id"`
	ClientID    ClientID   `json:"client_id,omitempty"`
	Revision    int64      `json:"revision"`
	Deleted     bool       `json:"deleted"`
	PayloadJSON string     `json:"payload"`

	// UpdatedAtSeconds is the server wall-clock time of the last accepted
	// mutation, used by time-based resolution strategies.
	UpdatedAtSeconds int64 `json:"updated_at_s"`
}

// PullResult is one page of server-side changes after a cursor.
type PullResult struct {
	Entities   []EntityState `json:"entities"`
	NextCursor string        `json:"next_cursor"`
	HasMore    bool          `json:"has_more"`
}

// HandshakeResult reports protocol compatibility and the pull resume point.
type HandshakeResult struct {
	ProtocolVersion   string `json:"protocol_version"`
	ServerTimeSeconds int64  `json:"server_time_s"`
	MaxPushBatch      int    `json:"max_push_batch"`
	ResumeCursor      string `json:"resume_cursor"`
}

// ProtocolVersion identifies the sync wire contract implemented here.
const ProtocolVersion = "sync-v1"
