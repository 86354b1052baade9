package syncmodel

import (
	"errors"
	"fmt"
	"strings"
)

// Operation enumerates supported client mutations.
type Operation string

const (
	// OperationCreate introduces a new entity under a client-generated id.
	OperationCreate Operation = "create"
	// OperationUpdate replaces the payload of an existing entity.
	OperationUpdate Operation = "update"
	// OperationDelete tombstones an existing entity.
	OperationDelete Operation = "delete"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidClientID indicates that a client identifier is empty or exceeds storage bounds.
	ErrInvalidClientID = errors.New("syncmodel: invalid client id")
	// ErrInvalidEntityType indicates that an entity type is empty or exceeds storage bounds.
	ErrInvalidEntityType = errors.New("syncmodel: invalid entity type")
	// ErrInvalidIdempotencyKey indicates that an idempotency key is empty or exceeds storage bounds.
	ErrInvalidIdempotencyKey = errors.New("syncmodel: invalid idempotency key")
	// ErrInvalidOperation indicates an unknown operation value.
	ErrInvalidOperation = errors.New("syncmodel: invalid operation")
	// ErrInvalidRevision indicates a negative revision value.
	ErrInvalidRevision = errors.New("syncmodel: invalid revision")
	// ErrValidation flags a change record that is missing required fields.
	ErrValidation = errors.New("syncmodel: change record validation failed")
)

// ClientID represents a validated client-generated entity identifier.
type ClientID string

// NewClientID validates raw input and returns a ClientID.
func NewClientID(rawInput string) (ClientID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientID, maxIdentifierLength)
	}
	return ClientID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ClientID) String() string {
	return string(id)
}

// ServerID represents a server-assigned entity identifier.
type ServerID string

// String returns the underlying string identifier.
func (id ServerID) String() string {
	return string(id)
}

// EntityType represents a validated domain entity type.
type EntityType string

// NewEntityType validates raw input and returns an EntityType.
func NewEntityType(rawInput string) (EntityType, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityType)
	}
	if len(trimmed) > 64 {
		return "", fmt.Errorf("%w: exceeds 64 characters", ErrInvalidEntityType)
	}
	return EntityType(trimmed), nil
}

// String returns the underlying string value.
func (t EntityType) String() string {
	return string(t)
}

// IdempotencyKey represents a validated per-attempt dedupe token.
type IdempotencyKey string

// NewIdempotencyKey validates raw input and returns an IdempotencyKey.
func NewIdempotencyKey(rawInput string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdempotencyKey)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidIdempotencyKey, maxIdentifierLength)
	}
	return IdempotencyKey(trimmed), nil
}

// String returns the underlying string value.
func (k IdempotencyKey) String() string {
	return string(k)
}

// ParseOperation maps a raw wire value onto an Operation.
func ParseOperation(value string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(OperationCreate):
		return OperationCreate, nil
	case string(OperationUpdate):
		return OperationUpdate, nil
	case string(OperationDelete):
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, value)
	}
}

// ChangeRecord is one queued mutation, immutable once appended to the outbox.
//
// BaseRevision carries the revision the client believed was current when the
// change was made; it must be zero for creates and positive otherwise.
// DependsOn optionally names another client id that must be acknowledged
// before this record may be sent.
type ChangeRecord struct {
	ClientID          ClientID       `json:"client_id"`
	EntityType        EntityType     `json:"entity_type"`
	Operation         Operation      `json:"operation"`
	BaseRevision      int64          `json:"base_revision"`
	PayloadJSON       string         `json:"payload"`
	IdempotencyKey    IdempotencyKey `json:"idempotency_key"`
	DependsOn         ClientID       `json:"depends_on,omitempty"`
	ClientTimeSeconds int64          `json:"client_time_s"`
}

// Validate checks the required-field invariants for a change record.
func (r ChangeRecord) Validate() error {
	if _, err := NewClientID(r.ClientID.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if _, err := NewEntityType(r.EntityType.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if _, err := NewIdempotencyKey(r.IdempotencyKey.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if _, err := ParseOperation(string(r.Operation)); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if r.BaseRevision < 0 {
		return fmt.Errorf("%w: %v", ErrValidation, ErrInvalidRevision)
	}
	switch r.Operation {
	case OperationCreate:
		if r.BaseRevision != 0 {
			return fmt.Errorf("%w: create must not carry a base revision", ErrValidation)
		}
	case OperationUpdate, OperationDelete:
		if r.BaseRevision == 0 {
			return fmt.Errorf("%w: %s requires a base revision", ErrValidation, r.Operation)
		}
	}
	if r.Operation != OperationDelete && strings.TrimSpace(r.PayloadJSON) == "" {
		return fmt.Errorf("%w: %s requires a payload", ErrValidation, r.Operation)
	}
	return nil
}
