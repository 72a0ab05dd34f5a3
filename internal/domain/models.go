package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account represents a bank account owned by the account-management service.
// The operations core only reads it under lock and adjusts its balance.
type Account struct {
	ID            uuid.UUID       // Unique identifier of the account
	ExternalID    string          // Caller-supplied unique key
	AccountNumber string          // Sequential human-readable number
	HolderName    string          // Account holder
	Balance       decimal.Decimal // Current account balance
	Currency      string          // ISO 4217 currency code (e.g., "USD")
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OperationKind tells whether an operation adds to or subtracts from the balance.
type OperationKind string

const (
	OperationKindCredit OperationKind = "CREDIT"
	OperationKindDebit  OperationKind = "DEBIT"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	return k == OperationKindCredit || k == OperationKindDebit
}

// OperationState is the lifecycle state of an operation.
type OperationState string

const (
	// StateNone is the state of an operation that has no row yet.
	StateNone OperationState = ""

	// StateCreated is written synchronously by the creation flow.
	StateCreated OperationState = "CREATED"

	StatePending    OperationState = "PENDING"
	StateProcessing OperationState = "PROCESSING"

	// StateCompleted and StateRejected are terminal.
	StateCompleted OperationState = "COMPLETED"
	StateRejected  OperationState = "REJECTED"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s OperationState) IsTerminal() bool {
	return s == StateCompleted || s == StateRejected
}

func (s OperationState) String() string {
	if s == StateNone {
		return "NONE"
	}
	return string(s)
}

// Operation is a single credit or debit against an account.
// Only the processor changes CurrentState and Version after creation.
type Operation struct {
	ID           uuid.UUID       // Internal identity
	ExternalID   string          // Caller-supplied unique key, immutable
	AccountID    uuid.UUID       // Owning account
	Kind         OperationKind   // CREDIT or DEBIT
	CurrentState OperationState  // Lifecycle state
	Amount       decimal.Decimal // Operation amount
	Currency     string          // ISO 4217 currency code
	Version      int             // Incremented by one per accepted state change
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OperationEvent is an append-only fact in the event log.
// AccountID and Kind are copied from the operation so the processor can build the
// operation row from the first event alone.
type OperationEvent struct {
	ID          uuid.UUID
	ExternalID  string
	Type        EventType
	Payload     EventPayload
	PayloadHash string
	Processed   bool
	ProcessedAt *time.Time
	AccountID   uuid.UUID
	Kind        OperationKind
	CreatedAt   time.Time
}

// DeduplicationKey identifies the logical event this record belongs to.
func (e *OperationEvent) DeduplicationKey() string {
	return e.ExternalID + ":" + string(e.Type) + ":" + e.PayloadHash
}

// CreateOperationInput carries the caller's request for a new operation.
type CreateOperationInput struct {
	ExternalID string
	AccountID  uuid.UUID
	Kind       OperationKind
	Amount     decimal.Decimal
	Currency   string
}

// NewOperationEvent builds an unprocessed event for the given operation fields.
func NewOperationEvent(externalID string, payload EventPayload, accountID uuid.UUID, kind OperationKind) (*OperationEvent, error) {
	hash, err := HashPayload(payload)
	if err != nil {
		return nil, err
	}

	return &OperationEvent{
		ID:          uuid.New(),
		ExternalID:  externalID,
		Type:        payload.EventType(),
		Payload:     payload,
		PayloadHash: hash,
		AccountID:   accountID,
		Kind:        kind,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
