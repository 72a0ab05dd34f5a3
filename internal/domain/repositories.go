package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountRepository defines the account operations the core consumes.
// Account CRUD belongs to the account-management service.
type AccountRepository interface {
	// GetByID retrieves an account by its unique identifier.
	// Returns ErrAccountNotFound if the account doesn't exist.
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)

	// Lock acquires an exclusive row lock on the account for the rest of the transaction.
	// Must be called within a transaction context.
	// Returns ErrAccountNotFound if the account doesn't exist.
	Lock(ctx context.Context, id uuid.UUID) (*Account, error)

	// IncrementBalance adds amount to the account balance.
	IncrementBalance(ctx context.Context, id uuid.UUID, amount decimal.Decimal) error

	// DecrementBalance subtracts amount from the account balance.
	DecrementBalance(ctx context.Context, id uuid.UUID, amount decimal.Decimal) error
}

// OperationRepository defines data access for operation rows.
type OperationRepository interface {
	// LockByExternalID locks the operation row for the rest of the transaction.
	// Returns nil and no error when no row exists.
	LockByExternalID(ctx context.Context, externalID string) (*Operation, error)

	// GetByExternalID reads the operation row without locking.
	// Returns nil and no error when no row exists.
	GetByExternalID(ctx context.Context, externalID string) (*Operation, error)

	// GetByID retrieves an operation by its internal identifier.
	// Returns ErrOperationNotFound if the operation doesn't exist.
	GetByID(ctx context.Context, id uuid.UUID) (*Operation, error)

	// Create inserts a new operation row.
	// Returns ErrDuplicateExternalID if the external identifier is taken.
	Create(ctx context.Context, op *Operation) error

	// Update persists state, version and monetary fields of an existing row.
	Update(ctx context.Context, op *Operation) error
}

// EventRepository is the append-only event log.
type EventRepository interface {
	// Append writes a new event. No uniqueness is enforced.
	Append(ctx context.Context, event *OperationEvent) error

	// ListUnprocessed returns unprocessed events for externalID in insertion order.
	ListUnprocessed(ctx context.Context, externalID string) ([]*OperationEvent, error)

	// ListByExternalID returns every event for externalID in insertion order.
	ListByExternalID(ctx context.Context, externalID string) ([]*OperationEvent, error)

	// MarkProcessed flags the given events as processed at the given time.
	MarkProcessed(ctx context.Context, ids []uuid.UUID, at time.Time) error

	// MarkAllProcessed flags every unprocessed event for externalID as processed.
	MarkAllProcessed(ctx context.Context, externalID string, at time.Time) (int64, error)

	// HasUnprocessed reports whether any unprocessed event remains for externalID.
	HasUnprocessed(ctx context.Context, externalID string) (bool, error)

	// ListPendingExternalIDs returns up to limit distinct external ids with unprocessed events.
	ListPendingExternalIDs(ctx context.Context, limit int) ([]string, error)
}

// TransactionManager defines the interface for managing database transactions.
// Repositories called with the context passed to fn take part in the transaction.
type TransactionManager interface {
	// WithTransaction executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ScheduleRequest asks for a future processing pass of one operation.
type ScheduleRequest struct {
	ExternalID string
	Delay      time.Duration

	// DedupeKey suppresses a request while another one with the same key is pending.
	DedupeKey string

	// IdlePasses counts consecutive passes that advanced nothing.
	IdlePasses int
}

// Scheduler enqueues processing passes. Delivery is at least once.
type Scheduler interface {
	Schedule(ctx context.Context, req ScheduleRequest) error
}

// ProcessRequest is a delivered processing pass.
type ProcessRequest struct {
	ExternalID string
	IdlePasses int
}
