package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/example-project/services/operations-service/internal/domain"
)

const operationColumns = `id, external_id, account_id, kind, current_state, amount::text, currency, version, created_at, updated_at`

// OperationRepository implements domain.OperationRepository using PostgreSQL.
type OperationRepository struct {
	pool *pgxpool.Pool
}

// NewOperationRepository creates a new OperationRepository.
func NewOperationRepository(pool *pgxpool.Pool) *OperationRepository {
	return &OperationRepository{
		pool: pool,
	}
}

// LockByExternalID locks the operation row with SELECT ... FOR UPDATE.
// This method MUST be called within a transaction context.
// Returns nil, nil if no row exists; nothing is locked in that case.
func (r *OperationRepository) LockByExternalID(ctx context.Context, externalID string) (*domain.Operation, error) {
	tx := getTx(ctx)
	if tx == nil {
		return nil, errors.New("operation lock requires a transaction")
	}

	query := `SELECT ` + operationColumns + ` FROM operations WHERE external_id = $1 FOR UPDATE`

	op, err := scanOperation(tx.QueryRow(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock operation: %w", err)
	}

	return op, nil
}

// GetByExternalID retrieves an operation by its external identifier.
// Returns nil, nil if no row exists.
func (r *OperationRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE external_id = $1`

	op, err := scanOperation(conn(ctx, r.pool).QueryRow(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get operation by external id: %w", err)
	}

	return op, nil
}

// GetByID retrieves an operation by its internal identifier.
func (r *OperationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE id = $1`

	op, err := scanOperation(conn(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOperationNotFound
		}
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}

	return op, nil
}

// Create persists a new operation row.
func (r *OperationRepository) Create(ctx context.Context, op *domain.Operation) error {
	query := `
		INSERT INTO operations (
			id, external_id, account_id, kind, current_state,
			amount, currency, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)
	`

	_, err := conn(ctx, r.pool).Exec(ctx, query,
		op.ID,
		op.ExternalID,
		op.AccountID,
		string(op.Kind),
		string(op.CurrentState),
		op.Amount.String(),
		op.Currency,
		op.Version,
		op.CreatedAt,
		op.UpdatedAt,
	)
	if err != nil {
		// Concurrent first inserts for the same external id meet here
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateExternalID, op.ExternalID)
		}
		return fmt.Errorf("failed to create operation: %w", err)
	}

	return nil
}

// Update persists state, version and the monetary fields of an existing row.
func (r *OperationRepository) Update(ctx context.Context, op *domain.Operation) error {
	query := `
		UPDATE operations
		SET current_state = $2,
		    version = $3,
		    account_id = $4,
		    kind = $5,
		    amount = $6::numeric,
		    currency = $7,
		    updated_at = $8
		WHERE external_id = $1
	`

	result, err := conn(ctx, r.pool).Exec(ctx, query,
		op.ExternalID,
		string(op.CurrentState),
		op.Version,
		op.AccountID,
		string(op.Kind),
		op.Amount.String(),
		op.Currency,
		op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrOperationNotFound
	}

	return nil
}

func scanOperation(row pgx.Row) (*domain.Operation, error) {
	var (
		op     domain.Operation
		kind   string
		state  string
		amount string
	)

	err := row.Scan(
		&op.ID,
		&op.ExternalID,
		&op.AccountID,
		&kind,
		&state,
		&amount,
		&op.Currency,
		&op.Version,
		&op.CreatedAt,
		&op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	op.Kind = domain.OperationKind(kind)
	op.CurrentState = domain.OperationState(state)
	op.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}

	return &op, nil
}
