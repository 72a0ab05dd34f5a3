package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spbu-ds-practicum-2025/example-project/services/operations-service/internal/domain"
)

const eventColumns = `id, external_id, event_type, payload, payload_hash, is_processed, processed_at, account_id, kind, created_at`

// EventRepository implements domain.EventRepository using PostgreSQL.
// Rows are only ever inserted and flagged processed.
type EventRepository struct {
	pool *pgxpool.Pool
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{
		pool: pool,
	}
}

// Append inserts a new event. Duplicates are allowed.
func (r *EventRepository) Append(ctx context.Context, event *domain.OperationEvent) error {
	payload, err := domain.MarshalPayload(event.Payload)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO operation_events (
			id, external_id, event_type, payload, payload_hash,
			is_processed, processed_at, account_id, kind, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	var accountID *uuid.UUID
	if event.AccountID != uuid.Nil {
		accountID = &event.AccountID
	}
	var kind *string
	if event.Kind != "" {
		k := string(event.Kind)
		kind = &k
	}

	_, err = conn(ctx, r.pool).Exec(ctx, query,
		event.ID,
		event.ExternalID,
		string(event.Type),
		payload,
		event.PayloadHash,
		event.Processed,
		event.ProcessedAt,
		accountID,
		kind,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListUnprocessed returns unprocessed events for externalID in insertion order.
// Order follows seq, which the database assigns, so clock skew between writers cannot reorder events.
func (r *EventRepository) ListUnprocessed(ctx context.Context, externalID string) ([]*domain.OperationEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM operation_events
		WHERE external_id = $1 AND is_processed = FALSE
		ORDER BY seq ASC
	`
	return r.list(ctx, query, externalID)
}

// ListByExternalID returns every event for externalID in insertion order.
func (r *EventRepository) ListByExternalID(ctx context.Context, externalID string) ([]*domain.OperationEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM operation_events
		WHERE external_id = $1
		ORDER BY seq ASC
	`
	return r.list(ctx, query, externalID)
}

func (r *EventRepository) list(ctx context.Context, query string, args ...any) ([]*domain.OperationEvent, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*domain.OperationEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	return events, nil
}

// MarkProcessed flags the given events as processed.
func (r *EventRepository) MarkProcessed(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE operation_events
		SET is_processed = TRUE, processed_at = $2
		WHERE id = ANY($1::uuid[]) AND is_processed = FALSE
	`

	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	if _, err := conn(ctx, r.pool).Exec(ctx, query, strIDs, at); err != nil {
		return fmt.Errorf("failed to mark events processed: %w", err)
	}

	return nil
}

// MarkAllProcessed flags every unprocessed event of externalID and returns how many changed.
func (r *EventRepository) MarkAllProcessed(ctx context.Context, externalID string, at time.Time) (int64, error) {
	query := `
		UPDATE operation_events
		SET is_processed = TRUE, processed_at = $2
		WHERE external_id = $1 AND is_processed = FALSE
	`

	result, err := conn(ctx, r.pool).Exec(ctx, query, externalID, at)
	if err != nil {
		return 0, fmt.Errorf("failed to mark events processed: %w", err)
	}

	return result.RowsAffected(), nil
}

// HasUnprocessed reports whether externalID has unprocessed events.
func (r *EventRepository) HasUnprocessed(ctx context.Context, externalID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM operation_events
			WHERE external_id = $1 AND is_processed = FALSE
		)
	`

	var exists bool
	if err := conn(ctx, r.pool).QueryRow(ctx, query, externalID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check unprocessed events: %w", err)
	}

	return exists, nil
}

// ListPendingExternalIDs returns external ids with unprocessed events, oldest first.
func (r *EventRepository) ListPendingExternalIDs(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT external_id
		FROM operation_events
		WHERE is_processed = FALSE
		GROUP BY external_id
		ORDER BY MIN(seq) ASC
		LIMIT $1
	`

	if limit <= 0 {
		limit = 1000
	}

	rows, err := conn(ctx, r.pool).Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect pending operations: %w", err)
	}

	return ids, nil
}

func scanEvent(row pgx.Row) (*domain.OperationEvent, error) {
	var (
		event     domain.OperationEvent
		eventType string
		payload   []byte
		accountID *uuid.UUID
		kind      *string
	)

	err := row.Scan(
		&event.ID,
		&event.ExternalID,
		&eventType,
		&payload,
		&event.PayloadHash,
		&event.Processed,
		&event.ProcessedAt,
		&accountID,
		&kind,
		&event.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	event.Type = domain.EventType(eventType)
	event.Payload, err = domain.UnmarshalPayload(event.Type, payload)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", event.ID, err)
	}
	if accountID != nil {
		event.AccountID = *accountID
	}
	if kind != nil {
		event.Kind = domain.OperationKind(*kind)
	}

	return &event, nil
}
