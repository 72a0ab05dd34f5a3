package httpapi

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/example-project/services/operations-service/internal/domain"
)

// CreateOperationRequest is the body of POST /operations.
// Amount is nullable so a missing or null value can be told apart from zero.
type CreateOperationRequest struct {
	ExternalID string              `json:"externalId"`
	AccountID  uuid.UUID           `json:"accountId"`
	Kind       string              `json:"kind"`
	Amount     decimal.NullDecimal `json:"amount"`
	Currency   string              `json:"currency"`
}

// Operation is the API view of an operation.
type Operation struct {
	ID         uuid.UUID       `json:"id"`
	ExternalID string          `json:"externalId"`
	AccountID  uuid.UUID       `json:"accountId"`
	Kind       string          `json:"kind"`
	State      string          `json:"state"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Version    int             `json:"version"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Event is the API view of one event log row.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	ExternalID  string          `json:"externalId"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payloadHash"`
	Processed   bool            `json:"processed"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// GetEventsResponse wraps an operation's event history.
type GetEventsResponse struct {
	Content []Event `json:"content"`
}

// BaseError is the error body returned by every endpoint.
type BaseError struct {
	Code        string    `json:"code"`
	Description *string   `json:"description,omitempty"`
	ID          uuid.UUID `json:"id"`
}

func toOperation(op *domain.Operation) Operation {
	return Operation{
		ID:         op.ID,
		ExternalID: op.ExternalID,
		AccountID:  op.AccountID,
		Kind:       string(op.Kind),
		State:      op.CurrentState.String(),
		Amount:     op.Amount,
		Currency:   op.Currency,
		Version:    op.Version,
		CreatedAt:  op.CreatedAt,
		UpdatedAt:  op.UpdatedAt,
	}
}

func toEvent(e *domain.OperationEvent) (Event, error) {
	payload, err := domain.MarshalPayload(e.Payload)
	if err != nil {
		return Event{}, err
	}

	return Event{
		ID:          e.ID,
		ExternalID:  e.ExternalID,
		Type:        string(e.Type),
		Payload:     payload,
		PayloadHash: e.PayloadHash,
		Processed:   e.Processed,
		ProcessedAt: e.ProcessedAt,
		CreatedAt:   e.CreatedAt,
	}, nil
}
