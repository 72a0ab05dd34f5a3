package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// EventType is the kind of an operation event.
type EventType string

const (
	EventOperationCreated    EventType = "OPERATION_CREATED"
	EventProcessingStarted   EventType = "PROCESSING_STARTED"
	EventProcessingCompleted EventType = "PROCESSING_COMPLETED"
	EventProcessingRejected  EventType = "PROCESSING_REJECTED"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventOperationCreated, EventProcessingStarted, EventProcessingCompleted, EventProcessingRejected:
		return true
	}
	return false
}

// EventPayload is the typed body of an event. Each event type has exactly one
// payload type; the set is closed.
type EventPayload interface {
	EventType() EventType
	isEventPayload()
}

// OperationCreatedPayload carries the immutable monetary fields of an operation.
type OperationCreatedPayload struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func (OperationCreatedPayload) EventType() EventType { return EventOperationCreated }
func (OperationCreatedPayload) isEventPayload()      {}

// ProcessingStartedPayload has no fields.
type ProcessingStartedPayload struct{}

func (ProcessingStartedPayload) EventType() EventType { return EventProcessingStarted }
func (ProcessingStartedPayload) isEventPayload()      {}

// ProcessingCompletedPayload has no fields.
type ProcessingCompletedPayload struct{}

func (ProcessingCompletedPayload) EventType() EventType { return EventProcessingCompleted }
func (ProcessingCompletedPayload) isEventPayload()      {}

// ProcessingRejectedPayload has no fields.
type ProcessingRejectedPayload struct{}

func (ProcessingRejectedPayload) EventType() EventType { return EventProcessingRejected }
func (ProcessingRejectedPayload) isEventPayload()      {}

// PayloadFor returns the empty payload for an outcome event type.
func PayloadFor(t EventType) (EventPayload, error) {
	switch t {
	case EventProcessingStarted:
		return ProcessingStartedPayload{}, nil
	case EventProcessingCompleted:
		return ProcessingCompletedPayload{}, nil
	case EventProcessingRejected:
		return ProcessingRejectedPayload{}, nil
	default:
		return nil, fmt.Errorf("event type %s has no empty payload", t)
	}
}

// MarshalPayload encodes a payload as JSON for storage.
func MarshalPayload(p EventPayload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("payload is nil")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.EventType(), err)
	}
	return data, nil
}

// UnmarshalPayload decodes a stored JSON payload according to its event type.
// Unknown fields are rejected so a malformed row cannot reach the state machine.
func UnmarshalPayload(t EventType, data []byte) (EventPayload, error) {
	switch t {
	case EventOperationCreated:
		var p OperationCreatedPayload
		if err := decodeStrict(data, &p); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", t, err)
		}
		if p.Currency == "" {
			return nil, fmt.Errorf("invalid %s payload: currency is required", t)
		}
		return p, nil
	case EventProcessingStarted, EventProcessingCompleted, EventProcessingRejected:
		p, _ := PayloadFor(t)
		var fields map[string]json.RawMessage
		if len(data) > 0 {
			if err := json.Unmarshal(data, &fields); err != nil {
				return nil, fmt.Errorf("invalid %s payload: %w", t, err)
			}
		}
		if len(fields) > 0 {
			return nil, fmt.Errorf("invalid %s payload: expected empty object", t)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// HashPayload returns the hex SHA-256 of the payload's JSON encoding.
// Struct field order is fixed, so equal payloads hash equally.
func HashPayload(p EventPayload) (string, error) {
	data, err := MarshalPayload(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
