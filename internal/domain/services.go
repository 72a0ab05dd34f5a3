package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrAccountNotFound is returned when an account doesn't exist
	ErrAccountNotFound = errors.New("account not found")

	// ErrOperationNotFound is returned when an operation doesn't exist
	ErrOperationNotFound = errors.New("operation not found")

	// ErrDuplicateExternalID is returned when an operation with the same external id exists
	ErrDuplicateExternalID = errors.New("duplicate external identifier")

	// ErrInvalidInput is returned when a request is malformed
	ErrInvalidInput = errors.New("invalid input")

	// ErrIllegalTransition is returned when an event is not accepted in the current state
	ErrIllegalTransition = errors.New("illegal state transition")
)

// OperationService handles the synchronous side of operations: creation and reads.
// State changes after creation belong to OperationProcessor.
type OperationService struct {
	accountRepo   AccountRepository
	operationRepo OperationRepository
	eventRepo     EventRepository
	txManager     TransactionManager
	scheduler     Scheduler
	log           logrus.FieldLogger
}

// NewOperationService creates a new instance of OperationService.
func NewOperationService(
	accountRepo AccountRepository,
	operationRepo OperationRepository,
	eventRepo EventRepository,
	txManager TransactionManager,
	scheduler Scheduler,
	log logrus.FieldLogger,
) *OperationService {
	return &OperationService{
		accountRepo:   accountRepo,
		operationRepo: operationRepo,
		eventRepo:     eventRepo,
		txManager:     txManager,
		scheduler:     scheduler,
		log:           log,
	}
}

// CreateOperation registers a new credit or debit and schedules its first processing pass.
//
// Within one transaction:
// 1. Look up the account
// 2. Lock an existing operation by external id; any match is a duplicate
// 3. Append the OPERATION_CREATED event
// 4. Insert the operation in CREATED with version 1
//
// Returns the created operation. A scheduling failure after commit is logged, not
// returned; the operation is picked up by ResumePending.
func (s *OperationService) CreateOperation(ctx context.Context, in CreateOperationInput) (*Operation, error) {
	if err := ValidateCreateInput(in); err != nil {
		return nil, err
	}

	log := s.log.WithFields(logrus.Fields{
		"external_id": in.ExternalID,
		"account_id":  in.AccountID,
		"kind":        in.Kind,
	})

	var op *Operation
	err := s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		account, err := s.accountRepo.GetByID(txCtx, in.AccountID)
		if err != nil {
			return fmt.Errorf("failed to get account: %w", err)
		}
		if account == nil {
			return ErrAccountNotFound
		}

		existing, err := s.operationRepo.LockByExternalID(txCtx, in.ExternalID)
		if err != nil {
			return fmt.Errorf("failed to check existing operation: %w", err)
		}
		if existing != nil {
			return ErrDuplicateExternalID
		}

		event, err := NewOperationEvent(in.ExternalID, OperationCreatedPayload{
			Amount:   in.Amount,
			Currency: in.Currency,
		}, in.AccountID, in.Kind)
		if err != nil {
			return fmt.Errorf("failed to build creation event: %w", err)
		}
		if err := s.eventRepo.Append(txCtx, event); err != nil {
			return fmt.Errorf("failed to append creation event: %w", err)
		}

		now := time.Now().UTC()
		op = &Operation{
			ID:           uuid.New(),
			ExternalID:   in.ExternalID,
			AccountID:    in.AccountID,
			Kind:         in.Kind,
			CurrentState: StateCreated,
			Amount:       in.Amount,
			Currency:     in.Currency,
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.operationRepo.Create(txCtx, op); err != nil {
			return fmt.Errorf("failed to create operation: %w", err)
		}

		return nil
	})
	if err != nil {
		log.WithError(err).Warn("operation creation failed")
		return nil, err
	}

	log.WithField("operation_id", op.ID).Info("operation created")

	if err := s.schedule(ctx, op.ExternalID); err != nil {
		log.WithError(err).Error("failed to schedule first processing pass")
	}

	return op, nil
}

// GetOperation retrieves an operation by its internal identifier.
func (s *OperationService) GetOperation(ctx context.Context, id uuid.UUID) (*Operation, error) {
	op, err := s.operationRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return op, nil
}

// GetOperationByExternalID retrieves an operation by its external identifier.
func (s *OperationService) GetOperationByExternalID(ctx context.Context, externalID string) (*Operation, error) {
	op, err := s.operationRepo.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	if op == nil {
		return nil, ErrOperationNotFound
	}
	return op, nil
}

// ListEvents returns the event log of an operation in creation order.
func (s *OperationService) ListEvents(ctx context.Context, id uuid.UUID) ([]*OperationEvent, error) {
	op, err := s.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}

	events, err := s.eventRepo.ListByExternalID(ctx, op.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// ResumePending schedules a pass for every operation that still has unprocessed events.
// Workers call it on startup to recover passes lost between commit and enqueue.
func (s *OperationService) ResumePending(ctx context.Context, limit int) (int, error) {
	ids, err := s.eventRepo.ListPendingExternalIDs(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending operations: %w", err)
	}

	scheduled := 0
	for _, id := range ids {
		if err := s.schedule(ctx, id); err != nil {
			return scheduled, err
		}
		scheduled++
	}

	if scheduled > 0 {
		s.log.WithField("count", scheduled).Info("resumed pending operations")
	}
	return scheduled, nil
}

func (s *OperationService) schedule(ctx context.Context, externalID string) error {
	return s.scheduler.Schedule(ctx, ScheduleRequest{
		ExternalID: externalID,
		DedupeKey:  DedupeKey(externalID),
	})
}
