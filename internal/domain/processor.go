package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DedupeKey returns the scheduling dedupe key for an operation.
func DedupeKey(externalID string) string {
	return "operation:" + externalID
}

// ProcessResult summarizes one processing pass.
type ProcessResult struct {
	ExternalID string
	State      OperationState // State after the pass
	Applied    int            // Transitions written
	Replayed   int            // Groups found already applied
	Skipped    int            // Groups left pending as illegal
	Discarded  int64          // Events marked processed because the operation was terminal
	FollowUp   bool           // Unprocessed events remain
}

// Progressed reports whether the pass advanced or settled anything.
func (r *ProcessResult) Progressed() bool {
	return r.Applied > 0 || r.Replayed > 0 || r.Discarded > 0
}

// eventGroup is one logical event: every unprocessed record sharing a deduplication key.
type eventGroup struct {
	key    string
	events []*OperationEvent
}

func (g *eventGroup) first() *OperationEvent { return g.events[0] }

func (g *eventGroup) ids() []uuid.UUID {
	ids := make([]uuid.UUID, len(g.events))
	for i, e := range g.events {
		ids[i] = e.ID
	}
	return ids
}

// groupByDeduplicationKey groups events by key, keeping first-arrival order of groups.
func groupByDeduplicationKey(events []*OperationEvent) []*eventGroup {
	index := make(map[string]*eventGroup, len(events))
	groups := make([]*eventGroup, 0, len(events))

	for _, e := range events {
		key := e.DeduplicationKey()
		g, ok := index[key]
		if !ok {
			g = &eventGroup{key: key}
			index[key] = g
			groups = append(groups, g)
		}
		g.events = append(g.events, e)
	}

	return groups
}

// OperationProcessor drives operations through the state machine from the event log.
// It is the only writer of operation state and account balances.
type OperationProcessor struct {
	operationRepo OperationRepository
	eventRepo     EventRepository
	accountRepo   AccountRepository
	txManager     TransactionManager
	stateMachine  *StateMachine
	validator     *ValidationService
	scheduler     Scheduler
	retry         RetryPolicy
	log           logrus.FieldLogger
	now           func() time.Time
}

// NewOperationProcessor creates a new OperationProcessor.
func NewOperationProcessor(
	operationRepo OperationRepository,
	eventRepo EventRepository,
	accountRepo AccountRepository,
	txManager TransactionManager,
	stateMachine *StateMachine,
	validator *ValidationService,
	scheduler Scheduler,
	retry RetryPolicy,
	log logrus.FieldLogger,
) *OperationProcessor {
	return &OperationProcessor{
		operationRepo: operationRepo,
		eventRepo:     eventRepo,
		accountRepo:   accountRepo,
		txManager:     txManager,
		stateMachine:  stateMachine,
		validator:     validator,
		scheduler:     scheduler,
		retry:         retry,
		log:           log,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes a delivered request; it matches the queue consumer handler signature.
func (p *OperationProcessor) Handle(ctx context.Context, req ProcessRequest) error {
	_, err := p.Process(ctx, req)
	return err
}

// Process runs one processing pass for req.ExternalID.
//
// All reads and writes happen in one transaction holding the operation row lock:
//  1. Lock the operation; if terminal, discard pending events and stop
//  2. Load unprocessed events and group them by deduplication key
//  3. Replay each group against the state machine, skipping illegal ones
//  4. Write state changes, mutate the balance on completion, and append the next
//     pipeline event; appended events are handled in the same pass
//  5. Mark handled groups processed
//
// A clean pipeline completes in one pass at version 4 (CREATED, PENDING, PROCESSING,
// COMPLETED or REJECTED) and schedules no follow-up.
// After commit, the operation is rescheduled if pending events remain and it is not terminal.
// Any error rolls the whole pass back and is returned for the scheduler to retry.
func (p *OperationProcessor) Process(ctx context.Context, req ProcessRequest) (*ProcessResult, error) {
	if req.ExternalID == "" {
		return nil, fmt.Errorf("%w: external id is required", ErrInvalidInput)
	}

	log := p.log.WithField("external_id", req.ExternalID)
	log.Debug("processing operation")

	var result *ProcessResult
	err := p.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		r, err := p.processInTx(txCtx, req.ExternalID, log)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		log.WithError(err).Error("processing pass failed")
		return nil, fmt.Errorf("failed to process operation %s: %w", req.ExternalID, err)
	}

	if result.FollowUp {
		if err := p.reschedule(ctx, req, result, log); err != nil {
			return result, err
		}
	}

	log.WithFields(logrus.Fields{
		"state":     result.State,
		"applied":   result.Applied,
		"replayed":  result.Replayed,
		"skipped":   result.Skipped,
		"follow_up": result.FollowUp,
	}).Info("processing pass committed")

	return result, nil
}

func (p *OperationProcessor) processInTx(ctx context.Context, externalID string, log logrus.FieldLogger) (*ProcessResult, error) {
	result := &ProcessResult{ExternalID: externalID}

	op, err := p.operationRepo.LockByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock operation: %w", err)
	}

	current := StateNone
	if op != nil {
		current = op.CurrentState
		log.WithFields(logrus.Fields{
			"state":   op.CurrentState,
			"version": op.Version,
		}).Debug("operation locked")
	}

	if current.IsTerminal() {
		n, err := p.eventRepo.MarkAllProcessed(ctx, externalID, p.now())
		if err != nil {
			return nil, fmt.Errorf("failed to discard events of terminal operation: %w", err)
		}
		if n > 0 {
			log.WithFields(logrus.Fields{
				"state":     current,
				"discarded": n,
			}).Warn("operation already terminal, marked pending events as processed")
		}
		result.State = current
		result.Discarded = n
		return result, nil
	}

	events, err := p.eventRepo.ListUnprocessed(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load unprocessed events: %w", err)
	}
	if len(events) == 0 {
		log.Debug("no unprocessed events")
		result.State = current
		return result, nil
	}

	groups := groupByDeduplicationKey(events)
	pending := make(map[string]*eventGroup, len(groups))
	for _, g := range groups {
		pending[g.key] = g
	}

	log.WithFields(logrus.Fields{
		"events": len(events),
		"groups": len(groups),
	}).Debug("grouped unprocessed events")

	for i := 0; i < len(groups); i++ {
		group := groups[i]
		delete(pending, group.key)
		first := group.first()

		glog := log.WithFields(logrus.Fields{
			"event_id":   first.ID,
			"event_type": first.Type,
			"group_size": len(group.events),
			"state":      current,
		})

		if !p.stateMachine.CanTransition(current, first.Type) {
			glog.Warn("illegal transition, leaving events pending")
			result.Skipped++
			result.FollowUp = true
			continue
		}

		target, err := p.stateMachine.ApplyTransition(current, first.Type)
		if err != nil {
			return nil, err
		}

		existing, err := p.operationRepo.GetByExternalID(ctx, externalID)
		if err != nil {
			return nil, fmt.Errorf("failed to re-read operation: %w", err)
		}

		if existing != nil && existing.CurrentState == target {
			glog.WithField("target", target).Debug("state already at target, marking events processed")
			if err := p.eventRepo.MarkProcessed(ctx, group.ids(), p.now()); err != nil {
				return nil, fmt.Errorf("failed to mark replayed events processed: %w", err)
			}
			current = target
			result.Replayed++
			continue
		}

		op, err := p.writeOperation(ctx, existing, first, target)
		if err != nil {
			return nil, err
		}
		glog.WithFields(logrus.Fields{
			"target":  target,
			"version": op.Version,
		}).Info("operation state advanced")

		if target == StateCompleted && op.AccountID != uuid.Nil {
			if err := p.applyBalance(ctx, op, glog); err != nil {
				return nil, err
			}
		}

		next, err := p.nextEvent(ctx, first.Type, target, op)
		if err != nil {
			return nil, err
		}
		if next != nil {
			if err := p.eventRepo.Append(ctx, next); err != nil {
				return nil, fmt.Errorf("failed to append %s event: %w", next.Type, err)
			}
			glog.WithField("next_event", next.Type).Debug("appended next pipeline event")

			key := next.DeduplicationKey()
			if g, ok := pending[key]; ok {
				g.events = append(g.events, next)
			} else {
				g := &eventGroup{key: key, events: []*OperationEvent{next}}
				pending[key] = g
				groups = append(groups, g)
			}
		}

		if err := p.eventRepo.MarkProcessed(ctx, group.ids(), p.now()); err != nil {
			return nil, fmt.Errorf("failed to mark events processed: %w", err)
		}
		current = target
		result.Applied++
	}

	remaining, err := p.eventRepo.HasUnprocessed(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to check remaining events: %w", err)
	}
	if remaining {
		result.FollowUp = true
	}

	result.State = current
	return result, nil
}

// writeOperation inserts or updates the operation row for an accepted transition.
// Monetary fields are taken from the OPERATION_CREATED payload and never changed afterwards.
func (p *OperationProcessor) writeOperation(ctx context.Context, existing *Operation, event *OperationEvent, target OperationState) (*Operation, error) {
	now := p.now()

	op := existing
	if op == nil {
		op = &Operation{
			ID:         uuid.New(),
			ExternalID: event.ExternalID,
			AccountID:  event.AccountID,
			Kind:       event.Kind,
			CreatedAt:  now,
		}
	} else {
		copied := *existing
		op = &copied
	}

	if event.Type == EventOperationCreated {
		payload, ok := event.Payload.(OperationCreatedPayload)
		if !ok {
			return nil, fmt.Errorf("event %s has payload %T, want OperationCreatedPayload", event.ID, event.Payload)
		}
		op.Amount = payload.Amount
		op.Currency = payload.Currency
		op.AccountID = event.AccountID
		op.Kind = event.Kind
	}

	op.CurrentState = target
	op.Version++
	op.UpdatedAt = now

	if existing == nil {
		if err := p.operationRepo.Create(ctx, op); err != nil {
			return nil, fmt.Errorf("failed to create operation: %w", err)
		}
		return op, nil
	}

	if err := p.operationRepo.Update(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to update operation: %w", err)
	}
	return op, nil
}

// applyBalance credits or debits the account of a completed operation.
func (p *OperationProcessor) applyBalance(ctx context.Context, op *Operation, log logrus.FieldLogger) error {
	log = log.WithFields(logrus.Fields{
		"account_id": op.AccountID,
		"kind":       op.Kind,
		"amount":     op.Amount.String(),
	})

	account, err := p.accountRepo.Lock(ctx, op.AccountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			log.Warn("account not found for balance update, skipping")
			return nil
		}
		return fmt.Errorf("failed to lock account for balance update: %w", err)
	}

	switch op.Kind {
	case OperationKindCredit:
		if err := p.accountRepo.IncrementBalance(ctx, account.ID, op.Amount); err != nil {
			return fmt.Errorf("failed to credit account: %w", err)
		}
		log.WithField("old_balance", account.Balance.String()).Info("account balance credited")
	case OperationKindDebit:
		if err := p.accountRepo.DecrementBalance(ctx, account.ID, op.Amount); err != nil {
			return fmt.Errorf("failed to debit account: %w", err)
		}
		log.WithField("old_balance", account.Balance.String()).Info("account balance debited")
	default:
		log.Warn("unknown operation kind, balance unchanged")
	}

	return nil
}

// nextEvent returns the event that continues the pipeline after a transition, or nil.
func (p *OperationProcessor) nextEvent(ctx context.Context, applied EventType, target OperationState, op *Operation) (*OperationEvent, error) {
	var nextType EventType

	switch {
	case applied == EventOperationCreated && target == StatePending:
		nextType = EventProcessingStarted
	case applied == EventProcessingStarted && target == StateProcessing:
		outcome, err := p.validator.ValidateOperation(ctx, op)
		if err != nil {
			return nil, err
		}
		nextType = outcome
	default:
		return nil, nil
	}

	payload, err := PayloadFor(nextType)
	if err != nil {
		return nil, err
	}

	event, err := NewOperationEvent(op.ExternalID, payload, op.AccountID, op.Kind)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s event: %w", nextType, err)
	}
	event.CreatedAt = p.now()
	return event, nil
}

// reschedule enqueues a follow-up pass unless the committed operation is terminal
// or the idle budget is spent.
func (p *OperationProcessor) reschedule(ctx context.Context, req ProcessRequest, result *ProcessResult, log logrus.FieldLogger) error {
	op, err := p.operationRepo.GetByExternalID(ctx, req.ExternalID)
	if err != nil {
		return fmt.Errorf("failed to re-check operation before rescheduling: %w", err)
	}
	if op != nil && op.CurrentState.IsTerminal() {
		log.WithField("state", op.CurrentState).Debug("operation terminal, not rescheduling")
		return nil
	}

	idle := 0
	delay := p.retry.ProgressDelay
	if !result.Progressed() {
		idle = req.IdlePasses + 1
		if p.retry.Exhausted(idle) {
			log.WithField("idle_passes", idle).Error("retry budget exhausted, pending events left for the next request")
			return nil
		}
		delay = p.retry.IdleDelay(idle)
	}

	err = p.scheduler.Schedule(ctx, ScheduleRequest{
		ExternalID: req.ExternalID,
		Delay:      delay,
		DedupeKey:  DedupeKey(req.ExternalID),
		IdlePasses: idle,
	})
	if err != nil {
		return fmt.Errorf("failed to reschedule operation %s: %w", req.ExternalID, err)
	}

	log.WithFields(logrus.Fields{
		"delay":       delay,
		"idle_passes": idle,
	}).Info("rescheduled operation")
	return nil
}
