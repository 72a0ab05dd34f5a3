package domain

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// memStore is an in-memory implementation of every repository used by the domain.
// Transactions are serialized by txMu and rolled back by restoring a snapshot.
type memStore struct {
	txMu sync.Mutex

	mu         sync.Mutex
	accounts   map[uuid.UUID]Account
	operations map[string]Operation
	events     []OperationEvent

	// failures injected by name of the repository method
	failures map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		accounts:   make(map[uuid.UUID]Account),
		operations: make(map[string]Operation),
		failures:   make(map[string]error),
	}
}

type memSnapshot struct {
	accounts   map[uuid.UUID]Account
	operations map[string]Operation
	events     []OperationEvent
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := memSnapshot{
		accounts:   make(map[uuid.UUID]Account, len(s.accounts)),
		operations: make(map[string]Operation, len(s.operations)),
		events:     make([]OperationEvent, len(s.events)),
	}
	for k, v := range s.accounts {
		snap.accounts[k] = v
	}
	for k, v := range s.operations {
		snap.operations[k] = v
	}
	copy(snap.events, s.events)
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = snap.accounts
	s.operations = snap.operations
	s.events = snap.events
}

func (s *memStore) fail(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = err
}

func (s *memStore) injected(method string) error {
	return s.failures[method]
}

// WithTransaction implements TransactionManager.
func (s *memStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(ctx); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *memStore) addAccount(balance, currency string) Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := Account{
		ID:            uuid.New(),
		ExternalID:    "acc-" + uuid.NewString(),
		AccountNumber: "1000",
		HolderName:    "Test Holder",
		Balance:       decimal.RequireFromString(balance),
		Currency:      currency,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	s.accounts[a.ID] = a
	return a
}

func (s *memStore) account(id uuid.UUID) Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id]
}

func (s *memStore) operation(externalID string) (Operation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[externalID]
	return op, ok
}

func (s *memStore) putOperation(op Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations[op.ExternalID] = op
}

func (s *memStore) eventsFor(externalID string) []OperationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OperationEvent
	for _, e := range s.events {
		if e.ExternalID == externalID {
			out = append(out, e)
		}
	}
	return out
}

func (s *memStore) unprocessedCount(externalID string) int {
	n := 0
	for _, e := range s.eventsFor(externalID) {
		if !e.Processed {
			n++
		}
	}
	return n
}

// AccountRepository

func (s *memStore) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("Account.GetByID"); err != nil {
		return nil, err
	}
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &a, nil
}

func (s *memStore) Lock(ctx context.Context, id uuid.UUID) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("Account.Lock"); err != nil {
		return nil, err
	}
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &a, nil
}

func (s *memStore) IncrementBalance(ctx context.Context, id uuid.UUID, amount decimal.Decimal) error {
	return s.adjust(id, amount)
}

func (s *memStore) DecrementBalance(ctx context.Context, id uuid.UUID, amount decimal.Decimal) error {
	return s.adjust(id, amount.Neg())
}

func (s *memStore) adjust(id uuid.UUID, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("Account.Adjust"); err != nil {
		return err
	}
	a, ok := s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	a.Balance = a.Balance.Add(delta)
	s.accounts[id] = a
	return nil
}

// memOperations adapts memStore to OperationRepository; GetByID collides with accounts.
type memOperations struct{ s *memStore }

func (r memOperations) LockByExternalID(ctx context.Context, externalID string) (*Operation, error) {
	return r.GetByExternalID(ctx, externalID)
}

func (r memOperations) GetByExternalID(ctx context.Context, externalID string) (*Operation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("Operation.Get"); err != nil {
		return nil, err
	}
	op, ok := r.s.operations[externalID]
	if !ok {
		return nil, nil
	}
	return &op, nil
}

func (r memOperations) GetByID(ctx context.Context, id uuid.UUID) (*Operation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, op := range r.s.operations {
		if op.ID == id {
			return &op, nil
		}
	}
	return nil, ErrOperationNotFound
}

func (r memOperations) Create(ctx context.Context, op *Operation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("Operation.Create"); err != nil {
		return err
	}
	if _, ok := r.s.operations[op.ExternalID]; ok {
		return ErrDuplicateExternalID
	}
	r.s.operations[op.ExternalID] = *op
	return nil
}

func (r memOperations) Update(ctx context.Context, op *Operation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("Operation.Update"); err != nil {
		return err
	}
	if _, ok := r.s.operations[op.ExternalID]; !ok {
		return ErrOperationNotFound
	}
	r.s.operations[op.ExternalID] = *op
	return nil
}

// memEvents adapts memStore to EventRepository. Insertion order stands in for creation order.
type memEvents struct{ s *memStore }

func (r memEvents) Append(ctx context.Context, event *OperationEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("Event.Append"); err != nil {
		return err
	}
	r.s.events = append(r.s.events, *event)
	return nil
}

func (r memEvents) list(externalID string, unprocessedOnly bool) []*OperationEvent {
	var out []*OperationEvent
	for i := range r.s.events {
		e := r.s.events[i]
		if e.ExternalID != externalID || (unprocessedOnly && e.Processed) {
			continue
		}
		out = append(out, &e)
	}
	return out
}

func (r memEvents) ListUnprocessed(ctx context.Context, externalID string) ([]*OperationEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("Event.ListUnprocessed"); err != nil {
		return nil, err
	}
	return r.list(externalID, true), nil
}

func (r memEvents) ListByExternalID(ctx context.Context, externalID string) ([]*OperationEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.list(externalID, false), nil
}

func (r memEvents) MarkProcessed(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("Event.MarkProcessed"); err != nil {
		return err
	}
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range r.s.events {
		if want[r.s.events[i].ID] && !r.s.events[i].Processed {
			stamp := at
			r.s.events[i].Processed = true
			r.s.events[i].ProcessedAt = &stamp
		}
	}
	return nil
}

func (r memEvents) MarkAllProcessed(ctx context.Context, externalID string, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for i := range r.s.events {
		if r.s.events[i].ExternalID == externalID && !r.s.events[i].Processed {
			stamp := at
			r.s.events[i].Processed = true
			r.s.events[i].ProcessedAt = &stamp
			n++
		}
	}
	return n, nil
}

func (r memEvents) HasUnprocessed(ctx context.Context, externalID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.list(externalID, true)) > 0, nil
}

func (r memEvents) ListPendingExternalIDs(ctx context.Context, limit int) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, e := range r.s.events {
		if e.Processed || seen[e.ExternalID] {
			continue
		}
		seen[e.ExternalID] = true
		out = append(out, e.ExternalID)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// recordingScheduler records schedule requests instead of delivering them.
type recordingScheduler struct {
	mu       sync.Mutex
	requests []ScheduleRequest
	err      error
}

func (s *recordingScheduler) Schedule(ctx context.Context, req ScheduleRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.requests = append(s.requests, req)
	return nil
}

func (s *recordingScheduler) take() []ScheduleRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.requests
	s.requests = nil
	return out
}

func (s *recordingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// harness wires the domain services against one memStore.
type harness struct {
	store     *memStore
	scheduler *recordingScheduler
	service   *OperationService
	processor *OperationProcessor
}

func newHarness() *harness {
	store := newMemStore()
	sched := &recordingScheduler{}
	log := testLogger()

	validator := NewValidationService(store, log)
	return &harness{
		store:     store,
		scheduler: sched,
		service:   NewOperationService(store, memOperations{store}, memEvents{store}, store, sched, log),
		processor: NewOperationProcessor(
			memOperations{store},
			memEvents{store},
			store,
			store,
			NewStateMachine(),
			validator,
			sched,
			DefaultRetryPolicy(),
			log,
		),
	}
}

// drain delivers every recorded schedule request until none remain.
func (h *harness) drain(ctx context.Context) error {
	for i := 0; i < 50; i++ {
		reqs := h.scheduler.take()
		if len(reqs) == 0 {
			return nil
		}
		for _, r := range reqs {
			if _, err := h.processor.Process(ctx, ProcessRequest{ExternalID: r.ExternalID, IdlePasses: r.IdlePasses}); err != nil {
				return err
			}
		}
	}
	return nil
}

// appendEvent writes an event directly to the log, as a retried producer would.
func (h *harness) appendEvent(externalID string, payload EventPayload, accountID uuid.UUID, kind OperationKind) *OperationEvent {
	e, err := NewOperationEvent(externalID, payload, accountID, kind)
	if err != nil {
		panic(err)
	}
	if err := (memEvents{h.store}).Append(context.Background(), e); err != nil {
		panic(err)
	}
	return e
}
