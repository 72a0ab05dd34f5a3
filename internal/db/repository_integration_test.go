package db_test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/spbu-ds-practicum-2025/example-project/services/operations-service/internal/db"
	"github.com/spbu-ds-practicum-2025/example-project/services/operations-service/internal/domain"
)

var testPool *db.Pool

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		fmt.Println("skipping postgres integration tests in short mode")
		os.Exit(0)
	}

	ctx := context.Background()
	container, dbURL, err := startPostgresContainer(ctx)
	if err != nil {
		fmt.Printf("failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	testPool, err = db.NewPool(ctx, db.PoolConfig{URL: dbURL, MaxConns: 20})
	if err != nil {
		fmt.Printf("failed to create database pool: %v\n", err)
		_ = container.Terminate(ctx)
		os.Exit(1)
	}

	if err := db.Migrate(ctx, testPool.Pool); err != nil {
		fmt.Printf("failed to migrate: %v\n", err)
		testPool.Close()
		_ = container.Terminate(ctx)
		os.Exit(1)
	}

	code := m.Run()

	testPool.Close()
	if err := container.Terminate(ctx); err != nil {
		fmt.Printf("failed to terminate postgres container: %v\n", err)
	}
	os.Exit(code)
}

// startPostgresContainer starts a PostgreSQL testcontainer and returns the connection URL.
func startPostgresContainer(ctx context.Context) (testcontainers.Container, string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return container, "", err
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return container, "", err
	}

	return container, fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port()), nil
}

func resetTables(t *testing.T) {
	t.Helper()
	_, err := testPool.Exec(context.Background(), `TRUNCATE operation_events, operations, accounts CASCADE`)
	require.NoError(t, err)
}

func createAccount(t *testing.T, balance, currency string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := testPool.Exec(context.Background(),
		`INSERT INTO accounts (id, external_id, holder_name, balance, currency) VALUES ($1, $2, $3, $4::numeric, $5)`,
		id, "acc-"+id.String(), "Test Holder", balance, currency)
	require.NoError(t, err)
	return id
}

func balanceOf(t *testing.T, id uuid.UUID) decimal.Decimal {
	t.Helper()
	var s string
	require.NoError(t, testPool.QueryRow(context.Background(), `SELECT balance::text FROM accounts WHERE id = $1`, id).Scan(&s))
	return decimal.RequireFromString(s)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTxManager() *db.TransactionManager {
	return db.NewTransactionManager(testPool.Pool, db.TxConfig{
		LockTimeout:      5 * time.Second,
		StatementTimeout: 10 * time.Second,
	}, quietLogger())
}

func TestAccountRepository_LockAndAdjust(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	repo := db.NewAccountRepository(testPool.Pool)
	tm := newTxManager()
	id := createAccount(t, "100.00", "USD")

	acc, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "USD", acc.Currency)
	assert.True(t, acc.Balance.Equal(decimal.RequireFromString("100")))
	assert.NotEmpty(t, acc.AccountNumber)

	err = tm.WithTransaction(ctx, func(txCtx context.Context) error {
		if _, err := repo.Lock(txCtx, id); err != nil {
			return err
		}
		if err := repo.IncrementBalance(txCtx, id, decimal.RequireFromString("10.50")); err != nil {
			return err
		}
		return repo.DecrementBalance(txCtx, id, decimal.RequireFromString("0.25"))
	})
	require.NoError(t, err)
	assert.True(t, balanceOf(t, id).Equal(decimal.RequireFromString("110.25")))

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = repo.Lock(ctx, id)
	assert.Error(t, err, "lock outside a transaction must fail")
}

func TestTransactionManager_RollsBack(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	repo := db.NewAccountRepository(testPool.Pool)
	id := createAccount(t, "100.00", "USD")

	boom := errors.New("boom")
	err := newTxManager().WithTransaction(ctx, func(txCtx context.Context) error {
		if err := repo.IncrementBalance(txCtx, id, decimal.NewFromInt(50)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.True(t, balanceOf(t, id).Equal(decimal.NewFromInt(100)))
}

func TestOperationRepository_CRUD(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	repo := db.NewOperationRepository(testPool.Pool)
	accountID := createAccount(t, "0", "USD")

	now := time.Now().UTC().Truncate(time.Microsecond)
	op := &domain.Operation{
		ID:           uuid.New(),
		ExternalID:   "op-crud",
		AccountID:    accountID,
		Kind:         domain.OperationKindDebit,
		CurrentState: domain.StateCreated,
		Amount:       decimal.RequireFromString("12.34"),
		Currency:     "USD",
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, repo.Create(ctx, op))

	err := repo.Create(ctx, &domain.Operation{
		ID: uuid.New(), ExternalID: "op-crud", AccountID: accountID,
		Kind: domain.OperationKindCredit, CurrentState: domain.StateCreated,
		Amount: decimal.NewFromInt(1), Currency: "USD", Version: 1, CreatedAt: now, UpdatedAt: now,
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateExternalID)

	got, err := repo.GetByExternalID(ctx, "op-crud")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, op.ID, got.ID)
	assert.Equal(t, domain.OperationKindDebit, got.Kind)
	assert.True(t, got.Amount.Equal(op.Amount))

	got.CurrentState = domain.StatePending
	got.Version = 2
	require.NoError(t, repo.Update(ctx, got))

	byID, err := repo.GetByID(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, byID.CurrentState)
	assert.Equal(t, 2, byID.Version)

	missing, err := repo.GetByExternalID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrOperationNotFound)

	err = newTxManager().WithTransaction(ctx, func(txCtx context.Context) error {
		locked, err := repo.LockByExternalID(txCtx, "nope")
		assert.Nil(t, locked)
		return err
	})
	require.NoError(t, err)
}

func TestEventRepository_LogOperations(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	repo := db.NewEventRepository(testPool.Pool)
	accountID := uuid.New()

	var events []*domain.OperationEvent
	err := newTxManager().WithTransaction(ctx, func(txCtx context.Context) error {
		created, err := domain.NewOperationEvent("op-log", domain.OperationCreatedPayload{
			Amount: decimal.RequireFromString("5.00"), Currency: "USD",
		}, accountID, domain.OperationKindCredit)
		if err != nil {
			return err
		}
		started, err := domain.NewOperationEvent("op-log", domain.ProcessingStartedPayload{}, accountID, domain.OperationKindCredit)
		if err != nil {
			return err
		}
		// same timestamp; insertion order must still hold
		started.CreatedAt = created.CreatedAt
		events = []*domain.OperationEvent{created, started}
		for _, e := range events {
			if err := repo.Append(txCtx, e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	pending, err := repo.ListUnprocessed(ctx, "op-log")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, domain.EventOperationCreated, pending[0].Type)
	assert.Equal(t, domain.EventProcessingStarted, pending[1].Type)
	assert.Equal(t, events[0].PayloadHash, pending[0].PayloadHash)
	assert.Equal(t, accountID, pending[0].AccountID)

	payload, ok := pending[0].Payload.(domain.OperationCreatedPayload)
	require.True(t, ok)
	assert.Equal(t, "USD", payload.Currency)
	assert.True(t, payload.Amount.Equal(decimal.NewFromInt(5)))

	ids, err := repo.ListPendingExternalIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"op-log"}, ids)

	require.NoError(t, repo.MarkProcessed(ctx, []uuid.UUID{events[0].ID}, time.Now().UTC()))
	has, err := repo.HasUnprocessed(ctx, "op-log")
	require.NoError(t, err)
	assert.True(t, has)

	n, err := repo.MarkAllProcessed(ctx, "op-log", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	has, err = repo.HasUnprocessed(ctx, "op-log")
	require.NoError(t, err)
	assert.False(t, has)

	all, err := repo.ListByExternalID(ctx, "op-log")
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, e := range all {
		assert.True(t, e.Processed)
		assert.NotNil(t, e.ProcessedAt)
	}
}

// recordingScheduler collects schedule requests for the end-to-end tests.
type recordingScheduler struct {
	mu   sync.Mutex
	reqs []domain.ScheduleRequest
}

func (s *recordingScheduler) Schedule(ctx context.Context, req domain.ScheduleRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return nil
}

type stack struct {
	service   *domain.OperationService
	processor *domain.OperationProcessor
	scheduler *recordingScheduler
}

func newStack() *stack {
	log := quietLogger()
	accounts := db.NewAccountRepository(testPool.Pool)
	operations := db.NewOperationRepository(testPool.Pool)
	events := db.NewEventRepository(testPool.Pool)
	tm := newTxManager()
	sched := &recordingScheduler{}

	return &stack{
		service: domain.NewOperationService(accounts, operations, events, tm, sched, log),
		processor: domain.NewOperationProcessor(
			operations, events, accounts, tm,
			domain.NewStateMachine(),
			domain.NewValidationService(accounts, log),
			sched,
			domain.DefaultRetryPolicy(),
			log,
		),
		scheduler: sched,
	}
}

func TestEventRepository_OrdersByInsertionNotTimestamp(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	repo := db.NewEventRepository(testPool.Pool)
	accountID := uuid.New()

	created, err := domain.NewOperationEvent("op-skew", domain.OperationCreatedPayload{
		Amount: decimal.RequireFromString("1.00"), Currency: "USD",
	}, accountID, domain.OperationKindCredit)
	require.NoError(t, err)
	started, err := domain.NewOperationEvent("op-skew", domain.ProcessingStartedPayload{}, accountID, domain.OperationKindCredit)
	require.NoError(t, err)

	// the second writer's clock runs a minute behind the first
	created.CreatedAt = time.Now().UTC()
	started.CreatedAt = created.CreatedAt.Add(-time.Minute)
	require.NoError(t, repo.Append(ctx, created))
	require.NoError(t, repo.Append(ctx, started))

	other, err := domain.NewOperationEvent("op-early", domain.OperationCreatedPayload{
		Amount: decimal.RequireFromString("1.00"), Currency: "USD",
	}, accountID, domain.OperationKindCredit)
	require.NoError(t, err)
	other.CreatedAt = created.CreatedAt.Add(-time.Hour)
	require.NoError(t, repo.Append(ctx, other))

	pending, err := repo.ListUnprocessed(ctx, "op-skew")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, domain.EventOperationCreated, pending[0].Type)
	assert.Equal(t, domain.EventProcessingStarted, pending[1].Type)

	all, err := repo.ListByExternalID(ctx, "op-skew")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, created.ID, all[0].ID)

	ids, err := repo.ListPendingExternalIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"op-skew", "op-early"}, ids)
}

func TestOperations_EndToEnd(t *testing.T) {
	tests := []struct {
		name        string
		balance     string
		accCurrency string
		kind        domain.OperationKind
		amount      string
		currency    string
		wantState   domain.OperationState
		wantBalance string
	}{
		{"credit completes", "1000.00", "USD", domain.OperationKindCredit, "100.50", "USD", domain.StateCompleted, "1100.50"},
		{"debit over balance", "100.00", "USD", domain.OperationKindDebit, "200.00", "USD", domain.StateRejected, "100.00"},
		{"currency mismatch", "100.00", "USD", domain.OperationKindCredit, "10.00", "EUR", domain.StateRejected, "100.00"},
		{"debit completes", "100.00", "USD", domain.OperationKindDebit, "99.99", "USD", domain.StateCompleted, "0.01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetTables(t)
			ctx := context.Background()
			s := newStack()
			accountID := createAccount(t, tt.balance, tt.accCurrency)

			op, err := s.service.CreateOperation(ctx, domain.CreateOperationInput{
				ExternalID: "op-e2e",
				AccountID:  accountID,
				Kind:       tt.kind,
				Amount:     decimal.RequireFromString(tt.amount),
				Currency:   tt.currency,
			})
			require.NoError(t, err)
			assert.Equal(t, domain.StateCreated, op.CurrentState)

			res, err := s.processor.Process(ctx, domain.ProcessRequest{ExternalID: "op-e2e"})
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, res.State)
			assert.False(t, res.FollowUp)

			got, err := s.service.GetOperation(ctx, op.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, got.CurrentState)
			assert.Equal(t, 4, got.Version)
			assert.True(t, balanceOf(t, accountID).Equal(decimal.RequireFromString(tt.wantBalance)))

			// replaying the request changes nothing
			_, err = s.processor.Process(ctx, domain.ProcessRequest{ExternalID: "op-e2e"})
			require.NoError(t, err)
			again, err := s.service.GetOperation(ctx, op.ID)
			require.NoError(t, err)
			assert.Equal(t, 4, again.Version)
			assert.True(t, balanceOf(t, accountID).Equal(decimal.RequireFromString(tt.wantBalance)))
		})
	}
}

func TestOperations_CreationFailuresWriteNothing(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	s := newStack()
	accountID := createAccount(t, "10.00", "USD")

	in := domain.CreateOperationInput{
		ExternalID: "op-dup",
		AccountID:  accountID,
		Kind:       domain.OperationKindCredit,
		Amount:     decimal.NewFromInt(1),
		Currency:   "USD",
	}
	_, err := s.service.CreateOperation(ctx, in)
	require.NoError(t, err)

	_, err = s.service.CreateOperation(ctx, in)
	assert.ErrorIs(t, err, domain.ErrDuplicateExternalID)

	in.ExternalID = "op-ghost"
	in.AccountID = uuid.New()
	_, err = s.service.CreateOperation(ctx, in)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	var events, ops int
	require.NoError(t, testPool.QueryRow(ctx, `SELECT COUNT(*) FROM operation_events`).Scan(&events))
	require.NoError(t, testPool.QueryRow(ctx, `SELECT COUNT(*) FROM operations`).Scan(&ops))
	assert.Equal(t, 1, events)
	assert.Equal(t, 1, ops)
}

func TestOperations_ConcurrentCreationOneWins(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	s := newStack()
	accountID := createAccount(t, "10.00", "USD")

	const n = 8
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.CreateOperation(ctx, domain.CreateOperationInput{
				ExternalID: "op-race",
				AccountID:  accountID,
				Kind:       domain.OperationKindCredit,
				Amount:     decimal.NewFromInt(1),
				Currency:   "USD",
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrDuplicateExternalID)
	}
	assert.Equal(t, 1, wins)
}

func TestOperations_ConcurrentProcessingAppliesOnce(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	s := newStack()
	accountID := createAccount(t, "100.00", "USD")

	const ops = 5
	for i := 0; i < ops; i++ {
		_, err := s.service.CreateOperation(ctx, domain.CreateOperationInput{
			ExternalID: fmt.Sprintf("op-%d", i),
			AccountID:  accountID,
			Kind:       domain.OperationKindDebit,
			Amount:     decimal.RequireFromString("30.00"),
			Currency:   "USD",
		})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, ops*3)
	for i := 0; i < ops; i++ {
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, err := s.processor.Process(ctx, domain.ProcessRequest{ExternalID: id}); err != nil {
					errs <- err
				}
			}(fmt.Sprintf("op-%d", i))
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected processing error: %v", err)
	}

	var completed int
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT COUNT(*) FROM operations WHERE current_state = 'COMPLETED'`).Scan(&completed))

	// 100 covers three debits of 30; the rest must be rejected
	assert.Equal(t, 3, completed)
	assert.True(t, balanceOf(t, accountID).Equal(decimal.RequireFromString("10.00")))
}
