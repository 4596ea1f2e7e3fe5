package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/homeline/escrow-service/internal/domain"
	"github.com/homeline/escrow-service/internal/store"
	"github.com/homeline/escrow-service/pkg/processor"
)

// memRepo is an in-memory store.Repository with the same CAS and idempotency
// semantics as the Postgres implementation.
type memRepo struct {
	mu        sync.Mutex
	txs       map[uuid.UUID]*domain.EscrowTransaction
	byKey     map[string]uuid.UUID
	byRef     map[string]uuid.UUID
	history   map[uuid.UUID][]domain.StateChangeRecord
	processed map[string]bool

	failUpdate error
	purged     bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		txs:       make(map[uuid.UUID]*domain.EscrowTransaction),
		byKey:     make(map[string]uuid.UUID),
		byRef:     make(map[string]uuid.UUID),
		history:   make(map[uuid.UUID][]domain.StateChangeRecord),
		processed: make(map[string]bool),
	}
}

func copyTx(tx *domain.EscrowTransaction) *domain.EscrowTransaction {
	clone := *tx
	if tx.ProcessorReference != nil {
		ref := *tx.ProcessorReference
		clone.ProcessorReference = &ref
	}
	return &clone
}

func (r *memRepo) CreateTransaction(ctx context.Context, tx *domain.EscrowTransaction) (*domain.EscrowTransaction, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existingID, ok := r.byKey[tx.IdempotencyKey]; ok {
		existing := r.txs[existingID]
		if existing.JobID != tx.JobID || existing.PayerID != tx.PayerID ||
			existing.PayeeID != tx.PayeeID || existing.GrossAmount != tx.GrossAmount {
			return nil, false, store.ErrIdempotencyConflict
		}
		return copyTx(existing), false, nil
	}
	stored := copyTx(tx)
	stored.CreatedAt = time.Now().UTC()
	stored.UpdatedAt = stored.CreatedAt
	r.txs[stored.ID] = stored
	r.byKey[stored.IdempotencyKey] = stored.ID
	return copyTx(stored), true, nil
}

func (r *memRepo) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.EscrowTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[id]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	return copyTx(tx), nil
}

func (r *memRepo) GetTransactionByProcessorReference(ctx context.Context, ref string) (*domain.EscrowTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byRef[ref]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	return copyTx(r.txs[id]), nil
}

func (r *memRepo) ListTransactionsByJob(ctx context.Context, jobID uuid.UUID) ([]domain.EscrowTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EscrowTransaction
	for _, tx := range r.txs {
		if tx.JobID == jobID {
			out = append(out, *copyTx(tx))
		}
	}
	return out, nil
}

func (r *memRepo) UpdateTransactionState(ctx context.Context, id uuid.UUID, expectedVersion int64, change store.StateChange) (*domain.EscrowTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdate != nil {
		return nil, r.failUpdate
	}
	tx, ok := r.txs[id]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	if tx.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}
	tx.State = change.ToState
	tx.Version++
	tx.UpdatedAt = time.Now().UTC()
	if change.ProcessorReference != nil {
		ref := *change.ProcessorReference
		tx.ProcessorReference = &ref
		r.byRef[ref] = id
	}
	r.history[id] = append(r.history[id], domain.StateChangeRecord{
		TransactionID: id,
		FromState:     change.FromState,
		ToState:       change.ToState,
		Reason:        change.Reason,
		CausedBy:      change.CausedBy,
		OccurredAt:    tx.UpdatedAt,
	})
	return copyTx(tx), nil
}

func (r *memRepo) GetStateHistory(ctx context.Context, id uuid.UUID) ([]domain.StateChangeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.StateChangeRecord(nil), r.history[id]...), nil
}

func (r *memRepo) MarkEventProcessed(ctx context.Context, eventID string, eventType domain.EventType, receivedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processed[eventID] {
		return false, nil
	}
	r.processed[eventID] = true
	return true, nil
}

func (r *memRepo) UnmarkEventProcessed(ctx context.Context, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processed, eventID)
	return nil
}

func (r *memRepo) PurgeProcessedEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purged = true
	return 0, nil
}

func (r *memRepo) ListStuckTransactions(ctx context.Context, cutoff time.Time, limit int) ([]domain.EscrowTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EscrowTransaction
	for _, tx := range r.txs {
		if tx.State.IsTransient() && tx.UpdatedAt.Before(cutoff) {
			out = append(out, *copyTx(tx))
		}
	}
	return out, nil
}

// gatewayStub is a configurable processor gateway.
type gatewayStub struct {
	mu sync.Mutex

	intentErr   error
	captureErr  error
	transferErr error
	refundErr   error
	statusErr   error

	intentID string
	status   string

	intentCalls   int
	captureCalls  int
	transferCalls int
	refundCalls   int
	statusCalls   int

	lastIdempotencyKey string
	lastTransfer       processor.TransferRequest
	lastRefund         processor.RefundRequest
}

func (g *gatewayStub) CreateIntent(ctx context.Context, idempotencyKey string, req processor.IntentRequest) (*processor.OperationResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intentCalls++
	g.lastIdempotencyKey = idempotencyKey
	if g.intentErr != nil {
		return nil, g.intentErr
	}
	id := g.intentID
	if id == "" {
		id = "pi_test"
	}
	return &processor.OperationResponse{ID: id, Status: "requires_confirmation"}, nil
}

func (g *gatewayStub) CaptureHold(ctx context.Context, idempotencyKey, intentID string, req processor.CaptureRequest) (*processor.OperationResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captureCalls++
	g.lastIdempotencyKey = idempotencyKey
	if g.captureErr != nil {
		return nil, g.captureErr
	}
	return &processor.OperationResponse{ID: intentID, Status: "held"}, nil
}

func (g *gatewayStub) CreateTransfer(ctx context.Context, idempotencyKey, intentID string, req processor.TransferRequest) (*processor.OperationResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transferCalls++
	g.lastIdempotencyKey = idempotencyKey
	g.lastTransfer = req
	if g.transferErr != nil {
		return nil, g.transferErr
	}
	return &processor.OperationResponse{ID: "tr_test", Status: "processing"}, nil
}

func (g *gatewayStub) CreateRefund(ctx context.Context, idempotencyKey, intentID string, req processor.RefundRequest) (*processor.OperationResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	g.lastRefund = req
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &processor.OperationResponse{ID: "re_test", Status: "processing"}, nil
}

func (g *gatewayStub) GetPaymentStatus(ctx context.Context, intentID string) (*processor.StatusResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCalls++
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	return &processor.StatusResponse{ID: intentID, Status: g.status}, nil
}

// publisherStub records emitted events.
type publisherStub struct {
	mu        sync.Mutex
	published []string // routing keys in order
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, routingKey)
	return nil
}

func (p *publisherStub) Close() {}

func newTestService(repo *memRepo, gateway *gatewayStub, publisher *publisherStub) *Service {
	return NewService(repo, gateway, publisher, ServiceConfig{
		FeeSchedule:  FeeSchedule{PercentBps: 500},
		Currency:     "GBP",
		StuckTimeout: time.Minute,
	})
}

// seedTransaction inserts a transaction in the given state with a processor
// reference already attached.
func seedTransaction(t *testing.T, repo *memRepo, state domain.State) *domain.EscrowTransaction {
	t.Helper()
	ref := "pi_seed_" + uuid.NewString()[:8]
	tx := &domain.EscrowTransaction{
		ID:                 uuid.New(),
		JobID:              uuid.New(),
		PayerID:            uuid.New(),
		PayeeID:            uuid.New(),
		GrossAmount:        domain.Money{Amount: 10000, Currency: "GBP"},
		PlatformFee:        domain.Money{Amount: 500, Currency: "GBP"},
		NetAmount:          domain.Money{Amount: 9500, Currency: "GBP"},
		State:              state,
		ProcessorReference: &ref,
		IdempotencyKey:     "job:" + uuid.NewString(),
		Version:            3,
		CreatedAt:          time.Now().UTC().Add(-time.Hour),
		UpdatedAt:          time.Now().UTC().Add(-time.Hour),
	}
	repo.mu.Lock()
	repo.txs[tx.ID] = copyTx(tx)
	repo.byKey[tx.IdempotencyKey] = tx.ID
	repo.byRef[ref] = tx.ID
	repo.mu.Unlock()
	return tx
}

func TestInitiatePayment_CreatesIntentAndTransitions(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{intentID: "pi_abc"}
	publisher := &publisherStub{}
	service := newTestService(repo, gateway, publisher)

	payerID := uuid.New()
	tx, err := service.InitiatePayment(context.Background(), payerID, domain.InitiatePaymentRequest{
		JobID:    uuid.New(),
		PayeeID:  uuid.New(),
		Amount:   10000,
		Currency: "GBP",
	})
	if err != nil {
		t.Fatalf("InitiatePayment returned error: %v", err)
	}
	if tx.State != domain.StateIntentPending {
		t.Fatalf("expected INTENT_PENDING, got %s", tx.State)
	}
	if tx.ProcessorReference == nil || *tx.ProcessorReference != "pi_abc" {
		t.Fatalf("expected processor reference pi_abc, got %v", tx.ProcessorReference)
	}
	if tx.PlatformFee.Amount != 500 || tx.NetAmount.Amount != 9500 {
		t.Fatalf("unexpected fee split: fee=%d net=%d", tx.PlatformFee.Amount, tx.NetAmount.Amount)
	}
	if gateway.intentCalls != 1 {
		t.Fatalf("expected one intent call, got %d", gateway.intentCalls)
	}
}

func TestInitiatePayment_IdempotentReplayReturnsExisting(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{}
	service := newTestService(repo, gateway, &publisherStub{})

	payerID := uuid.New()
	req := domain.InitiatePaymentRequest{
		JobID:          uuid.New(),
		PayeeID:        uuid.New(),
		Amount:         10000,
		Currency:       "GBP",
		IdempotencyKey: "idem-1",
	}

	first, err := service.InitiatePayment(context.Background(), payerID, req)
	if err != nil {
		t.Fatalf("first InitiatePayment returned error: %v", err)
	}
	second, err := service.InitiatePayment(context.Background(), payerID, req)
	if err != nil {
		t.Fatalf("second InitiatePayment returned error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same transaction for replay, got %s and %s", first.ID, second.ID)
	}
	if gateway.intentCalls != 1 {
		t.Fatalf("expected one intent call for two identical requests, got %d", gateway.intentCalls)
	}
	if len(repo.txs) != 1 {
		t.Fatalf("expected exactly one stored transaction, got %d", len(repo.txs))
	}
}

func TestInitiatePayment_ConflictingReplayRejected(t *testing.T) {
	repo := newMemRepo()
	service := newTestService(repo, &gatewayStub{}, &publisherStub{})

	payerID := uuid.New()
	req := domain.InitiatePaymentRequest{
		JobID:          uuid.New(),
		PayeeID:        uuid.New(),
		Amount:         10000,
		Currency:       "GBP",
		IdempotencyKey: "idem-2",
	}
	if _, err := service.InitiatePayment(context.Background(), payerID, req); err != nil {
		t.Fatalf("first InitiatePayment returned error: %v", err)
	}

	req.Amount = 20000
	_, err := service.InitiatePayment(context.Background(), payerID, req)
	if !errors.Is(err, store.ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestInitiatePayment_Validation(t *testing.T) {
	service := newTestService(newMemRepo(), &gatewayStub{}, &publisherStub{})
	payerID := uuid.New()

	cases := []domain.InitiatePaymentRequest{
		{JobID: uuid.New(), PayeeID: uuid.New(), Amount: 0, Currency: "GBP"},
		{JobID: uuid.New(), PayeeID: uuid.New(), Amount: -5, Currency: "GBP"},
		{JobID: uuid.New(), PayeeID: uuid.New(), Amount: 100, Currency: "USD"},
		{JobID: uuid.Nil, PayeeID: uuid.New(), Amount: 100, Currency: "GBP"},
		{JobID: uuid.New(), PayeeID: payerID, Amount: 100, Currency: "GBP"},
	}
	for i, req := range cases {
		if _, err := service.InitiatePayment(context.Background(), payerID, req); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestInitiatePayment_AmbiguousIntentLeavesCreated(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{intentErr: &processor.Error{Category: processor.CategoryUnknown, Title: "timeout"}}
	service := newTestService(repo, gateway, &publisherStub{})

	tx, err := service.InitiatePayment(context.Background(), uuid.New(), domain.InitiatePaymentRequest{
		JobID:    uuid.New(),
		PayeeID:  uuid.New(),
		Amount:   10000,
		Currency: "GBP",
	})
	if err != nil {
		t.Fatalf("expected ambiguous initiation to succeed softly, got %v", err)
	}
	if tx.State != domain.StateCreated {
		t.Fatalf("expected transaction to stay CREATED, got %s", tx.State)
	}
}

func TestConfirmPayment_CapturesIntoEscrow(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{}
	service := newTestService(repo, gateway, &publisherStub{})

	seeded := seedTransaction(t, repo, domain.StateAuthorized)
	tx, err := service.ConfirmPayment(context.Background(), seeded.PayerID, seeded.ID)
	if err != nil {
		t.Fatalf("ConfirmPayment returned error: %v", err)
	}
	if tx.State != domain.StateHeld {
		t.Fatalf("expected HELD, got %s", tx.State)
	}
	if gateway.captureCalls != 1 {
		t.Fatalf("expected one capture call, got %d", gateway.captureCalls)
	}
}

func TestConfirmPayment_RejectsNonPayer(t *testing.T) {
	repo := newMemRepo()
	service := newTestService(repo, &gatewayStub{}, &publisherStub{})

	seeded := seedTransaction(t, repo, domain.StateAuthorized)
	if _, err := service.ConfirmPayment(context.Background(), uuid.New(), seeded.ID); !errors.Is(err, ErrNotPayer) {
		t.Fatalf("expected ErrNotPayer, got %v", err)
	}
}

func TestConfirmPayment_DeclinedCaptureFailsTransaction(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{captureErr: &processor.Error{Category: processor.CategoryDeclined, Title: "card declined"}}
	publisher := &publisherStub{}
	service := newTestService(repo, gateway, publisher)

	seeded := seedTransaction(t, repo, domain.StateAuthorized)
	_, err := service.ConfirmPayment(context.Background(), seeded.PayerID, seeded.ID)
	if err == nil {
		t.Fatal("expected error for declined capture")
	}

	stored, _ := repo.GetTransaction(context.Background(), seeded.ID)
	if stored.State != domain.StateFailed {
		t.Fatalf("expected FAILED, got %s", stored.State)
	}
	if len(publisher.published) != 1 || publisher.published[0] != routingKeyFailed {
		t.Fatalf("expected one %s event, got %v", routingKeyFailed, publisher.published)
	}
}

func TestConfirmPayment_PendingIntentAdvancesFromStatusQuery(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{status: "authorized"}
	service := newTestService(repo, gateway, &publisherStub{})

	seeded := seedTransaction(t, repo, domain.StateIntentPending)
	tx, err := service.ConfirmPayment(context.Background(), seeded.PayerID, seeded.ID)
	if err != nil {
		t.Fatalf("ConfirmPayment returned error: %v", err)
	}
	if tx.State != domain.StateHeld {
		t.Fatalf("expected capture to proceed after status confirmation, got %s", tx.State)
	}
	if gateway.statusCalls != 1 || gateway.captureCalls != 1 {
		t.Fatalf("expected status then capture, got status=%d capture=%d", gateway.statusCalls, gateway.captureCalls)
	}
}

func TestReleaseFunds_MovesToReleasingAndCreatesTransfer(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{}
	service := newTestService(repo, gateway, &publisherStub{})

	seeded := seedTransaction(t, repo, domain.StateHeld)
	tx, err := service.ReleaseFunds(context.Background(), seeded.ID, "api:release_funds")
	if err != nil {
		t.Fatalf("ReleaseFunds returned error: %v", err)
	}
	if tx.State != domain.StateReleasing {
		t.Fatalf("expected RELEASING, got %s", tx.State)
	}
	if gateway.transferCalls != 1 {
		t.Fatalf("expected one transfer call, got %d", gateway.transferCalls)
	}
	if gateway.lastTransfer.Amount != seeded.NetAmount.Amount {
		t.Fatalf("expected transfer of net amount %d, got %d", seeded.NetAmount.Amount, gateway.lastTransfer.Amount)
	}
}

func TestReleaseFunds_AlreadyReleasingIsNoOp(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{}
	service := newTestService(repo, gateway, &publisherStub{})

	seeded := seedTransaction(t, repo, domain.StateReleasing)
	tx, err := service.ReleaseFunds(context.Background(), seeded.ID, "api:release_funds")
	if err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
	if tx.State != domain.StateReleasing {
		t.Fatalf("expected RELEASING, got %s", tx.State)
	}
	if gateway.transferCalls != 0 {
		t.Fatalf("expected no transfer call for already-releasing transaction, got %d", gateway.transferCalls)
	}
}

func TestReleaseFunds_ConcurrentCallsSingleTransfer(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{}
	service := newTestService(repo, gateway, &publisherStub{})

	seeded := seedTransaction(t, repo, domain.StateHeld)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = service.ReleaseFunds(context.Background(), seeded.ID, "api:release_funds")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d returned error: %v", i, err)
		}
	}
	if gateway.transferCalls != 1 {
		t.Fatalf("expected exactly one transfer across concurrent releases, got %d", gateway.transferCalls)
	}
	stored, _ := repo.GetTransaction(context.Background(), seeded.ID)
	if stored.State != domain.StateReleasing {
		t.Fatalf("expected RELEASING, got %s", stored.State)
	}
}

func TestReleaseFunds_DeclinedTransferRevertsToHeld(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{transferErr: &processor.Error{Category: processor.CategoryDeclined, Title: "payout blocked"}}
	service := newTestService(repo, gateway, &publisherStub{})

	seeded := seedTransaction(t, repo, domain.StateHeld)
	_, err := service.ReleaseFunds(context.Background(), seeded.ID, "api:release_funds")
	if err == nil {
		t.Fatal("expected error for declined transfer")
	}

	stored, _ := repo.GetTransaction(context.Background(), seeded.ID)
	if stored.State != domain.StateHeld {
		t.Fatalf("expected revert to HELD, got %s", stored.State)
	}
}

func TestReleaseFunds_AmbiguousTransferStaysReleasing(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{transferErr: &processor.Error{Category: processor.CategoryUnknown, Title: "timeout"}}
	service := newTestService(repo, gateway, &publisherStub{})

	seeded := seedTransaction(t, repo, domain.StateHeld)
	tx, err := service.ReleaseFunds(context.Background(), seeded.ID, "api:release_funds")
	if err != nil {
		t.Fatalf("expected soft success, got %v", err)
	}
	if tx.State != domain.StateReleasing {
		t.Fatalf("expected transaction left RELEASING for the sweep, got %s", tx.State)
	}
}

func TestRefundFunds_RefundsGrossAmount(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{}
	service := newTestService(repo, gateway, &publisherStub{})

	seeded := seedTransaction(t, repo, domain.StateHeld)
	tx, err := service.RefundFunds(context.Background(), seeded.ID, "api:refund_funds")
	if err != nil {
		t.Fatalf("RefundFunds returned error: %v", err)
	}
	if tx.State != domain.StateRefunding {
		t.Fatalf("expected REFUNDING, got %s", tx.State)
	}
	if gateway.lastRefund.Amount != seeded.GrossAmount.Amount {
		t.Fatalf("expected refund of gross %d, got %d", seeded.GrossAmount.Amount, gateway.lastRefund.Amount)
	}
}

func TestResolveDispute_FavorPayeeStartsRelease(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{}
	service := newTestService(repo, gateway, &publisherStub{})

	seeded := seedTransaction(t, repo, domain.StateDisputed)
	tx, err := service.ResolveDispute(context.Background(), seeded.ID, true, "operator:dispute_resolution")
	if err != nil {
		t.Fatalf("ResolveDispute returned error: %v", err)
	}
	if tx.State != domain.StateReleasing {
		t.Fatalf("expected RELEASING, got %s", tx.State)
	}
	if gateway.transferCalls != 1 {
		t.Fatalf("expected one transfer call, got %d", gateway.transferCalls)
	}
}

func TestStartPayout_RejectsDisputedTransaction(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{}
	service := newTestService(repo, gateway, &publisherStub{})

	seeded := seedTransaction(t, repo, domain.StateDisputed)

	if _, err := service.RefundFunds(context.Background(), seeded.ID, "api:refund_funds"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for refund of disputed transaction, got %v", err)
	}
	if _, err := service.ReleaseFunds(context.Background(), seeded.ID, "api:release_funds"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for release of disputed transaction, got %v", err)
	}
	if gateway.transferCalls != 0 || gateway.refundCalls != 0 {
		t.Fatalf("disputed transaction reached the processor: transfers=%d refunds=%d", gateway.transferCalls, gateway.refundCalls)
	}

	stored, _ := repo.GetTransaction(context.Background(), seeded.ID)
	if stored.State != domain.StateDisputed {
		t.Fatalf("expected transaction to stay DISPUTED, got %s", stored.State)
	}
}

func TestResolveDispute_RejectsUndisputedTransaction(t *testing.T) {
	repo := newMemRepo()
	service := newTestService(repo, &gatewayStub{}, &publisherStub{})

	seeded := seedTransaction(t, repo, domain.StateHeld)
	if _, err := service.ResolveDispute(context.Background(), seeded.ID, false, "operator:dispute_resolution"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRecordProcessorResult_StaleVersionNeverMutates(t *testing.T) {
	repo := newMemRepo()
	service := newTestService(repo, &gatewayStub{}, &publisherStub{})

	seeded := seedTransaction(t, repo, domain.StateReleasing)
	_, err := service.RecordProcessorResult(context.Background(), seeded.ID, seeded.Version-1, domain.StateReleased, "test", "test")
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}

	stored, _ := repo.GetTransaction(context.Background(), seeded.ID)
	if stored.State != domain.StateReleasing || stored.Version != seeded.Version {
		t.Fatalf("stale write mutated state: state=%s version=%d", stored.State, stored.Version)
	}
}

func TestTerminalTransitionEmitsEventOnce(t *testing.T) {
	repo := newMemRepo()
	publisher := &publisherStub{}
	service := newTestService(repo, &gatewayStub{}, publisher)

	seeded := seedTransaction(t, repo, domain.StateReleasing)
	if _, err := service.RecordProcessorResult(context.Background(), seeded.ID, seeded.Version, domain.StateReleased, "transfer paid", "webhook:transfer.paid"); err != nil {
		t.Fatalf("RecordProcessorResult returned error: %v", err)
	}
	// A repeat with the same expected version loses the CAS and must not
	// publish a second event.
	if _, err := service.RecordProcessorResult(context.Background(), seeded.ID, seeded.Version, domain.StateReleased, "transfer paid", "webhook:transfer.paid"); !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict on replay, got %v", err)
	}

	if len(publisher.published) != 1 || publisher.published[0] != routingKeyReleased {
		t.Fatalf("expected exactly one %s event, got %v", routingKeyReleased, publisher.published)
	}
}

func TestReleaseForJob_ReleasesHeldTransactions(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{}
	service := newTestService(repo, gateway, &publisherStub{})

	seeded := seedTransaction(t, repo, domain.StateHeld)
	if err := service.ReleaseForJob(context.Background(), seeded.JobID, "consumer:job.completed"); err != nil {
		t.Fatalf("ReleaseForJob returned error: %v", err)
	}
	stored, _ := repo.GetTransaction(context.Background(), seeded.ID)
	if stored.State != domain.StateReleasing {
		t.Fatalf("expected RELEASING, got %s", stored.State)
	}
	if gateway.transferCalls != 1 {
		t.Fatalf("expected one transfer, got %d", gateway.transferCalls)
	}
}
