package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/homeline/escrow-service/internal/domain"
	"github.com/homeline/escrow-service/internal/store"
)

type handlerRepoStub struct {
	store.Repository

	tx      *domain.EscrowTransaction
	created bool

	updateCalled bool
}

func (s *handlerRepoStub) CreateTransaction(ctx context.Context, tx *domain.EscrowTransaction) (*domain.EscrowTransaction, bool, error) {
	if s.tx != nil {
		return s.tx, false, nil
	}
	s.tx = tx
	s.created = true
	return tx, true, nil
}

func (s *handlerRepoStub) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.EscrowTransaction, error) {
	if s.tx == nil || s.tx.ID != id {
		return nil, store.ErrTransactionNotFound
	}
	return s.tx, nil
}

func (s *handlerRepoStub) GetStateHistory(ctx context.Context, id uuid.UUID) ([]domain.StateChangeRecord, error) {
	return nil, nil
}

func (s *handlerRepoStub) UpdateTransactionState(ctx context.Context, id uuid.UUID, expectedVersion int64, change store.StateChange) (*domain.EscrowTransaction, error) {
	s.updateCalled = true
	updated := *s.tx
	updated.State = change.ToState
	updated.Version++
	if change.ProcessorReference != nil {
		updated.ProcessorReference = change.ProcessorReference
	}
	s.tx = &updated
	return &updated, nil
}

// authedRequest builds a request carrying an authenticated user id and,
// optionally, a chi route param.
func authedRequest(method, target string, body []byte, userID uuid.UUID, paramKey, paramValue string) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	ctx := context.WithValue(req.Context(), authenticatedUserIDKey, userID.String())
	if paramKey != "" {
		routeCtx := chi.NewRouteContext()
		routeCtx.URLParams.Add(paramKey, paramValue)
		ctx = context.WithValue(ctx, chi.RouteCtxKey, routeCtx)
	}
	return req.WithContext(ctx)
}

func TestInitiatePaymentHandler_CreatesTransaction(t *testing.T) {
	repo := &handlerRepoStub{}
	handlers := NewEscrowHandlers(webhookTestService(repo))

	payerID := uuid.New()
	body, _ := json.Marshal(domain.InitiatePaymentRequest{
		JobID:    uuid.New(),
		PayeeID:  uuid.New(),
		Amount:   15000,
		Currency: "GBP",
	})
	req := authedRequest(http.MethodPost, "/payments/intents", body, payerID, "", "")
	rec := httptest.NewRecorder()
	handlers.InitiatePaymentHandler(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if !repo.created {
		t.Fatal("expected a transaction to be stored")
	}

	var resp transactionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp.GrossAmount != 15000 || resp.PlatformFee != 750 || resp.NetAmount != 14250 {
		t.Fatalf("unexpected amounts: gross=%d fee=%d net=%d", resp.GrossAmount, resp.PlatformFee, resp.NetAmount)
	}
	if resp.State != string(domain.StateIntentPending) {
		t.Fatalf("expected INTENT_PENDING, got %s", resp.State)
	}
}

func TestInitiatePaymentHandler_RejectsInvalidAmount(t *testing.T) {
	handlers := NewEscrowHandlers(webhookTestService(&handlerRepoStub{}))

	body, _ := json.Marshal(domain.InitiatePaymentRequest{
		JobID:    uuid.New(),
		PayeeID:  uuid.New(),
		Amount:   0,
		Currency: "GBP",
	})
	req := authedRequest(http.MethodPost, "/payments/intents", body, uuid.New(), "", "")
	rec := httptest.NewRecorder()
	handlers.InitiatePaymentHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestReleaseFundsHandler_ForbidsNonPayer(t *testing.T) {
	ref := "pi_1"
	repo := &handlerRepoStub{
		tx: &domain.EscrowTransaction{
			ID:                 uuid.New(),
			PayerID:            uuid.New(),
			State:              domain.StateHeld,
			ProcessorReference: &ref,
			Version:            2,
		},
	}
	handlers := NewEscrowHandlers(webhookTestService(repo))

	req := authedRequest(http.MethodPost, "/payments/intents/"+repo.tx.ID.String()+"/release", nil, uuid.New(), "id", repo.tx.ID.String())
	rec := httptest.NewRecorder()
	handlers.ReleaseFundsHandler(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if repo.updateCalled {
		t.Fatal("forbidden request must not mutate the transaction")
	}
}

func TestReleaseFundsHandler_AcceptsPayerRequest(t *testing.T) {
	ref := "pi_1"
	payerID := uuid.New()
	repo := &handlerRepoStub{
		tx: &domain.EscrowTransaction{
			ID:                 uuid.New(),
			PayerID:            payerID,
			NetAmount:          domain.Money{Amount: 9500, Currency: "GBP"},
			GrossAmount:        domain.Money{Amount: 10000, Currency: "GBP"},
			State:              domain.StateHeld,
			ProcessorReference: &ref,
			Version:            2,
		},
	}
	handlers := NewEscrowHandlers(webhookTestService(repo))

	req := authedRequest(http.MethodPost, "/payments/intents/"+repo.tx.ID.String()+"/release", nil, payerID, "id", repo.tx.ID.String())
	rec := httptest.NewRecorder()
	handlers.ReleaseFundsHandler(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp transactionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp.State != string(domain.StateReleasing) {
		t.Fatalf("expected RELEASING, got %s", resp.State)
	}
}

func TestGetTransactionHandler_NotFound(t *testing.T) {
	handlers := NewEscrowHandlers(webhookTestService(&handlerRepoStub{}))

	id := uuid.New()
	req := authedRequest(http.MethodGet, "/payments/intents/"+id.String(), nil, uuid.New(), "id", id.String())
	rec := httptest.NewRecorder()
	handlers.GetTransactionHandler(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestResolveDisputeHandler_RejectsUnknownOutcome(t *testing.T) {
	handlers := NewEscrowHandlers(webhookTestService(&handlerRepoStub{}))

	id := uuid.New()
	body := []byte(`{"outcome":"split"}`)
	req := authedRequest(http.MethodPost, "/internal/disputes/"+id.String()+"/resolve", body, uuid.New(), "id", id.String())
	rec := httptest.NewRecorder()
	handlers.ResolveDisputeHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestInternalAuthMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := InternalAuthMiddleware("sekret")(next)

	req := httptest.NewRequest(http.MethodPost, "/internal/reconcile", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/reconcile", nil)
	req.Header.Set("X-Internal-Api-Key", "sekret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with key, got %d", rec.Code)
	}
}
