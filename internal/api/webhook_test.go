package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/homeline/escrow-service/internal/app"
	"github.com/homeline/escrow-service/internal/domain"
	"github.com/homeline/escrow-service/internal/store"
	"github.com/homeline/escrow-service/pkg/processor"
)

type webhookRepoStub struct {
	store.Repository

	tx *domain.EscrowTransaction

	markCalled   bool
	updateCalled bool
}

func (s *webhookRepoStub) GetTransactionByProcessorReference(ctx context.Context, ref string) (*domain.EscrowTransaction, error) {
	if s.tx == nil || s.tx.ProcessorReference == nil || *s.tx.ProcessorReference != ref {
		return nil, store.ErrTransactionNotFound
	}
	return s.tx, nil
}

func (s *webhookRepoStub) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.EscrowTransaction, error) {
	if s.tx == nil || s.tx.ID != id {
		return nil, store.ErrTransactionNotFound
	}
	return s.tx, nil
}

func (s *webhookRepoStub) UpdateTransactionState(ctx context.Context, id uuid.UUID, expectedVersion int64, change store.StateChange) (*domain.EscrowTransaction, error) {
	s.updateCalled = true
	updated := *s.tx
	updated.State = change.ToState
	updated.Version++
	return &updated, nil
}

func (s *webhookRepoStub) MarkEventProcessed(ctx context.Context, eventID string, eventType domain.EventType, receivedAt time.Time) (bool, error) {
	s.markCalled = true
	return true, nil
}

func (s *webhookRepoStub) UnmarkEventProcessed(ctx context.Context, eventID string) error {
	return nil
}

type noopGateway struct{}

func (noopGateway) CreateIntent(ctx context.Context, idempotencyKey string, req processor.IntentRequest) (*processor.OperationResponse, error) {
	return &processor.OperationResponse{ID: "pi_noop"}, nil
}
func (noopGateway) CaptureHold(ctx context.Context, idempotencyKey, intentID string, req processor.CaptureRequest) (*processor.OperationResponse, error) {
	return &processor.OperationResponse{ID: intentID}, nil
}
func (noopGateway) CreateTransfer(ctx context.Context, idempotencyKey, intentID string, req processor.TransferRequest) (*processor.OperationResponse, error) {
	return &processor.OperationResponse{ID: "tr_noop"}, nil
}
func (noopGateway) CreateRefund(ctx context.Context, idempotencyKey, intentID string, req processor.RefundRequest) (*processor.OperationResponse, error) {
	return &processor.OperationResponse{ID: "re_noop"}, nil
}
func (noopGateway) GetPaymentStatus(ctx context.Context, intentID string) (*processor.StatusResponse, error) {
	return &processor.StatusResponse{ID: intentID, Status: "held"}, nil
}

const testWebhookSecret = "whsec_test"

func signedRequest(t *testing.T, body []byte, secret string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/payments/webhooks", bytes.NewReader(body))
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		req.Header.Set(SignatureHeader, hex.EncodeToString(mac.Sum(nil)))
	}
	return req
}

func webhookTestService(repo store.Repository) *app.Service {
	return app.NewService(repo, noopGateway{}, nil, app.ServiceConfig{
		FeeSchedule: app.FeeSchedule{PercentBps: 500},
		Currency:    "GBP",
	})
}

func TestWebhookHandler_RejectsInvalidSignature(t *testing.T) {
	repo := &webhookRepoStub{}
	handler := NewWebhookHandler(webhookTestService(repo), testWebhookSecret)

	body := []byte(`{"id":"evt_1","type":"transfer.paid","payment_reference":"pi_1"}`)
	req := signedRequest(t, body, "wrong-secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if repo.markCalled || repo.updateCalled {
		t.Fatal("a rejected delivery must have no side effects")
	}
}

func TestWebhookHandler_RejectsMissingSignature(t *testing.T) {
	repo := &webhookRepoStub{}
	handler := NewWebhookHandler(webhookTestService(repo), testWebhookSecret)

	body := []byte(`{"id":"evt_1","type":"transfer.paid","payment_reference":"pi_1"}`)
	req := signedRequest(t, body, "")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if repo.markCalled {
		t.Fatal("unsigned delivery must not touch the ledger")
	}
}

func TestWebhookHandler_AppliesValidEvent(t *testing.T) {
	ref := "pi_valid"
	repo := &webhookRepoStub{
		tx: &domain.EscrowTransaction{
			ID:                 uuid.New(),
			State:              domain.StateReleasing,
			ProcessorReference: &ref,
			Version:            2,
		},
	}
	handler := NewWebhookHandler(webhookTestService(repo), testWebhookSecret)

	body, _ := json.Marshal(map[string]string{
		"id":                "evt_valid",
		"type":              "transfer.paid",
		"payment_reference": ref,
	})
	req := signedRequest(t, body, testWebhookSecret)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !repo.updateCalled {
		t.Fatal("expected the event to commit a transition")
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp["disposition"] != string(app.DispositionApplied) {
		t.Fatalf("expected applied disposition, got %q", resp["disposition"])
	}
}

func TestWebhookHandler_MalformedJSONRejected(t *testing.T) {
	repo := &webhookRepoStub{}
	handler := NewWebhookHandler(webhookTestService(repo), testWebhookSecret)

	body := []byte(`{broken`)
	req := signedRequest(t, body, testWebhookSecret)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
