/**
 * @description
 * This package provides the client for the external payment processor. It
 * encapsulates the four abstract operations the escrow engine needs (create
 * intent, capture/hold, transfer, refund) plus the authoritative status query
 * used by the reconciliation sweep, and translates processor failures into the
 * three categories the state machine understands.
 *
 * @notes
 * - Every outbound call carries an Idempotency-Key header derived from the
 *   transaction's key and the operation name, so processor-side retries of the
 *   same logical operation never create duplicate charges. This is the
 *   adapter's core safety property and must survive a processor swap.
 * - Network errors and 5xx responses are retried with exponential backoff up
 *   to a bounded attempt count, then escalated to CategoryUnknown: after a
 *   timeout the request may or may not have reached the processor, and
 *   guessing risks double charges. The reconciliation sweep resolves Unknown.
 */

package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Category classifies a processor failure for the state machine.
type Category string

const (
	// CategoryRetryable marks transient failures (network, 5xx, 429); the
	// transaction stays in its current transient state.
	CategoryRetryable Category = "retryable"
	// CategoryDeclined marks an explicit processor rejection.
	CategoryDeclined Category = "declined"
	// CategoryUnknown marks an ambiguous outcome (timeout, no confirmed
	// response); the transaction is left for the reconciliation sweep.
	CategoryUnknown Category = "unknown"
)

// Error is a categorized processor failure.
type Error struct {
	Category   Category
	StatusCode int
	Title      string
	Detail     string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("processor error (%s): %s - %s", e.Category, e.Title, e.Detail)
	}
	return fmt.Sprintf("processor error (%s): %s", e.Category, e.Title)
}

// Client is a client for the payment processor API.
type Client struct {
	BaseURL     string
	APIKey      string
	HTTPClient  *http.Client
	maxAttempts int
	backoffBase time.Duration
}

// NewClient creates a new processor API client. requestTimeout bounds each
// individual HTTP attempt.
func NewClient(baseURL, apiKey string, requestTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: requestTimeout,
		},
		maxAttempts: 3,
		backoffBase: 250 * time.Millisecond,
	}
}

// IntentRequest is the payload for creating a payment intent.
type IntentRequest struct {
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	PayerRef  string `json:"payer_reference"`
	Statement string `json:"statement_descriptor,omitempty"`
}

// CaptureRequest finalizes an authorized intent into a held charge.
type CaptureRequest struct {
	Amount int64 `json:"amount"`
}

// TransferRequest pays held funds out to the payee.
type TransferRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	PayeeRef string `json:"payee_reference"`
}

// RefundRequest returns held funds to the payer.
type RefundRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// OperationResponse is the processor's reply to any money-movement operation.
type OperationResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// StatusResponse is the processor's authoritative view of a charge, queried by
// the reconciliation sweep for transactions stuck in a transient state.
type StatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"` // requires_confirmation, authorized, held, transferred, refunded, failed, disputed
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreateIntent registers a new payment intent for the payer.
func (c *Client) CreateIntent(ctx context.Context, idempotencyKey string, req IntentRequest) (*OperationResponse, error) {
	return c.doOperation(ctx, http.MethodPost, "/v1/intents", idempotencyKey+":intent", req)
}

// CaptureHold captures an authorized intent, moving the funds into escrow.
func (c *Client) CaptureHold(ctx context.Context, idempotencyKey, intentID string, req CaptureRequest) (*OperationResponse, error) {
	return c.doOperation(ctx, http.MethodPost, "/v1/intents/"+intentID+"/capture", idempotencyKey+":capture", req)
}

// CreateTransfer pays the net amount of a held charge out to the payee.
func (c *Client) CreateTransfer(ctx context.Context, idempotencyKey, intentID string, req TransferRequest) (*OperationResponse, error) {
	return c.doOperation(ctx, http.MethodPost, "/v1/intents/"+intentID+"/transfers", idempotencyKey+":transfer", req)
}

// CreateRefund returns the gross amount of a held charge to the payer.
func (c *Client) CreateRefund(ctx context.Context, idempotencyKey, intentID string, req RefundRequest) (*OperationResponse, error) {
	return c.doOperation(ctx, http.MethodPost, "/v1/intents/"+intentID+"/refunds", idempotencyKey+":refund", req)
}

// GetPaymentStatus queries the processor's authoritative state for a charge.
func (c *Client) GetPaymentStatus(ctx context.Context, intentID string) (*StatusResponse, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/intents/"+intentID, "", nil)
	if err != nil {
		return nil, err
	}
	var status StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &status, nil
}

func (c *Client) doOperation(ctx context.Context, method, path, idempotencyKey string, payload interface{}) (*OperationResponse, error) {
	body, err := c.do(ctx, method, path, idempotencyKey, payload)
	if err != nil {
		return nil, err
	}
	var resp OperationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode operation response: %w", err)
	}
	return &resp, nil
}

// do executes one processor request with bounded retries for retryable
// failures. The idempotency key makes the retries safe.
func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, payload interface{}) ([]byte, error) {
	var reqBody []byte
	if payload != nil {
		var err error
		reqBody, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal processor request: %w", err)
		}
	}

	var lastErr *Error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		body, opErr := c.doOnce(ctx, method, path, idempotencyKey, reqBody)
		if opErr == nil {
			return body, nil
		}

		var procErr *Error
		if !errors.As(opErr, &procErr) {
			return nil, opErr
		}
		if procErr.Category != CategoryRetryable {
			return nil, procErr
		}
		lastErr = procErr

		if attempt < c.maxAttempts {
			backoff := c.backoffBase * time.Duration(1<<(attempt-1))
			log.Printf("level=warn component=processor_client op=%s attempt=%d msg=\"retryable failure; backing off\" backoff=%s err=%v", path, attempt, backoff, procErr)
			select {
			case <-ctx.Done():
				return nil, &Error{Category: CategoryUnknown, Title: "request cancelled during retry", Detail: ctx.Err().Error()}
			case <-time.After(backoff):
			}
		}
	}

	// Retries exhausted: the operation may have been accepted on an attempt
	// whose response was lost, so the outcome is ambiguous.
	return nil, &Error{
		Category:   CategoryUnknown,
		StatusCode: lastErr.StatusCode,
		Title:      "retries exhausted",
		Detail:     lastErr.Detail,
	}
}

func (c *Client) doOnce(ctx context.Context, method, path, idempotencyKey string, reqBody []byte) ([]byte, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build processor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			// The request may have reached the processor; never assume failure.
			return nil, &Error{Category: CategoryUnknown, Title: "no confirmed response", Detail: err.Error()}
		}
		return nil, &Error{Category: CategoryRetryable, Title: "network error", Detail: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Category: CategoryUnknown, Title: "response read failed", Detail: err.Error()}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{
			Category:   CategoryRetryable,
			StatusCode: resp.StatusCode,
			Title:      "processor unavailable",
			Detail:     errorDetail(respBody),
		}
	default:
		return nil, &Error{
			Category:   CategoryDeclined,
			StatusCode: resp.StatusCode,
			Title:      "processor declined",
			Detail:     errorDetail(respBody),
		}
	}
}

func errorDetail(body []byte) string {
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Message == "" {
		return string(body)
	}
	if parsed.Code != "" {
		return fmt.Sprintf("%s: %s", parsed.Code, parsed.Message)
	}
	return parsed.Message
}

func isTimeout(err error) bool {
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}
