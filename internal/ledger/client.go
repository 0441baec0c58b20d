package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxjournal/purchases/internal/circuitbreaker"
	"github.com/voxjournal/purchases/internal/config"
	apperrors "github.com/voxjournal/purchases/internal/errors"
	"github.com/voxjournal/purchases/internal/httputil"
	"github.com/voxjournal/purchases/internal/logger"
	"github.com/voxjournal/purchases/internal/metrics"
	"github.com/voxjournal/purchases/internal/store"
)

const (
	pathCreatePending  = "/payments/create-pending"
	pathPurchaseEvent  = "/payments/purchase-event"
	pathVerifyPurchase = "/payments/verify-purchase"
)

// Client talks to the backend ledger. It covers the three reconciliation
// calls: pending-payment registration, purchase submission, and purchase
// verification. Calls are breaker-guarded; retry policy lives with the
// coordinator, not here.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *circuitbreaker.Manager
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewClient creates a ledger client from configuration.
func NewClient(cfg config.LedgerConfig, breaker *circuitbreaker.Manager, m *metrics.Metrics, log zerolog.Logger) *Client {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: httputil.NewClient(timeout),
		breaker:    breaker,
		metrics:    m,
		logger:     log,
	}
}

// RegisterPending registers an intent-to-pay record before submission. The
// amount comes from the fixed pricing table, never from UI input; the
// backend re-derives it and rejects mismatches.
func (c *Client) RegisterPending(ctx context.Context, productID string, amount int64) (PendingPayment, error) {
	var resp createPendingResponse
	err := c.post(ctx, pathCreatePending, createPendingRequest{
		ProductID: productID,
		Amount:    amount,
	}, &resp, apperrors.CodeBackendRejected)
	if err != nil {
		return PendingPayment{}, err
	}

	return PendingPayment{
		ID:        resp.PendingPaymentID,
		ProductID: productID,
		Amount:    amount,
		Status:    PendingStatus(resp.Status),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// SubmitPurchase sends the receipt to be matched against its pending payment
// and credited. Safe to retry: the backend is idempotent on purchase token.
func (c *Client) SubmitPurchase(ctx context.Context, receipt store.Receipt) (CreditResult, error) {
	var resp purchaseEventResponse
	err := c.post(ctx, pathPurchaseEvent, purchaseEventRequest{
		PurchaseToken: receipt.PurchaseToken,
		OrderID:       receipt.OrderID,
		PackageName:   receipt.PackageName,
		ProductID:     receipt.ProductID,
	}, &resp, apperrors.CodeBackendRejected)
	if err != nil {
		return CreditResult{}, err
	}

	if resp.AlreadyProcessed {
		c.logger.Debug().
			Str("purchase_token", logger.TruncateToken(receipt.PurchaseToken)).
			Msg("ledger.purchase_already_processed")
	}

	return CreditResult{
		Credited:         resp.Credited,
		CreditedAmount:   resp.CreditedAmount,
		AlreadyProcessed: resp.AlreadyProcessed,
	}, nil
}

// Verify confirms purchase or subscription authenticity and entitlement
// status. An invalid receipt fails with verification_failure, distinct from
// network_error, so callers can tell "retry later" from "this is bad".
func (c *Client) Verify(ctx context.Context, purchaseToken, productID, packageName string, isSubscription bool) (VerificationResult, error) {
	var resp verifyPurchaseResponse
	err := c.post(ctx, pathVerifyPurchase, verifyPurchaseRequest{
		PurchaseToken:  purchaseToken,
		ProductID:      productID,
		PackageName:    packageName,
		IsSubscription: isSubscription,
	}, &resp, apperrors.CodeVerificationFailure)
	if err != nil {
		return VerificationResult{}, err
	}

	if !resp.Valid {
		return VerificationResult{}, apperrors.Newf(apperrors.CodeVerificationFailure,
			"receipt for product %q judged invalid", productID)
	}

	return VerificationResult{Valid: true, ExpiresAt: resp.ExpiresAt}, nil
}

// post performs a breaker-guarded JSON POST. Transport failures and 5xx map
// to network_error (retryable); 4xx maps to the caller's semantic rejection
// code (terminal).
func (c *Client) post(ctx context.Context, path string, reqBody any, respOut any, rejectionCode apperrors.Code) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "marshal request", err)
	}

	start := time.Now()
	raw, err := c.breaker.Execute(circuitbreaker.ServiceLedgerAPI, func() (any, error) {
		return c.doRequest(ctx, path, payload, rejectionCode)
	})
	status := "ok"
	if err != nil {
		status = string(apperrors.CodeOf(err))
	}
	c.metrics.ObserveLedgerCall(path, status, time.Since(start))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(raw.([]byte), respOut); err != nil {
		return apperrors.Wrap(apperrors.CodeNetwork, "decode ledger response", err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, path string, payload []byte, rejectionCode apperrors.Code) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNetwork, "ledger request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNetwork, "read ledger response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, apperrors.New(rejectionCode, rejectionMessage(path, resp.StatusCode, body))
	default:
		return nil, apperrors.Newf(apperrors.CodeNetwork, "%s returned status %d", path, resp.StatusCode)
	}
}

func rejectionMessage(path string, status int, body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		return fmt.Sprintf("%s rejected (%d): %s", path, status, er.Error)
	}
	return fmt.Sprintf("%s rejected with status %d", path, status)
}
