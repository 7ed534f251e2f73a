// Package provider talks to the external payment provider.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"settlement-service/internal/apperr"
	"settlement-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Normalized intent statuses reported by the provider
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusPending   = "pending"
)

// IntentStatus is the provider's view of a payment intent
type IntentStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

// Provider looks up payment intents at the payment provider
type Provider interface {
	GetIntentStatus(ctx context.Context, intentID string) (*IntentStatus, error)
}

// Client is the HTTP implementation of Provider
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new payment provider client
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     util.GetLogger(),
	}
}

// GetIntentStatus fetches the authoritative status of an intent. Every failure
// is transient: the intent is re-queried on the next attempt.
func (c *Client) GetIntentStatus(ctx context.Context, intentID string) (*IntentStatus, error) {
	ctx, span := util.StartSpan(ctx, "Provider.GetIntentStatus",
		attribute.String("payment_intent_id", intentID))
	defer span.End()

	start := time.Now()
	defer func() {
		util.PaymentProviderLatency.Observe(time.Since(start).Seconds())
	}()

	reqURL := fmt.Sprintf("%s/v1/payment_intents/%s", c.baseURL, url.PathEscape(intentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		util.RecordError(span, err)
		return nil, apperr.Transient(fmt.Errorf("provider request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("provider returned status %d for intent %s", resp.StatusCode, intentID)
		util.RecordError(span, err)
		c.logger.Warn("Payment provider lookup failed",
			zap.String("payment_intent_id", intentID),
			zap.Int("status_code", resp.StatusCode))
		return nil, apperr.Transient(err)
	}

	var result IntentStatus
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperr.Transient(fmt.Errorf("failed to decode provider response: %w", err))
	}
	result.Status = normalizeStatus(result.Status)
	return &result, nil
}

// normalizeStatus folds the provider's status vocabulary into three outcomes
func normalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case "succeeded", "paid", "captured":
		return StatusSucceeded
	case "failed", "canceled", "cancelled", "expired":
		return StatusFailed
	default:
		return StatusPending
	}
}
