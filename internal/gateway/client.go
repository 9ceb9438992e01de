package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/paywallet/internal/domain"
	"github.com/punchamoorthee/paywallet/internal/models"
)

var bankRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wallet_bank_requests_total",
	Help: "Calls to the external bank, labeled by operation and outcome",
}, []string{"operation", "outcome"})

const (
	OpAdd    = "add"
	OpDeduct = "deduct"
)

// BankClient calls the external bank over HTTP. Every attempt of one
// operation carries the same Idempotency-Key, so retries are safe.
type BankClient struct {
	baseURL     string
	http        *http.Client
	maxAttempts int
	backoff     time.Duration
}

func NewBankClient(baseURL string, timeout time.Duration, maxAttempts int, backoff time.Duration) *BankClient {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &BankClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

func (c *BankClient) Add(ctx context.Context, key string, req models.SettlementRequest) (*models.SettlementResponse, error) {
	return c.do(ctx, OpAdd, key, req)
}

func (c *BankClient) Deduct(ctx context.Context, key string, req models.SettlementRequest) (*models.SettlementResponse, error) {
	return c.do(ctx, OpDeduct, key, req)
}

func (c *BankClient) do(ctx context.Context, op, key string, req models.SettlementRequest) (*models.SettlementResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			wait := c.backoff << (attempt - 2)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				bankRequestsTotal.WithLabelValues(op, "cancelled").Inc()
				return nil, ctx.Err()
			}
		}

		res, retry, err := c.attempt(ctx, op, key, body)
		if err == nil {
			bankRequestsTotal.WithLabelValues(op, "ok").Inc()
			return res, nil
		}
		if ctx.Err() != nil {
			bankRequestsTotal.WithLabelValues(op, "cancelled").Inc()
			return nil, ctx.Err()
		}
		lastErr = err
		if !retry {
			bankRequestsTotal.WithLabelValues(op, "rejected").Inc()
			return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
		}
		bankRequestsTotal.WithLabelValues(op, "retry").Inc()
		log.Printf("bank %s key=%s attempt %d/%d failed: %v", op, key, attempt, c.maxAttempts, err)
	}

	bankRequestsTotal.WithLabelValues(op, "unavailable").Inc()
	return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, lastErr)
}

// attempt performs one call. retry reports whether a failure is transient.
func (c *BankClient) attempt(ctx context.Context, op, key string, body []byte) (*models.SettlementResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/"+op, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("bank returned %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, false, fmt.Errorf("bank returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out models.SettlementResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, true, fmt.Errorf("decode bank response: %w", err)
	}
	return &out, false, nil
}
