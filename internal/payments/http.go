package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/b0ase/path402/apps/hashdash/internal/settlement"
)

const (
	defaultRetryAttempts = 3
	defaultRetryDelay    = 500 * time.Millisecond
)

var defaultHTTPClient = &http.Client{
	Timeout: 30 * time.Second,
}

// statusError is a non-2xx response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// retryable reports whether err is worth another attempt: transport
// failures and 5xx responses are, explicit declines and 4xx are not.
func retryable(err error) bool {
	if err == nil || errors.Is(err, ErrDeclined) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return true
}

func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ── HTTP Verifier ────────────────────────────────────────────────

type verifyResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// HTTPVerifier asks a remote service to approve each withdrawal. Transport
// errors and 5xx responses are retried with backoff.
type HTTPVerifier struct {
	Endpoint string
	Attempts uint
	Delay    time.Duration
	client   *http.Client
	logger   *zap.Logger
}

func NewHTTPVerifier(logger *zap.Logger, endpoint string) *HTTPVerifier {
	return &HTTPVerifier{
		Endpoint: endpoint,
		Attempts: defaultRetryAttempts,
		Delay:    defaultRetryDelay,
		client:   defaultHTTPClient,
		logger:   logger.Named("verifier"),
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, req settlement.Request) error {
	resp, err := retry.DoWithData(func() (verifyResponse, error) {
		var out verifyResponse
		if err := postJSON(ctx, v.client, v.Endpoint, req, &out); err != nil {
			var se *statusError
			if errors.As(err, &se) && se.Code < 500 {
				return out, fmt.Errorf("%w: %v", ErrDeclined, err)
			}
			return out, err
		}
		return out, nil
	},
		retry.Context(ctx),
		retry.Attempts(v.Attempts),
		retry.Delay(v.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			v.logger.Warn("Verifier call failed, retrying",
				zap.String("txid", req.TxID),
				zap.Uint("attempt", n+1),
				zap.Uint("max_attempts", v.Attempts),
				zap.Error(err))
		}))
	if err != nil {
		return err
	}
	if !resp.Approved {
		reason := resp.Reason
		if reason == "" {
			reason = "no reason given"
		}
		return fmt.Errorf("%w: %s", ErrDeclined, reason)
	}
	return nil
}

// ── HTTP Processor ───────────────────────────────────────────────
// Processing moves funds, so it is attempted exactly once.

type processResponse struct {
	Success bool   `json:"success"`
	Receipt string `json:"receipt,omitempty"`
	Error   string `json:"error,omitempty"`
}

type compensateRequest struct {
	settlement.Request
	Reason string `json:"reason"`
}

// HTTPProcessor submits withdrawals to a remote service.
type HTTPProcessor struct {
	Endpoint           string
	CompensateEndpoint string
	client             *http.Client
}

func NewHTTPProcessor(endpoint, compensateEndpoint string) *HTTPProcessor {
	return &HTTPProcessor{
		Endpoint:           endpoint,
		CompensateEndpoint: compensateEndpoint,
		client:             defaultHTTPClient,
	}
}

func (p *HTTPProcessor) Process(ctx context.Context, req settlement.Request) (string, error) {
	var out processResponse
	if err := postJSON(ctx, p.client, p.Endpoint, req, &out); err != nil {
		return "", err
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "processor reported failure"
		}
		return "", fmt.Errorf("%w: %s", ErrDeclined, msg)
	}
	return out.Receipt, nil
}

// Compensate asks the remote service to cancel a processed withdrawal.
func (p *HTTPProcessor) Compensate(ctx context.Context, req settlement.Request, reason string) error {
	if p.CompensateEndpoint == "" {
		return fmt.Errorf("no compensate endpoint configured")
	}
	var out processResponse
	if err := postJSON(ctx, p.client, p.CompensateEndpoint, compensateRequest{Request: req, Reason: reason}, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("%w: %s", ErrDeclined, out.Error)
	}
	return nil
}
