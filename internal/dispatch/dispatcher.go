// Package dispatch delivers reservation payloads to the external workflow
// orchestrator over HTTP, applying retry and circuit breaking, and classifies
// the result into one of three outcomes.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pellax/memorymeet-sub001/internal/breaker"
)

// Outcome classifies a dispatch.
type Outcome string

const (
	// OutcomeAccepted means the orchestrator acknowledged the work.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeRejected means the orchestrator returned a definitive client
	// error; the request is bad and retrying cannot fix it.
	OutcomeRejected Outcome = "rejected"
	// OutcomeExhausted means the retry budget ran out or the circuit denied
	// the call: a retryable class of failure no longer being attempted.
	OutcomeExhausted Outcome = "exhausted"
)

// WorkOrder is what gets POSTed to the orchestrator. The payload is opaque;
// downstream workflow shape never leaks into the dispatcher.
type WorkOrder struct {
	ReservationID string          `json:"reservation_id"`
	Payload       json.RawMessage `json:"payload"`
	CallbackURL   string          `json:"callback_url"`
}

// Result reports how a dispatch ended.
type Result struct {
	Outcome    Outcome
	Attempts   int
	StatusCode int
	Err        error
}

// Config tunes the dispatcher.
type Config struct {
	// URL is the orchestrator webhook endpoint.
	URL string
	// CallbackURL is advertised to the orchestrator for completion reports.
	CallbackURL string
	// Timeout bounds each individual attempt.
	Timeout time.Duration
	Retry   RetryPolicy
}

type Dispatcher struct {
	cfg     Config
	client  *http.Client
	breaker *breaker.Breaker
	logger  *zap.Logger
}

func New(cfg Config, br *breaker.Breaker, logger *zap.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: br,
		logger:  logger,
	}
}

// errRejected carries a 4xx status through the breaker without counting it
// as an endpoint failure.
type errRejected struct{ status int }

func (e errRejected) Error() string { return fmt.Sprintf("orchestrator rejected request: %d", e.status) }

type errUpstream struct{ status int }

func (e errUpstream) Error() string { return fmt.Sprintf("orchestrator error: %d", e.status) }

// Send posts the work order, retrying retryable failures with backoff until
// the policy's budget is spent. It blocks between attempts and honors ctx.
func (d *Dispatcher) Send(ctx context.Context, order WorkOrder) Result {
	if order.CallbackURL == "" {
		order.CallbackURL = d.cfg.CallbackURL
	}
	body, err := json.Marshal(order)
	if err != nil {
		return Result{Outcome: OutcomeRejected, Err: fmt.Errorf("encode work order: %w", err)}
	}

	var lastErr error
	var lastStatus int
	attempts := 0

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Outcome: OutcomeExhausted, Attempts: attempts, StatusCode: lastStatus, Err: err}
		}

		var status int
		var rejection *errRejected
		execErr := d.breaker.Execute(func() error {
			s, err := d.post(ctx, body)
			status = s
			var rej errRejected
			if errors.As(err, &rej) {
				// Definitive client error. The endpoint itself is healthy,
				// so this counts as a breaker success.
				rejection = &rej
				return nil
			}
			return err
		})

		if errors.Is(execErr, breaker.ErrOpen) {
			// Fast fail: no network attempt was made.
			d.logger.Warn("dispatch denied by circuit breaker",
				zap.String("reservation_id", order.ReservationID),
				zap.Int("attempts", attempts),
			)
			return Result{Outcome: OutcomeExhausted, Attempts: attempts, StatusCode: lastStatus, Err: breaker.ErrOpen}
		}

		attempts++
		lastStatus = status

		switch {
		case execErr == nil && rejection != nil:
			return Result{Outcome: OutcomeRejected, Attempts: attempts, StatusCode: rejection.status, Err: *rejection}
		case execErr == nil:
			d.logger.Info("dispatch accepted",
				zap.String("reservation_id", order.ReservationID),
				zap.Int("attempts", attempts),
				zap.Int("status", status),
			)
			return Result{Outcome: OutcomeAccepted, Attempts: attempts, StatusCode: status}
		default:
			lastErr = execErr
		}

		if attempt >= d.cfg.Retry.MaxRetries {
			return Result{Outcome: OutcomeExhausted, Attempts: attempts, StatusCode: lastStatus, Err: lastErr}
		}

		delay := d.cfg.Retry.Delay(attempt + 1)
		d.logger.Warn("dispatch attempt failed, retrying",
			zap.String("reservation_id", order.ReservationID),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			return Result{Outcome: OutcomeExhausted, Attempts: attempts, StatusCode: lastStatus, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
}

// post performs one attempt. 2xx is success, 4xx returns errRejected,
// anything else (5xx, timeout, connection error) is retryable.
func (d *Dispatcher) post(ctx context.Context, body []byte) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return resp.StatusCode, errRejected{status: resp.StatusCode}
	default:
		return resp.StatusCode, errUpstream{status: resp.StatusCode}
	}
}
