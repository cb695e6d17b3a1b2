// Package mediator provides outbound mediation of messages to external
// targets.
package mediator

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/router/model"
)

// Result classifies the outcome of mediating one message. This is the
// three-way disposition the rest of the router acts on.
type Result string

const (
	ResultSuccess      Result = "SUCCESS"
	ResultErrorConfig  Result = "ERROR_CONFIG"  // 4xx: permanent, don't retry
	ResultErrorProcess Result = "ERROR_PROCESS" // 5xx, ack=false, or connection failure: retry
)

// resultErrorConnection is an internal refinement of ResultErrorProcess used
// only for metrics labeling; it is never exposed on Outcome.Result.
const resultErrorConnection Result = "ERROR_CONNECTION"

// Outcome is the result of one Mediator.Process call.
type Outcome struct {
	Result      Result
	Delay       *time.Duration
	Error       error
	StatusCode  int
	ResponseAck *bool

	// metricResult carries the finer-grained label (including
	// ERROR_CONNECTION) for Prometheus; Result itself stays within the
	// three dispositions the pool acts on.
	metricResult Result
}

// HasCustomDelay reports whether the mediation target requested a specific
// redelivery delay.
func (o *Outcome) HasCustomDelay() bool {
	return o.Delay != nil
}

// GetEffectiveDelaySeconds returns Delay in whole seconds, or 0 if unset.
func (o *Outcome) GetEffectiveDelaySeconds() int {
	if o.Delay == nil {
		return 0
	}
	return int(o.Delay.Seconds())
}

func (o *Outcome) metricLabel() string {
	if o.metricResult != "" {
		return string(o.metricResult)
	}
	return string(o.Result)
}

// Mediator dispatches one message and reports its outcome. Implementations
// form a closed set identified by MediationType; HTTP is the only variant
// today.
type Mediator interface {
	Process(ctx context.Context, msg *model.MessagePointer) *Outcome
	MediationType() model.MediationType
}

// HTTPMediator mediates messages by POSTing the message pointer to its
// mediation target as JSON.
type HTTPMediator struct {
	client         *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	timeout        time.Duration
	maxRetries     int
	baseBackoff    time.Duration
}

// HTTPVersion selects the HTTP protocol version the mediator's transport
// will negotiate.
type HTTPVersion string

const (
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	HTTPVersion2 HTTPVersion = "HTTP_2"
)

// Config configures an HTTPMediator.
type Config struct {
	Timeout     time.Duration
	HTTPVersion HTTPVersion
	MaxRetries  int
	BaseBackoff time.Duration

	CircuitBreakerEnabled     bool
	CircuitBreakerRequests    uint32
	CircuitBreakerInterval    time.Duration
	CircuitBreakerRatio       float64
	CircuitBreakerTimeout     time.Duration
	CircuitBreakerMinRequests uint32
}

// DefaultConfig returns production defaults: HTTP/2, a 15 minute request
// timeout to accommodate slow webhooks, 3 attempts, and a circuit breaker
// tripping at 50% failures over a rolling 60s window.
func DefaultConfig() *Config {
	return &Config{
		Timeout:                   900 * time.Second,
		HTTPVersion:               HTTPVersion2,
		MaxRetries:                3,
		BaseBackoff:               time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// DevConfig returns Config suitable for local development: HTTP/1.1, which
// is easier to inspect with common local proxies than HTTP/2.
func DevConfig() *Config {
	cfg := DefaultConfig()
	cfg.HTTPVersion = HTTPVersion1
	return cfg
}

// NewHTTPMediator builds an HTTPMediator from cfg, or DefaultConfig if cfg
// is nil.
func NewHTTPMediator(cfg *Config) *HTTPMediator {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if cfg.HTTPVersion == HTTPVersion1 {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
	} else {
		transport.ForceAttemptHTTP2 = true
	}

	client := &http.Client{Timeout: cfg.Timeout, Transport: transport}

	m := &HTTPMediator{
		client:      client,
		timeout:     cfg.Timeout,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
	}

	if cfg.CircuitBreakerEnabled {
		m.circuitBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "http-mediator",
			MaxRequests: cfg.CircuitBreakerRequests,
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.CircuitBreakerMinRequests {
					return false
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= cfg.CircuitBreakerRatio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Info("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
				var stateValue float64
				switch to {
				case gobreaker.StateClosed:
					stateValue = float64(metrics.CircuitBreakerClosed)
				case gobreaker.StateOpen:
					stateValue = float64(metrics.CircuitBreakerOpen)
					metrics.MediatorCircuitBreakerTrips.WithLabelValues(name).Inc()
				case gobreaker.StateHalfOpen:
					stateValue = float64(metrics.CircuitBreakerHalfOpen)
				}
				metrics.MediatorCircuitBreakerState.WithLabelValues(name).Set(stateValue)
			},
		})
	}

	return m
}

// wireBody is the JSON body POSTed to the mediation target: the message
// pointer's fields, so the target has everything it needs to correlate and
// reason about the message without a callback into the router. The auth
// token is not in the body; it is sent in the Authorization header.
type wireBody struct {
	ID              string              `json:"id"`
	PoolCode        string              `json:"poolCode"`
	MediationType   model.MediationType `json:"mediationType"`
	MediationTarget string              `json:"mediationTarget"`
	MessageGroupID  string              `json:"messageGroupId"`
	BatchID         string              `json:"batchId,omitempty"`
}

// MediationType identifies this mediator's variant.
func (m *HTTPMediator) MediationType() model.MediationType {
	return model.MediationTypeHTTP
}

// Process mediates msg over HTTP, applying the circuit breaker and retry
// policy configured at construction.
func (m *HTTPMediator) Process(ctx context.Context, msg *model.MessagePointer) *Outcome {
	if msg == nil {
		return &Outcome{Result: ResultErrorConfig, Error: errors.New("nil message")}
	}
	if msg.MediationTarget == "" {
		return &Outcome{Result: ResultErrorConfig, Error: errors.New("no mediation target")}
	}

	if m.circuitBreaker != nil {
		result, err := m.circuitBreaker.Execute(func() (interface{}, error) {
			return m.executeWithRetry(ctx, msg)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				slog.Warn("circuit breaker open", "messageId", msg.ID, "target", msg.MediationTarget)
				return &Outcome{Result: ResultErrorProcess, metricResult: resultErrorConnection, Error: err}
			}
		}
		if outcome, ok := result.(*Outcome); ok {
			return outcome
		}
	}

	outcome, _ := m.executeWithRetry(ctx, msg)
	return outcome
}

func (m *HTTPMediator) executeWithRetry(ctx context.Context, msg *model.MessagePointer) (*Outcome, error) {
	var last *Outcome

	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		outcome := m.executeOnce(ctx, msg, attempt)
		last = outcome

		if outcome.Result == ResultSuccess || outcome.Result == ResultErrorConfig {
			return outcome, nil
		}

		if attempt < m.maxRetries {
			backoff := time.Duration(attempt) * m.baseBackoff
			slog.Info("retrying mediation after backoff", "messageId", msg.ID, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				last.Error = ctx.Err()
				return last, last.Error
			}
		}
	}

	return last, last.Error
}

func (m *HTTPMediator) executeOnce(ctx context.Context, msg *model.MessagePointer, attempt int) *Outcome {
	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	body, err := json.Marshal(wireBody{
		ID:              msg.ID,
		PoolCode:        msg.PoolCode,
		MediationType:   msg.MediationType,
		MediationTarget: msg.MediationTarget,
		MessageGroupID:  msg.MessageGroupID,
		BatchID:         msg.BatchID,
	})
	if err != nil {
		return &Outcome{Result: ResultErrorConfig, Error: fmt.Errorf("marshal message pointer: %w", err)}
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, msg.MediationTarget, bytes.NewReader(body))
	if err != nil {
		return &Outcome{Result: ResultErrorConfig, Error: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if msg.AuthToken != "" {
		req.Header.Set("Authorization", msg.AuthToken)
	}

	slog.Debug("executing mediation request", "messageId", msg.ID, "target", msg.MediationTarget, "attempt", attempt)

	start := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(start)
	metrics.MediatorHTTPDuration.WithLabelValues(msg.MediationTarget).Observe(duration.Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", "POST").Inc()
		return m.handleError(msg, err)
	}
	defer resp.Body.Close()

	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), "POST").Inc()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	slog.Debug("mediation response received", "messageId", msg.ID, "statusCode", resp.StatusCode, "duration", duration)

	return m.handleResponse(msg, resp.StatusCode, respBody)
}

func (m *HTTPMediator) handleError(msg *model.MessagePointer, err error) *Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("mediation request timeout", "messageId", msg.ID, "error", err)
		return &Outcome{Result: ResultErrorProcess, metricResult: resultErrorConnection, Error: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		slog.Warn("mediation network error", "messageId", msg.ID, "error", err, "timeout", netErr.Timeout())
		return &Outcome{Result: ResultErrorProcess, metricResult: resultErrorConnection, Error: err}
	}

	return &Outcome{Result: ResultErrorProcess, metricResult: resultErrorConnection, Error: err}
}

func (m *HTTPMediator) handleResponse(msg *model.MessagePointer, statusCode int, body []byte) *Outcome {
	if statusCode >= 200 && statusCode < 300 {
		ack := parseAck(body)
		if ack != nil && !*ack {
			delay := parseDelay(body)
			slog.Info("mediation ack=false, will retry", "messageId", msg.ID, "statusCode", statusCode)
			return &Outcome{Result: ResultErrorProcess, StatusCode: statusCode, ResponseAck: ack, Delay: delay}
		}
		return &Outcome{Result: ResultSuccess, StatusCode: statusCode}
	}

	if statusCode >= 400 && statusCode < 500 {
		slog.Warn("mediation client error, will not retry", "messageId", msg.ID, "statusCode", statusCode)
		return &Outcome{Result: ResultErrorConfig, StatusCode: statusCode}
	}

	if statusCode >= 500 {
		slog.Warn("mediation server error, will retry", "messageId", msg.ID, "statusCode", statusCode)
		return &Outcome{Result: ResultErrorProcess, StatusCode: statusCode, Error: fmt.Errorf("mediation target returned status %d", statusCode)}
	}

	return &Outcome{Result: ResultErrorProcess, StatusCode: statusCode, Error: fmt.Errorf("mediation target returned status %d", statusCode)}
}

func parseAck(body []byte) *bool {
	if len(body) == 0 {
		return nil
	}
	var resp struct {
		Ack *bool `json:"ack"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil
	}
	return resp.Ack
}

func parseDelay(body []byte) *time.Duration {
	if len(body) == 0 {
		return nil
	}
	var resp struct {
		DelaySeconds *int `json:"delaySeconds"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil
	}
	if resp.DelaySeconds != nil && *resp.DelaySeconds > 0 {
		d := time.Duration(*resp.DelaySeconds) * time.Second
		return &d
	}
	return nil
}
