// Package forecastremote implements the remote forecast backend (C3): an
// HTTP client with per-call timeout and exponential backoff, wrapped by
// internal/breaker, satisfying the internal/forecast.Backend contract so
// it can be registered alongside the local Holt-Winters backend. Request
// construction and HMAC signing are adapted from the teacher's
// internal/pulse/webhook_notifier.go and alertmanager_notifier.go.
package forecastremote

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sentrypulse/sentrypulse/internal/breaker"
	"github.com/sentrypulse/sentrypulse/internal/forecast"
	"github.com/sentrypulse/sentrypulse/internal/obs"
)

var tracer = obs.Tracer("sentrypulse/forecastremote")

// Config parameterizes the remote backend.
type Config struct {
	ID          string
	BaseURL     string
	APIKey      string
	CallTimeout time.Duration
	MaxRetries  int
}

// remoteError classifies a failed call as retriable or not, independent of
// the circuit breaker's own bookkeeping -- the breaker only cares that the
// call failed, the retry loop here cares whether trying again could help.
type remoteError struct {
	err       error
	retriable bool
}

func (e *remoteError) Error() string { return e.err.Error() }
func (e *remoteError) Unwrap() error { return e.err }

func retriableErr(err error) error { return &remoteError{err: err, retriable: true} }
func clientErr(err error) error    { return &remoteError{err: err, retriable: false} }

func isRetriable(err error) bool {
	re, ok := err.(*remoteError)
	if !ok {
		return true // unrecognized errors (e.g. ctx deadline) are treated as transient
	}
	return re.retriable
}

// Client calls a remote forecasting service over HTTP, retrying retriable
// failures with exponential backoff while the circuit breaker allows it.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *breaker.Breaker

	mu   sync.RWMutex
	caps forecast.Capabilities
}

// New creates a Client wrapped by its own circuit breaker.
func New(cfg Config, br *breaker.Breaker) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{},
		breaker: br,
	}
}

func (c *Client) ID() string { return c.cfg.ID }

type forecastRequest struct {
	Series      []forecast.SeriesPoint `json:"series"`
	Horizon     int                    `json:"horizon"`
	Frequency   string                 `json:"frequency,omitempty"`
	Confidences []string               `json:"confidences,omitempty"`
}

type forecastResponse struct {
	Predictions []forecast.PredictedPoint `json:"predictions"`
	ModelInfo   forecast.ModelInfo        `json:"model_info"`
}

// Forecast posts req to the remote service's /forecast endpoint, retrying
// retriable failures up to MaxRetries with backoff base*2^attempt, all
// inside the circuit breaker (spec §4.3).
func (c *Client) Forecast(ctx context.Context, req forecast.Request) (*forecast.Result, error) {
	ctx, span := tracer.Start(ctx, "forecastremote.Forecast")
	defer span.End()
	span.SetAttributes(
		attribute.String("sentrypulse.backend_id", c.cfg.ID),
		attribute.Int("sentrypulse.horizon", req.Horizon),
	)

	var (
		result  *forecast.Result
		lastErr error
	)

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			res, callErr := c.doForecast(ctx, req)
			if callErr != nil {
				return callErr
			}
			result = res
			return nil
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetriable(err) {
			return nil, err
		}
		if attempt == c.cfg.MaxRetries-1 {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * time.Second
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	span.SetStatus(codes.Error, "exhausted retries")
	return nil, fmt.Errorf("remote forecast: exhausted retries: %w", lastErr)
}

func (c *Client) doForecast(ctx context.Context, req forecast.Request) (*forecast.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	body, err := json.Marshal(forecastRequest{Series: req.Series, Horizon: req.Horizon, Frequency: req.Frequency, Confidences: req.Confidences})
	if err != nil {
		return nil, clientErr(fmt.Errorf("marshal forecast request: %w", err))
	}

	httpReq, err := c.newSignedRequest(ctx, http.MethodPost, "/forecast", body)
	if err != nil {
		return nil, clientErr(err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, retriableErr(fmt.Errorf("remote forecast POST: %w", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, clientErr(fmt.Errorf("remote forecast client error: status %d: %s", resp.StatusCode, respBody))
	}
	if resp.StatusCode >= 500 {
		return nil, retriableErr(fmt.Errorf("remote forecast server error: status %d", resp.StatusCode))
	}

	var fr forecastResponse
	if err := json.Unmarshal(respBody, &fr); err != nil {
		return nil, clientErr(fmt.Errorf("unmarshal forecast response: %w", err))
	}
	return &forecast.Result{Predictions: fr.Predictions, ModelInfo: fr.ModelInfo}, nil
}

func (c *Client) newSignedRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create remote forecast request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "SentryPulse-ForecastClient/1.0")

	if c.cfg.APIKey != "" {
		mac := hmac.New(sha256.New, []byte(c.cfg.APIKey))
		mac.Write(body)
		req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return req, nil
}

// HealthCheck pings the remote service's /health endpoint through the
// breaker (spec §4.3: "exposes ... a health probe").
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("remote forecast health check: status %d", resp.StatusCode)
		}
		return nil
	})
}

// RefreshCapabilities fetches the remote service's capabilities probe (spec
// §6) and caches it for subsequent Capabilities() calls. Intended to run
// once at startup and on a periodic sweep alongside the registry's health
// checks.
func (c *Client) RefreshCapabilities(ctx context.Context) error {
	var caps forecast.Capabilities
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/capabilities", nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&caps)
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.caps = caps
	c.mu.Unlock()
	return nil
}

// Capabilities satisfies forecast.Backend by returning the last probed
// value. Empty until RefreshCapabilities has run at least once.
func (c *Client) Capabilities() forecast.Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps
}
