// Package remote is the HTTP client of the collector API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"rtcwatch/internal/core/domain"
	"rtcwatch/internal/core/ports"
	apperrors "rtcwatch/pkg/errors"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	ConfigPath = "/api/config"
	StatsPath  = "/api/stats"
	HealthPath = "/api/health"
)

type Config struct {
	Endpoint          string
	Timeout           time.Duration
	CheckTimeout      time.Duration
	BreakerFailures   uint32
	BreakerOpenPeriod time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:           10 * time.Second,
		CheckTimeout:      5 * time.Second,
		BreakerFailures:   5,
		BreakerOpenPeriod: 60 * time.Second,
	}
}

type Client struct {
	cfg    Config
	http   *http.Client
	cb     *gobreaker.CircuitBreaker
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	endpoint string
}

func NewClient(cfg Config, logger *zap.SugaredLogger) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = def.CheckTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerOpenPeriod <= 0 {
		cfg.BreakerOpenPeriod = def.BreakerOpenPeriod
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger,
	}
	c.SetEndpoint(cfg.Endpoint)

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "collector",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// a missing endpoint says nothing about the collector's health
			return err == nil || apperrors.IsCode(err, apperrors.ErrCodeConfig)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("Collector circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return c
}

// SetEndpoint changes the collector base URL used by subsequent calls.
func (c *Client) SetEndpoint(endpoint string) {
	c.mu.Lock()
	c.endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	c.mu.Unlock()
}

func (c *Client) Endpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

// BreakerState reports the circuit breaker state (closed, half-open, open).
func (c *Client) BreakerState() string {
	return c.cb.State().String()
}

func (c *Client) FetchConfiguration(ctx context.Context) (*domain.SettingsFragment, error) {
	raw, err := c.call(ctx, http.MethodGet, ConfigPath, nil)
	if err != nil {
		c.logger.Warnw("Failed to fetch configuration", "error", err)
		return nil, err
	}

	var fragment domain.SettingsFragment
	if err := json.Unmarshal(raw, &fragment); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	return &fragment, nil
}

// UploadData posts samples as one JSON array.
func (c *Client) UploadData(ctx context.Context, samples []domain.StatSample) (domain.UploadResult, error) {
	body, err := json.Marshal(samples)
	if err != nil {
		return domain.UploadResult{Error: err.Error()}, err
	}

	raw, err := c.call(ctx, http.MethodPost, StatsPath, body)
	if err != nil {
		c.logger.Warnw("Failed to upload data", "samples", len(samples), "error", err)
		return domain.UploadResult{Error: err.Error()}, err
	}
	return domain.UploadResult{Success: true, Response: raw}, nil
}

// TestConnection probes the health endpoint. It bypasses the circuit breaker
// so it reflects the collector's current state.
func (c *Client) TestConnection(ctx context.Context) domain.ConnectionCheck {
	endpoint := c.Endpoint()
	if endpoint == "" {
		return domain.ConnectionCheck{Error: "API endpoint not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
	defer cancel()

	raw, err := c.do(ctx, http.MethodGet, endpoint+HealthPath, nil)
	if err != nil {
		return domain.ConnectionCheck{Error: err.Error()}
	}
	return domain.ConnectionCheck{Success: true, Connected: true, Response: raw}
}

// TestEndpoint checks that an arbitrary URL answers a HEAD request.
func (c *Client) TestEndpoint(ctx context.Context, url string) domain.EndpointCheck {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return domain.EndpointCheck{Error: err.Error()}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.EndpointCheck{Error: err.Error()}
	}
	defer resp.Body.Close()

	return domain.EndpointCheck{
		Success:    true,
		Accessible: resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
	}
}

func (c *Client) call(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	endpoint := c.Endpoint()
	if endpoint == "" {
		return nil, apperrors.NewConfigError("API endpoint not configured")
	}

	result, err := c.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		return c.do(ctx, method, endpoint+path, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "collector unavailable", http.StatusServiceUnavailable)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperrors.NewTimeoutError(method+" "+path, err)
		}
		return nil, err
	}
	return result.(json.RawMessage), nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("invalid JSON response from %s", url)
	}
	return json.RawMessage(raw), nil
}

var _ ports.Collector = (*Client)(nil)
