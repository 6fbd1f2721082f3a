// Package transport provides the stateless request/response client for the
// remote todo store.
//
// All failure modes (unreachable network, timeout, non-success status,
// malformed response) normalize into *Error so the sync engine has one shape
// to base its retry decisions on. Likewise the loosely-shaped per-item sync
// results from the server normalize into the tagged ItemResult variant; the
// engine never inspects raw response bodies.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"

	"golang.org/x/mod/semver"

	"github.com/mstave/todoq/internal/task"
)

// ProtocolVersion is the sync protocol version this client speaks. The
// server's advertised version must not be an older major release.
const ProtocolVersion = "v1.0.0"

// Error is the single failure type crossing the transport boundary.
type Error struct {
	// Op is the logical call that failed: "push", "pull", or "health".
	Op string

	// StatusCode is the HTTP status, or 0 when no response arrived.
	StatusCode int

	// Timeout marks per-attempt deadline expiry.
	Timeout bool

	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("transport %s: timeout: %v", e.Op, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("transport %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ResultKind tags a normalized per-item sync outcome.
type ResultKind string

const (
	// Upserted means the server returned the authoritative full record.
	Upserted ResultKind = "upserted"

	// Deleted means the server confirmed a tombstone for the id.
	Deleted ResultKind = "deleted"

	// Rejected means the server flagged the operation as a conflict.
	Rejected ResultKind = "rejected"
)

// ItemResult is one normalized per-item outcome from a push.
type ItemResult struct {
	Kind ResultKind

	// Task is the authoritative record for Upserted results.
	Task task.Task

	// ID identifies the record for Deleted and Rejected results.
	ID string

	// Reason explains a rejection.
	Reason string
}

// BatchResult is the normalized response to a push.
type BatchResult struct {
	Success bool

	// Items holds per-item outcomes. Empty on a degraded server that
	// reported only aggregate success; the engine falls back to its
	// weaker optimistic path in that case.
	Items []ItemResult

	Synced        int
	ConflictCount int
}

// RetryPolicy bounds the per-call retry loop. Applies at the transport
// boundary; the sync engine itself never retries within one invocation.
type RetryPolicy struct {
	// MaxAttempts caps total attempts (first try included).
	MaxAttempts int

	// ReadInitialDelay seeds the backoff for pull/health calls.
	ReadInitialDelay time.Duration

	// WriteInitialDelay seeds the backoff for push calls.
	WriteInitialDelay time.Duration

	// Multiplier grows the delay between attempts.
	Multiplier float64

	// MaxDelay caps any single computed delay.
	MaxDelay time.Duration

	// Jitter is the ± fraction of random spread applied to each delay,
	// so a fleet of clients doesn't retry in lockstep.
	Jitter float64
}

// DefaultRetryPolicy returns the documented retry numbers: 3 attempts,
// 1s read / 2s write initial delay, doubling, 30s cap, ±20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		ReadInitialDelay:  1 * time.Second,
		WriteInitialDelay: 2 * time.Second,
		Multiplier:        2,
		MaxDelay:          30 * time.Second,
		Jitter:            0.2,
	}
}

// Config holds client construction options.
type Config struct {
	// BaseURL is the remote store root, e.g. "http://localhost:8321".
	BaseURL string

	// ReadTimeout bounds each pull/health attempt (default 10s).
	ReadTimeout time.Duration

	// WriteTimeout bounds each push attempt (default 30s).
	WriteTimeout time.Duration

	Retry RetryPolicy

	// Logger for retry activity. Defaults to a stderr logger.
	Logger *log.Logger
}

// Client talks to the remote store. Safe for concurrent use.
type Client struct {
	baseURL      string
	http         *http.Client
	readTimeout  time.Duration
	writeTimeout time.Duration
	retry        RetryPolicy
	logger       *log.Logger

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a transport client for the remote store at cfg.BaseURL.
func New(cfg Config) *Client {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	return &Client{
		baseURL:      cfg.BaseURL,
		http:         &http.Client{},
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		retry:        cfg.Retry,
		logger:       cfg.Logger,
		sleep:        sleepCtx,
	}
}

// pushRequest is the wire body of POST /sync.
type pushRequest struct {
	Operations []task.Operation `json:"operations"`
}

// wireConflict is one server-reported rejection.
type wireConflict struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// pushResponse is the wire body of a POST /sync response.
type pushResponse struct {
	Success       bool           `json:"success"`
	Results       []task.Task    `json:"results"`
	Conflicts     []wireConflict `json:"conflicts"`
	Synced        int            `json:"synced"`
	ConflictCount int            `json:"conflictCount"`
}

type healthResponse struct {
	Status          string `json:"status"`
	ProtocolVersion string `json:"protocolVersion"`
}

// Push transmits one batch of operations and returns the normalized result.
func (c *Client) Push(ctx context.Context, ops []task.Operation) (*BatchResult, error) {
	body, err := json.Marshal(pushRequest{Operations: ops})
	if err != nil {
		return nil, &Error{Op: "push", Err: fmt.Errorf("failed to encode batch: %w", err)}
	}

	var resp pushResponse
	err = c.withRetry(ctx, "push", c.retry.WriteInitialDelay, c.writeTimeout, func(ctx context.Context) error {
		return c.do(ctx, "push", http.MethodPost, "/sync", body, &resp)
	})
	if err != nil {
		return nil, err
	}

	return normalize(&resp), nil
}

// Pull fetches every task the remote store holds, tombstones included.
func (c *Client) Pull(ctx context.Context) ([]task.Task, error) {
	var tasks []task.Task
	err := c.withRetry(ctx, "pull", c.retry.ReadInitialDelay, c.readTimeout, func(ctx context.Context) error {
		return c.do(ctx, "pull", http.MethodGet, "/todos", nil, &tasks)
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// Ping reports whether the remote store is reachable and healthy. A single
// attempt with the read timeout; connectivity probing must stay cheap.
func (c *Client) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	var health healthResponse
	if err := c.do(ctx, "health", http.MethodGet, "/health", nil, &health); err != nil {
		return false
	}
	if health.Status != "OK" {
		return false
	}
	if health.ProtocolVersion != "" &&
		semver.Major(health.ProtocolVersion) != semver.Major(ProtocolVersion) {
		c.logger.Printf("protocol mismatch: server %s, client %s",
			health.ProtocolVersion, ProtocolVersion)
		return false
	}
	return true
}

// withRetry runs the attempt with exponential backoff between failures.
// Only transient failures (no response, timeout, 5xx) are retried.
func (c *Client) withRetry(ctx context.Context, op string, initial time.Duration,
	perAttempt time.Duration, attempt func(ctx context.Context) error) error {

	delay := initial
	var lastErr error

	for i := 1; i <= c.retry.MaxAttempts; i++ {
		attemptCtx, cancel := context.WithTimeout(ctx, perAttempt)
		err := attempt(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if i == c.retry.MaxAttempts {
			break
		}

		wait := c.jittered(delay)
		c.logger.Printf("%s attempt %d/%d failed: %v (retrying in %s)",
			op, i, c.retry.MaxAttempts, err, wait.Round(time.Millisecond))
		if err := c.sleep(ctx, wait); err != nil {
			return &Error{Op: op, Err: err}
		}

		delay = time.Duration(float64(delay) * c.retry.Multiplier)
		if delay > c.retry.MaxDelay {
			delay = c.retry.MaxDelay
		}
	}

	return lastErr
}

// jittered spreads the delay by ±Jitter.
func (c *Client) jittered(d time.Duration) time.Duration {
	if c.retry.Jitter <= 0 {
		return d
	}
	spread := 1 + c.retry.Jitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * spread)
}

// retryable reports whether the failure is worth another attempt.
func retryable(err error) bool {
	var terr *Error
	if !errors.As(err, &terr) {
		return false
	}
	if terr.Timeout || terr.StatusCode == 0 {
		return true
	}
	return terr.StatusCode >= 500
}

// do performs one HTTP attempt and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Timeout: errors.Is(err, context.DeadlineExceeded) || isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Read a little of the body for the error message, then discard.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{Op: op, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unexpected status: %s", bytes.TrimSpace(snippet))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Op: op, StatusCode: resp.StatusCode,
				Err: fmt.Errorf("malformed response: %w", err)}
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// normalize folds the loosely-shaped server response into tagged results.
func normalize(resp *pushResponse) *BatchResult {
	out := &BatchResult{
		Success:       resp.Success,
		Synced:        resp.Synced,
		ConflictCount: resp.ConflictCount,
	}
	for _, t := range resp.Results {
		if t.Deleted {
			out.Items = append(out.Items, ItemResult{Kind: Deleted, ID: t.ID, Task: t})
			continue
		}
		out.Items = append(out.Items, ItemResult{Kind: Upserted, ID: t.ID, Task: t})
	}
	for _, cfl := range resp.Conflicts {
		reason := cfl.Reason
		if reason == "" {
			reason = cfl.Type
		}
		out.Items = append(out.Items, ItemResult{Kind: Rejected, ID: cfl.ID, Reason: reason})
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
