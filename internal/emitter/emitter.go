// Package emitter implements the fire-and-forget emitter client (C6)
// used by hook/CLI producers: a fast-path presence check backed by the
// discovery registry, and a bounded POST that never slows or breaks its
// caller. Grounded on this lineage's thin SDK client (stdlib net/http,
// a bounded response reader, context.WithTimeout) but generalized down
// to the spec's hard 500ms fire-and-forget semantics — no response body
// is parsed, and any non-2xx is simply "failure".
package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/devbus-oss/devbus/internal/discovery"
	"github.com/devbus-oss/devbus/pkg/envelope"
	"github.com/devbus-oss/devbus/pkg/logging"
)

const (
	emitDeadline    = 500 * time.Millisecond
	failureLogEvery = 30 * time.Second
	maxResponseRead = 4096
)

// Client is a fire-and-forget emitter.
type Client struct {
	registry *discovery.Registry
	http     *http.Client
	log      *logging.Logger

	mu            sync.Mutex
	failureCount  int64
	lastFailureAt time.Time
}

// New constructs a Client backed by reg for presence checks.
func New(reg *discovery.Registry, log *logging.Logger) *Client {
	return &Client{
		registry: reg,
		http:     &http.Client{Timeout: emitDeadline},
		log:      log,
	}
}

// IsServerRunning reads the discovery registry; returns 0 if no live
// owner is advertised. Typically resolves in low single-digit
// milliseconds since it is just a couple of small file reads.
func (c *Client) IsServerRunning() int {
	port, err := c.registry.ReadPort()
	if err != nil || port == 0 {
		return 0
	}
	return port
}

// Emit POSTs env as JSON to the server on port, with a hard 500ms
// deadline. It never panics or returns an error the caller must act on;
// all failures are absorbed and rate-limit logged.
func (c *Client) Emit(env envelope.Envelope, port int) {
	body, err := json.Marshal(env)
	if err != nil {
		c.noteFailure(err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), emitDeadline)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/events", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.noteFailure(err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.noteFailure(err)
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseRead))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.noteFailure(fmt.Errorf("emit: unexpected status %d", resp.StatusCode))
		return
	}
	c.noteSuccess()
}

// EmitCli is a convenience wrapper: it skips entirely if no server is
// advertised, otherwise builds an envelope via the factory and emits it.
func (c *Client) EmitCli(eventType string, data map[string]interface{}, ctx envelope.Context) {
	port := c.IsServerRunning()
	if port == 0 {
		return
	}
	env, err := envelope.Create(eventType, data, ctx)
	if err != nil {
		c.noteFailure(err)
		return
	}
	c.Emit(env, port)
}

func (c *Client) noteSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount = 0
}

func (c *Client) noteFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount++
	now := time.Now()
	shouldLog := c.lastFailureAt.IsZero() || now.Sub(c.lastFailureAt) >= failureLogEvery
	if shouldLog {
		c.lastFailureAt = now
		if c.log != nil {
			c.log.Warn(context.Background(), "emit failed",
				logging.Field{K: "count", V: c.failureCount},
				logging.Field{K: "error", V: err.Error()},
			)
		}
	}
}

// FailureCount returns the current consecutive-failure counter, exposed
// for tests.
func (c *Client) FailureCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureCount
}
