// Package wsclient implements the exponential-backoff-with-jitter
// WebSocket subscriber (C8) used by tails and dashboards. Grounded on
// this lineage's runWS reconnect loop (dial, read loop, error triggers a
// reconnect) but generalized from a fixed reconnect delay to a capped
// exponential backoff schedule, and from a hardcoded stream URL to a
// host/port/type-filter-parameterized subscription URL.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devbus-oss/devbus/pkg/envelope"
)

const (
	baseDelay = 500 * time.Millisecond
	maxDelay  = 30 * time.Second
	jitterCap = time.Second
)

// Callbacks receives events or transport errors observed on the
// connection.
type Callbacks struct {
	OnEvent func(envelope.Envelope)
	OnError func(error)
	OnOpen  func()
}

// Client maintains a single WebSocket subscription with automatic
// reconnect.
type Client struct {
	host       string
	port       int
	typeFilter string
	autoReconn bool
	cb         Callbacks
	dialer     *websocket.Dialer
	rng        *rand.Rand
	rngMu      sync.Mutex
	attempt    int64
	terminal   int32
}

// New constructs a Client. typeFilter may be empty to subscribe to all
// events.
func New(host string, port int, typeFilter string, autoReconnect bool, cb Callbacks) *Client {
	return &Client{
		host:       host,
		port:       port,
		typeFilter: typeFilter,
		autoReconn: autoReconnect,
		cb:         cb,
		dialer:     websocket.DefaultDialer,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Client) subscribeURL() string {
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", c.host, c.port), Path: "/ws"}
	if c.typeFilter != "" {
		q := u.Query()
		q.Set("type", c.typeFilter)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Run connects and blocks, reconnecting per the backoff schedule until
// ctx is cancelled or Close is called. It runs the read loop inline so
// callers typically invoke it in its own goroutine.
func (c *Client) Run(ctx context.Context) {
	for {
		if atomic.LoadInt32(&c.terminal) != 0 {
			return
		}
		if ctx.Err() != nil {
			return
		}
		conn, _, err := c.dialer.DialContext(ctx, c.subscribeURL(), nil)
		if err != nil {
			if c.cb.OnError != nil {
				c.cb.OnError(err)
			}
			if !c.waitBackoff(ctx) {
				return
			}
			continue
		}

		atomic.StoreInt64(&c.attempt, 0)
		if c.cb.OnOpen != nil {
			c.cb.OnOpen()
		}

		c.readLoop(conn)
		_ = conn.Close()

		if !c.autoReconn {
			return
		}
		if !c.waitBackoff(ctx) {
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		if atomic.LoadInt32(&c.terminal) != 0 {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			if c.cb.OnError != nil {
				c.cb.OnError(err)
			}
			continue
		}
		if c.cb.OnEvent != nil {
			c.cb.OnEvent(env)
		}
	}
}

// waitBackoff sleeps min(base*2^attempt + jitter, max), incrementing the
// attempt counter. Returns false if ctx was cancelled during the wait or
// the client is closed.
func (c *Client) waitBackoff(ctx context.Context) bool {
	attempt := atomic.AddInt64(&c.attempt, 1) - 1
	delay := backoffDelay(attempt, c.nextJitter())
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return atomic.LoadInt32(&c.terminal) == 0
	}
}

func (c *Client) nextJitter() time.Duration {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return time.Duration(c.rng.Int63n(int64(jitterCap)))
}

// backoffDelay computes min(base*2^attempt + jitter, max).
func backoffDelay(attempt int64, jitter time.Duration) time.Duration {
	if attempt > 32 {
		attempt = 32 // guard against overflow in the shift below
	}
	d := baseDelay * time.Duration(int64(1)<<uint(attempt))
	d += jitter
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Close marks the client terminal; the next backoff wait or dial attempt
// observes this and Run returns.
func (c *Client) Close() {
	atomic.StoreInt32(&c.terminal, 1)
}
