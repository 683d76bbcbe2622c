// Package envelope implements the canonical event envelope used across
// devbus: construction, normalization, and validation of the single
// record type that flows from ingress through the store to broadcast.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// SchemaVersion is the fixed literal every envelope carries. Consumers
// reject anything else.
const SchemaVersion = "1.0.0"

// Source identifies the producer class of an envelope.
type Source string

const (
	SourceCLI  Source = "cli"
	SourceHook Source = "hook"
)

// Envelope is the universal record. Immutable after construction; callers
// must not mutate a stored envelope.
type Envelope struct {
	SchemaVersion string                 `json:"schemaVersion"`
	ID            string                 `json:"id"`
	Timestamp     string                 `json:"timestamp"`
	Type          string                 `json:"type"`
	App           string                 `json:"app"`
	AppRoot       string                 `json:"appRoot"`
	Source        Source                 `json:"source"`
	CorrelationID string                 `json:"correlationId"`
	Data          map[string]interface{} `json:"data"`
}

// Context carries the producer-supplied fields a factory call stamps onto
// every envelope it creates.
type Context struct {
	App           string
	AppRoot       string
	Source        Source
	CorrelationID string
}

var (
	ErrEmptyType          = errors.New("envelope: type is required")
	ErrEmptyApp           = errors.New("envelope: app is required")
	ErrEmptyAppRoot       = errors.New("envelope: appRoot is required")
	ErrInvalidSource      = errors.New("envelope: source must be \"cli\" or \"hook\"")
	ErrInvalidData        = errors.New("envelope: data must be a JSON object")
	ErrInvalidSchema      = errors.New("envelope: schemaVersion mismatch")
	ErrEmptyID            = errors.New("envelope: id is required")
	ErrInvalidTimestamp   = errors.New("envelope: timestamp is not valid ISO-8601")
	ErrInvalidCorrelation = errors.New("envelope: correlationId must be hex, at least 8 characters")
)

// idCounter gives each process-lifetime id a monotone component so two
// envelopes minted in the same nanosecond never collide.
var idCounter uint64

// NewID returns a short, collision-resistant opaque token derived from a
// SHA-256 digest of random bytes, wall-clock time, and a monotone counter
// truncated to hex, not a UUID library.
func NewID() string {
	return newToken(16)
}

// NewCorrelationID returns a fresh short hex token suitable for
// correlationId when the caller supplied none.
func NewCorrelationID() string {
	return newToken(8)
}

func newToken(bytesOfEntropy int) string {
	var raw [16]byte
	_, _ = rand.Read(raw[:])
	seq := atomic.AddUint64(&idCounter, 1)
	h := sha256.New()
	h.Write(raw[:])
	h.Write([]byte(time.Now().UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(fmt.Sprintf("%d", seq)))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:bytesOfEntropy]
}

// Create stamps a payload with id, timestamp, correlation id, schema
// version, and source context. It fails only on precondition violations
// (missing required context fields) — never on transient conditions.
func Create(eventType string, data map[string]interface{}, ctx Context) (Envelope, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return Envelope{}, ErrEmptyType
	}
	app := strings.TrimSpace(ctx.App)
	if app == "" {
		return Envelope{}, ErrEmptyApp
	}
	appRoot := strings.TrimSpace(ctx.AppRoot)
	if appRoot == "" {
		return Envelope{}, ErrEmptyAppRoot
	}
	src := ctx.Source
	if src != SourceCLI && src != SourceHook {
		return Envelope{}, ErrInvalidSource
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	corr := strings.TrimSpace(ctx.CorrelationID)
	if corr == "" {
		corr = NewCorrelationID()
	}
	env := Envelope{
		SchemaVersion: SchemaVersion,
		ID:            NewID(),
		Timestamp:     time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Type:          eventType,
		App:           app,
		AppRoot:       appRoot,
		Source:        src,
		CorrelationID: corr,
		Data:          data,
	}
	return env, nil
}

// Normalize trims string fields in place. It never changes semantic
// content beyond whitespace.
func (e *Envelope) Normalize() {
	e.Type = strings.TrimSpace(e.Type)
	e.App = strings.TrimSpace(e.App)
	e.AppRoot = strings.TrimSpace(e.AppRoot)
	e.CorrelationID = strings.TrimSpace(e.CorrelationID)
	if e.Data == nil {
		e.Data = map[string]interface{}{}
	}
}

// Validate checks the full-envelope contract from §3 of the envelope
// schema: every field present and correctly typed, schemaVersion exact.
func (e Envelope) Validate() error {
	if e.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: got %q want %q", ErrInvalidSchema, e.SchemaVersion, SchemaVersion)
	}
	if strings.TrimSpace(e.ID) == "" {
		return ErrEmptyID
	}
	if _, err := time.Parse("2006-01-02T15:04:05.000Z", e.Timestamp); err != nil {
		if _, err2 := time.Parse(time.RFC3339, e.Timestamp); err2 != nil {
			return fmt.Errorf("%w: %q", ErrInvalidTimestamp, e.Timestamp)
		}
	}
	if strings.TrimSpace(e.Type) == "" {
		return ErrEmptyType
	}
	if strings.TrimSpace(e.App) == "" {
		return ErrEmptyApp
	}
	if strings.TrimSpace(e.AppRoot) == "" {
		return ErrEmptyAppRoot
	}
	if e.Source != SourceCLI && e.Source != SourceHook {
		return ErrInvalidSource
	}
	if len(strings.TrimSpace(e.CorrelationID)) < 8 {
		return ErrInvalidCorrelation
	}
	if !isHex(e.CorrelationID) {
		return ErrInvalidCorrelation
	}
	if e.Data == nil {
		return ErrInvalidData
	}
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		ok := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
		if !ok {
			return false
		}
	}
	return true
}

// FromPartial builds a validated envelope from the partial ingress shape
// `{type, data, app?, appRoot?, source?, correlationId?}`, filling
// defaults from ctx for any field the caller omitted.
func FromPartial(eventType string, data map[string]interface{}, partialApp, partialAppRoot string, partialSource Source, correlationID string, defaults Context) (Envelope, error) {
	ctx := defaults
	if strings.TrimSpace(partialApp) != "" {
		ctx.App = partialApp
	}
	if strings.TrimSpace(partialAppRoot) != "" {
		ctx.AppRoot = partialAppRoot
	}
	if partialSource != "" {
		ctx.Source = partialSource
	}
	if strings.TrimSpace(correlationID) != "" {
		ctx.CorrelationID = correlationID
	}
	return Create(eventType, data, ctx)
}

// DecodeFull parses raw JSON as a full envelope candidate (shape (a) from
// the ingress contract). It does not validate; callers call Validate.
func DecodeFull(raw []byte) (Envelope, error) {
	var e Envelope
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
