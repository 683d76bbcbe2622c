package errors

import (
	"encoding/json"
	"net/http"
	"strings"
)

const maxMessageLen = 512

// Body is the JSON shape of the "error" key in an error response.
type Body struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Kind      string `json:"kind,omitempty"`
}

// Envelope is the full error response body: {"error": {...}}.
type Envelope struct {
	Error Body `json:"error"`
}

// NewEnvelope builds a bounded error envelope for code, falling back to
// Internal if code is not registered.
func NewEnvelope(code Code, msg string) Envelope {
	meta, ok := Meta(code)
	if !ok {
		meta = CodeMeta{HTTPStatus: 500, Retryable: true, Kind: "server", Description: "unknown error code"}
		code = Internal
	}
	return Envelope{Error: Body{
		Code:      code,
		Message:   sanitize(msg, maxMessageLen),
		Retryable: meta.Retryable,
		Kind:      meta.Kind,
	}}
}

// HTTPStatusFor returns the status code registered for code, or 500.
func HTTPStatusFor(code Code) int {
	if m, ok := Meta(code); ok && m.HTTPStatus > 0 {
		return m.HTTPStatus
	}
	return 500
}

// WriteHTTP writes env as JSON with the status registered for its code,
// setting the content-type header. CORS headers are applied upstream by
// withCORS, not here.
func WriteHTTP(w http.ResponseWriter, code Code, msg string) {
	env := NewEnvelope(code, msg)
	b, err := json.Marshal(env)
	if err != nil {
		b = []byte(`{"error":{"code":"devbus.internal","message":"internal error","retryable":true,"kind":"server"}}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatusFor(env.Error.Code))
	_, _ = w.Write(b)
}

func sanitize(s string, max int) string {
	s = strings.TrimSpace(s)
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		out = append(out, r)
	}
	s = string(out)
	if len(s) > max {
		s = s[:max]
	}
	return s
}
