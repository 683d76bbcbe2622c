package errors

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestNewEnvelopeFallsBackToInternal(t *testing.T) {
	env := NewEnvelope(Code("bogus.code"), "oops")
	if env.Error.Code != Internal {
		t.Fatalf("expected fallback to Internal, got %q", env.Error.Code)
	}
}

func TestHTTPStatusForKnownCode(t *testing.T) {
	if HTTPStatusFor(OversizeBody) != 413 {
		t.Fatalf("expected 413, got %d", HTTPStatusFor(OversizeBody))
	}
}

func TestWriteHTTPSetsStatusAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTP(rec, InvalidJSON, "bad json")
	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if env.Error.Code != InvalidJSON || env.Error.Message != "bad json" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestListIsSorted(t *testing.T) {
	codes := List()
	for i := 1; i < len(codes); i++ {
		if codes[i-1] >= codes[i] {
			t.Fatalf("List() not sorted at index %d: %q >= %q", i, codes[i-1], codes[i])
		}
	}
}
