package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerWritesOneJSONLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Service: "devbus", Level: LevelInfo, Writer: &buf})
	l.Info(context.Background(), "hello", Field{K: "b", V: 2}, Field{K: "a", V: 1})
	l.Info(context.Background(), "world")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("line not valid JSON: %v", err)
	}
	if rec["msg"] != "hello" || rec["service"] != "devbus" || rec["level"] != "info" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	fields, ok := rec["fields"].([]interface{})
	if !ok || len(fields) != 2 {
		t.Fatalf("expected 2 fields: %+v", rec["fields"])
	}
	first := fields[0].(map[string]interface{})
	if first["k"] != "a" {
		t.Fatalf("expected sorted fields, got %+v first", first)
	}
}

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Service: "devbus", Level: LevelWarn, Writer: &buf})
	l.Info(context.Background(), "suppressed")
	l.Warn(context.Background(), "kept")
	if strings.Contains(buf.String(), "suppressed") {
		t.Fatal("info line should have been filtered at warn level")
	}
	if !strings.Contains(buf.String(), "kept") {
		t.Fatal("warn line should have been written")
	}
}

func TestSanitizeStripsControlCharsAndTruncates(t *testing.T) {
	got := sanitize("a\x00b\nc", 1000)
	if strings.ContainsAny(got, "\x00") {
		t.Fatalf("control char survived: %q", got)
	}
	long := strings.Repeat("x", maxMessageLen+10)
	got = sanitize(long, maxMessageLen)
	if len(got) != maxMessageLen+len(skippedFieldsV) {
		t.Fatalf("truncation length wrong: %d", len(got))
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if ParseLevel("bogus") != LevelInfo {
		t.Fatal("expected default to info")
	}
	if ParseLevel("ERROR") != LevelError {
		t.Fatal("expected case-insensitive parse")
	}
}

func TestWithQualifiesServiceName(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Service: "devbus", Writer: &buf}).With("store")
	l.Info(context.Background(), "hi")
	var rec map[string]interface{}
	json.Unmarshal(buf.Bytes(), &rec)
	if rec["service"] != "devbus.store" {
		t.Fatalf("expected qualified service name, got %v", rec["service"])
	}
}
