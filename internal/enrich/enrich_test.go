package enrich

import (
	"strings"
	"testing"

	"github.com/devbus-oss/devbus/pkg/envelope"
)

func defaultCtx() envelope.Context {
	return envelope.Context{App: "devbus", AppRoot: "/default"}
}

func TestRunSessionStart(t *testing.T) {
	res, err := Run("session-start", map[string]interface{}{
		"session_id": "S",
		"cwd":        "/p",
		"model":      "m",
	}, defaultCtx())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Skipped {
		t.Fatal("did not expect skip")
	}
	e := res.Envelope
	if e.Type != "hook.session_start" {
		t.Fatalf("type = %q", e.Type)
	}
	if e.Source != envelope.SourceHook {
		t.Fatalf("source = %q", e.Source)
	}
	if e.AppRoot != "/p" {
		t.Fatalf("appRoot = %q", e.AppRoot)
	}
	if e.Data["sessionId"] != "S" || e.Data["model"] != "m" {
		t.Fatalf("data = %+v", e.Data)
	}
	if e.Data["hookEvent"] != "session_start" {
		t.Fatalf("hookEvent = %v", e.Data["hookEvent"])
	}
}

func TestRunTruncatesOversizedPreview(t *testing.T) {
	big := strings.Repeat("x", 3000)
	res, err := Run("pre-tool-use", map[string]interface{}{
		"tool_input": map[string]interface{}{"content": big},
	}, defaultCtx())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	preview, ok := res.Envelope.Data["toolInputPreview"].(string)
	if !ok {
		t.Fatalf("expected toolInputPreview string, got %T", res.Envelope.Data["toolInputPreview"])
	}
	if len(preview) != 2003 || !strings.HasSuffix(preview, "...") {
		t.Fatalf("expected 2003-char truncated preview, got len=%d suffix=%q", len(preview), preview[max(0, len(preview)-3):])
	}
}

func TestRunStopRecursionGuardSkips(t *testing.T) {
	res, err := Run("stop", map[string]interface{}{"stop_hook_active": true}, defaultCtx())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Skipped || res.SkipReason != "stop_hook_active" {
		t.Fatalf("expected skip with stop_hook_active reason, got %+v", res)
	}
}

func TestRunStopWithoutRecursionFlagProceeds(t *testing.T) {
	res, err := Run("stop", map[string]interface{}{"transcript_path": "/t"}, defaultCtx())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Skipped {
		t.Fatal("did not expect skip")
	}
	if res.Envelope.Type != "hook.stop" {
		t.Fatalf("type = %q", res.Envelope.Type)
	}
	if res.Envelope.Data["transcriptPath"] != "/t" {
		t.Fatalf("data = %+v", res.Envelope.Data)
	}
}

func TestRunUnknownNameFallsThroughToGenericType(t *testing.T) {
	res, err := Run("some-new-hook", map[string]interface{}{"foo_bar": "v"}, defaultCtx())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Envelope.Type != "hook.some_new_hook" {
		t.Fatalf("type = %q", res.Envelope.Type)
	}
}

func TestIsKnownUnmapped(t *testing.T) {
	if !IsKnownUnmapped("notification") {
		t.Fatal("expected notification to be known-unmapped")
	}
	if IsKnownUnmapped("session-start") {
		t.Fatal("session-start is mapped, should not be known-unmapped")
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
