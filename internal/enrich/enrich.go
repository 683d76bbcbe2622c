// Package enrich implements the ingestion/enrichment pipeline (C3): it
// turns a kebab-case hook name and a raw payload into a canonical
// envelope, mapping known hook names, normalizing field shape per type,
// and truncating oversized preview fields.
package enrich

import (
	"encoding/json"
	"strings"

	"github.com/devbus-oss/devbus/pkg/envelope"
)

const previewTruncateAt = 2000

// hookTypeMap maps kebab-case hook names from the URL path to canonical
// dot-qualified event types. Unknown names fall through to
// hook.<snake_case>, keeping the mapping table open for forward
// compatibility — implementers should not close this off with an
// allow-list.
var hookTypeMap = map[string]string{
	"session-start":         "hook.session_start",
	"pre-tool-use":          "hook.pre_tool_use",
	"post-tool-use":         "hook.post_tool_use",
	"post-tool-use-failure": "hook.post_tool_use_failure",
	"stop":                  "hook.stop",
}

// knownUnmappedHookNames are additional Claude-Code hook names that are
// accepted but not yet routed by the table above; they fall through the
// generic hook.<snake_case> path deliberately (see design notes).
var knownUnmappedHookNames = map[string]bool{
	"subagent-start":     true,
	"subagent-stop":      true,
	"notification":       true,
	"user-prompt-submit": true,
	"pre-compact":        true,
}

// Result is the outcome of running the pipeline on a single ingress
// request.
type Result struct {
	Skipped   bool
	SkipReason string
	Envelope  envelope.Envelope
}

// Run executes the stop-recursion guard, type mapping, field
// normalization, and truncation steps, then constructs an envelope via
// the envelope factory. defaults supplies the server's configured
// app/appRoot used when the payload omits them.
func Run(kebabName string, payload map[string]interface{}, defaults envelope.Context) (Result, error) {
	kebabName = strings.TrimSpace(kebabName)

	if kebabName == "stop" {
		if active, ok := payload["stop_hook_active"].(bool); ok && active {
			return Result{Skipped: true, SkipReason: "stop_hook_active"}, nil
		}
	}

	canonicalType, ok := hookTypeMap[kebabName]
	if !ok {
		canonicalType = "hook." + kebabToSnake(kebabName)
	}

	data := normalizeFields(canonicalType, kebabName, payload)

	ctx := defaults
	ctx.Source = envelope.SourceHook
	if app, _ := payload["app"].(string); strings.TrimSpace(app) != "" {
		ctx.App = app
	}
	if cwd, _ := payload["cwd"].(string); strings.TrimSpace(cwd) != "" {
		ctx.AppRoot = cwd
	}

	env, err := envelope.Create(canonicalType, data, ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Envelope: env}, nil
}

// IsKnownUnmapped reports whether kebabName is a recognized hook name
// that intentionally falls through the generic hook.<snake_case> path
// rather than a truly unknown name, useful for debug-level logging at
// the ingress handler.
func IsKnownUnmapped(kebabName string) bool {
	return knownUnmappedHookNames[strings.TrimSpace(kebabName)]
}

func kebabToSnake(s string) string {
	return strings.ReplaceAll(s, "-", "_")
}

// normalizeFields drops fields not relevant to canonicalType and renames
// snake_case inputs to the camelCase output shape, truncating any field
// routed to a *Preview name.
func normalizeFields(canonicalType, hookName string, payload map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}

	copyStr := func(key, outKey string) {
		if v, ok := payload[key].(string); ok && v != "" {
			out[outKey] = v
		}
	}
	copyPreview := func(key, outKey string) {
		v, ok := payload[key]
		if !ok {
			return
		}
		out[outKey] = truncatePreview(v)
	}

	switch canonicalType {
	case "hook.session_start":
		copyStr("session_id", "sessionId")
		copyStr("source", "source")
		copyStr("model", "model")
		copyStr("agent_type", "agentType")
	case "hook.pre_tool_use", "hook.post_tool_use", "hook.post_tool_use_failure":
		copyStr("tool_name", "toolName")
		copyStr("tool_use_id", "toolUseId")
		copyStr("permission_mode", "permissionMode")
		copyStr("session_id", "sessionId")
		if _, ok := payload["tool_input"]; ok {
			copyPreview("tool_input", "toolInputPreview")
		}
		if _, ok := payload["tool_result"]; ok {
			copyPreview("tool_result", "toolResultPreview")
		}
	case "hook.stop":
		copyStr("transcript_path", "transcriptPath")
	default:
		// unknown/unmapped hook names carry their snake-cased keys through
		// unchanged, camelCased shallowly, so nothing is silently lost.
		for k, v := range payload {
			out[toCamel(k)] = v
		}
	}
	out["hookEvent"] = kebabToSnake(hookName)
	return out
}

func toCamel(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) == 1 {
		return s
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// truncatePreview serializes v to JSON and truncates to previewTruncateAt
// characters with a literal "..." suffix if longer.
func truncatePreview(v interface{}) string {
	var s string
	b, err := json.Marshal(v)
	if err != nil {
		s = ""
	} else {
		s = string(b)
	}
	if r := []rune(s); len(r) > previewTruncateAt {
		return string(r[:previewTruncateAt]) + "..."
	}
	return s
}
