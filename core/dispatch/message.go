// Package dispatch normalizes inbound compile requests into canonical job
// messages and deposits them on the destination queue.
package dispatch

import (
	_ "embed"
	"encoding/json"
	"sort"
	"strings"

	"github.com/compiler-explorer/compile-bridge/core/infra/logging"
	"github.com/compiler-explorer/compile-bridge/core/infra/schema"
)

//go:embed request_schema.json
var requestSchema []byte

// CompileJob is the canonical envelope a worker consumes. Every field is
// present after normalization; workers never null-check.
type CompileJob struct {
	JobID             string            `json:"jobId"`
	CompilerID        string            `json:"compilerId"`
	IsCMake           bool              `json:"isCMake"`
	Headers           map[string]string `json:"headers"`
	Source            string            `json:"source"`
	Options           []string          `json:"options"`
	Filters           map[string]any    `json:"filters"`
	BackendOptions    map[string]any    `json:"backendOptions"`
	Tools             []any             `json:"tools"`
	Libraries         []any             `json:"libraries"`
	Files             []any             `json:"files"`
	ExecuteParameters map[string]any    `json:"executeParameters"`
	Lang              string            `json:"lang"`
	BypassCache       bool              `json:"bypassCache"`
}

// canonicalDefaults returns the empty value for every optional field.
func canonicalDefaults() map[string]any {
	return map[string]any{
		"source":            "",
		"options":           []any{},
		"filters":           map[string]any{},
		"backendOptions":    map[string]any{},
		"tools":             []any{},
		"libraries":         []any{},
		"files":             []any{},
		"executeParameters": map[string]any{},
		"lang":              "",
		"bypassCache":       false,
	}
}

// parseBody interprets the request body by declared content type. JSON
// bodies that fail to parse or validate are treated as raw source, the same
// as any unstructured content type.
func parseBody(contentType string, body []byte) map[string]any {
	if isStructured(contentType) {
		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err == nil {
			if err := schema.Validate("compile-request", requestSchema, json.RawMessage(body)); err == nil {
				return fields
			}
			logging.Info("dispatch", "request body failed schema validation, treating as source")
		}
	}
	return map[string]any{"source": string(body)}
}

func isStructured(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	return ct == "application/json" || strings.HasSuffix(ct, "+json")
}

// buildMessage assembles the canonical message map. Bookkeeping fields are
// set first, caller fields are merged on top, and anything still missing is
// defaulted to its canonical empty value.
func buildMessage(jobID, compilerID string, isCMake bool, headers map[string]string, caller map[string]any) map[string]any {
	if headers == nil {
		headers = map[string]string{}
	}
	msg := map[string]any{
		"jobId":      jobID,
		"compilerId": compilerID,
		"isCMake":    isCMake,
		"headers":    headers,
	}
	for key, val := range caller {
		msg[key] = val
	}
	for key, val := range canonicalDefaults() {
		if _, ok := msg[key]; !ok {
			msg[key] = val
		}
	}
	return msg
}

// fieldNames returns the sorted keys of a message, used in logs.
func fieldNames(msg map[string]any) string {
	keys := make([]string, 0, len(msg))
	for key := range msg {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
