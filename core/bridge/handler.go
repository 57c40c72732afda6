// Package bridge makes the queue-plus-gateway backend look like a normal
// blocking compile endpoint to HTTP callers.
package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/compiler-explorer/compile-bridge/core/dispatch"
	"github.com/compiler-explorer/compile-bridge/core/infra/config"
	"github.com/compiler-explorer/compile-bridge/core/infra/logging"
	"github.com/compiler-explorer/compile-bridge/core/infra/metrics"
	"github.com/compiler-explorer/compile-bridge/core/routing"
)

const maxRequestBytes = 2 << 20 // 2 MiB limit for incoming compile payloads

// errDispatchFailed marks an error from the dispatch step, which is never
// retried: the job may already be enqueued.
var errDispatchFailed = errors.New("dispatch failed")

// Handler serves POST /api/compiler/{id}/compile and /api/compiler/{id}/cmake.
type Handler struct {
	resolver   *routing.Resolver
	dispatcher *dispatch.Dispatcher
	waiter     *resultWaiter
	retries    int
	metrics    metrics.BridgeMetrics
	httpc      *http.Client
}

// NewHandler assembles a bridge handler from its collaborators.
func NewHandler(resolver *routing.Resolver, dispatcher *dispatch.Dispatcher, cfg *config.Config, m metrics.BridgeMetrics) *Handler {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Handler{
		resolver:   resolver,
		dispatcher: dispatcher,
		waiter: &resultWaiter{
			gatewayURL:     cfg.GatewayWSURL,
			connectTimeout: cfg.ConnectTimeout,
			resultTimeout:  cfg.CompileTimeout,
		},
		retries: cfg.Retries,
		metrics: m,
		httpc:   &http.Client{Timeout: cfg.CompileTimeout},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	compilerID, mode, ok := parsePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}

	status := h.serve(w, r, compilerID, mode, body)
	h.metrics.ObserveRequest(mode, fmt.Sprintf("%d", status), time.Since(started).Seconds())
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, compilerID, mode string, body []byte) int {
	ctx := r.Context()
	dest := h.resolver.Resolve(ctx, compilerID)
	if dest.Kind == routing.KindURL {
		return h.proxyDirect(w, r, dest.Target, body)
	}

	jobID := uuid.NewString()
	headers := map[string]string{
		"accept":       r.Header.Get("Accept"),
		"content-type": r.Header.Get("Content-Type"),
	}

	dispatched := false
	var result []byte
	var lastErr error
	for attempt := 0; attempt <= h.retries; attempt++ {
		if attempt > 0 {
			h.metrics.IncRetries()
			logging.Info("bridge", "retrying result wait", "job", jobID, "attempt", attempt)
			time.Sleep(backoffDelay(attempt))
		}
		var afterSubscribe func() error
		if !dispatched {
			afterSubscribe = func() error {
				_, err := h.dispatcher.Dispatch(ctx, jobID, compilerID, dest,
					mode == "cmake", headers, r.Header.Get("Content-Type"), body)
				if err != nil {
					return errors.Join(errDispatchFailed, err)
				}
				dispatched = true
				return nil
			}
		}
		result, lastErr = h.waiter.await(ctx, jobID, afterSubscribe)
		if lastErr == nil {
			return h.writeResult(w, r.Header.Get("Accept"), result)
		}
		if errors.Is(lastErr, errDispatchFailed) {
			break
		}
	}

	switch {
	case errors.Is(lastErr, dispatch.ErrNoDestination):
		http.Error(w, lastErr.Error(), http.StatusInternalServerError)
		return http.StatusInternalServerError
	case errors.Is(lastErr, errDispatchFailed):
		http.Error(w, lastErr.Error(), http.StatusBadGateway)
		return http.StatusBadGateway
	default:
		logging.Error("bridge", "request failed", "job", jobID, "error", lastErr)
		http.Error(w, lastErr.Error(), http.StatusGatewayTimeout)
		return http.StatusGatewayTimeout
	}
}

// proxyDirect forwards the request to a direct-routed instance and relays
// the response unchanged.
func (h *Handler) proxyDirect(w http.ResponseWriter, r *http.Request, target string, body []byte) int {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "bad direct target", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	req.Header.Set("Content-Type", r.Header.Get("Content-Type"))
	req.Header.Set("Accept", r.Header.Get("Accept"))
	resp, err := h.httpc.Do(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return http.StatusBadGateway
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	return resp.StatusCode
}

// writeResult echoes the result payload, flattening the dominant output
// field to plain text when the caller asked for it.
func (h *Handler) writeResult(w http.ResponseWriter, accept string, payload []byte) int {
	if strings.Contains(accept, "text/plain") {
		if text, ok := flattenResult(payload); ok {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = io.WriteString(w, text)
			return http.StatusOK
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
	return http.StatusOK
}

// flattenResult renders the asm lines (or stdout, for execution-style
// results) as plain text.
func flattenResult(payload []byte) (string, bool) {
	var result struct {
		Asm    []struct{ Text string `json:"text"` } `json:"asm"`
		Stdout []struct{ Text string `json:"text"` } `json:"stdout"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", false
	}
	lines := result.Asm
	if len(lines) == 0 {
		lines = result.Stdout
	}
	if len(lines) == 0 {
		return "", false
	}
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(line.Text)
	}
	return b.String(), true
}

// parsePath extracts the compiler identifier and mode from
// /api/compiler/{id}/{compile|cmake}.
func parsePath(path string) (compilerID, mode string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 4 || parts[0] != "api" || parts[1] != "compiler" {
		return "", "", false
	}
	if parts[2] == "" {
		return "", "", false
	}
	switch parts[3] {
	case "compile", "cmake":
		return parts[2], parts[3], true
	}
	return "", "", false
}
