package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"github.com/compiler-explorer/compile-bridge/core/dispatch"
	"github.com/compiler-explorer/compile-bridge/core/infra/bus"
	"github.com/compiler-explorer/compile-bridge/core/infra/config"
	"github.com/compiler-explorer/compile-bridge/core/registry"
	"github.com/compiler-explorer/compile-bridge/core/relay"
	"github.com/compiler-explorer/compile-bridge/core/routing"
)

type bridgeEnv struct {
	handler *Handler
	queue   *bus.MemoryQueue
	mr      *miniredis.Miniredis
}

func newBridgeEnv(t *testing.T, retries int, resultTimeout time.Duration) *bridgeEnv {
	t.Helper()
	mr := miniredis.RunT(t)

	reg, err := registry.NewRedisRegistry("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	gateway := relay.NewGateway(relay.New(reg, nil))
	gwSrv := httptest.NewServer(http.HandlerFunc(gateway.HandleWS))
	t.Cleanup(gwSrv.Close)

	table, err := routing.NewRedisTable("redis://"+mr.Addr(), "compilequeue:active-color")
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	t.Cleanup(func() { _ = table.Close() })
	queues, err := config.ParseQueuesConfig([]byte(
		"defaults:\n  blue: prod-compilation-blue\n  green: prod-compilation-green\n"))
	if err != nil {
		t.Fatalf("parse queues: %v", err)
	}
	resolver := routing.NewResolver(table, "prod", queues)

	q := bus.NewMemoryQueue()
	t.Cleanup(q.Close)
	dispatcher := dispatch.NewDispatcher(q, nil)

	cfg := &config.Config{
		GatewayWSURL:   "ws" + strings.TrimPrefix(gwSrv.URL, "http"),
		ConnectTimeout: 2 * time.Second,
		CompileTimeout: resultTimeout,
		Retries:        retries,
	}
	return &bridgeEnv{
		handler: NewHandler(resolver, dispatcher, cfg, nil),
		queue:   q,
		mr:      mr,
	}
}

func (e *bridgeEnv) setQueueRoute(compilerID, queueName string) {
	key := "route:prod#" + compilerID
	e.mr.HSet(key, "routingType", "queue")
	e.mr.HSet(key, "queueName", queueName)
	e.mr.HSet(key, "environment", "prod")
}

// startWorker consumes one queue and publishes a canned result for every job.
func (e *bridgeEnv) startWorker(t *testing.T, queueName string, result map[string]any) {
	t.Helper()
	cancel, err := e.queue.Consume(queueName, "workers", func(ctx context.Context, msg *bus.Message) error {
		var job dispatch.CompileJob
		if err := json.Unmarshal(msg.Payload, &job); err != nil {
			return nil
		}
		out := map[string]any{"jobId": job.JobID}
		for k, v := range result {
			out[k] = v
		}
		payload, _ := json.Marshal(out)
		// Publish through the relay the way a worker does: as a frame on
		// its own gateway connection.
		return publishFrame(e.handler.waiter.gatewayURL, payload)
	})
	if err != nil {
		t.Fatalf("start worker: %v", err)
	}
	t.Cleanup(cancel)
}

func publishFrame(gatewayURL string, payload []byte) error {
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	ws, _, err := dialer.Dial(gatewayURL, nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	return ws.WriteMessage(websocket.TextMessage, payload)
}

func TestBridgeEndToEnd(t *testing.T) {
	env := newBridgeEnv(t, 1, 10*time.Second)
	env.setQueueRoute("gcc-12", "gcc-queue")
	env.startWorker(t, "gcc-queue-blue.fifo", map[string]any{
		"asm":  []map[string]any{{"text": "mov eax, 0"}, {"text": "ret"}},
		"code": 0,
	})

	req := httptest.NewRequest(http.MethodPost, "/api/compiler/gcc-12/compile",
		strings.NewReader("int main() { return 0; }"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var result map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if _, ok := result["asm"]; !ok {
		t.Fatalf("expected asm in response, got %v", result)
	}
	if result["jobId"] == "" {
		t.Fatalf("expected job id in response, got %v", result)
	}
}

func TestBridgePlainTextFlattening(t *testing.T) {
	env := newBridgeEnv(t, 1, 10*time.Second)
	env.setQueueRoute("gcc-12", "gcc-queue")
	env.startWorker(t, "gcc-queue-blue.fifo", map[string]any{
		"asm": []map[string]any{{"text": "mov eax, 0"}, {"text": "ret"}},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/compiler/gcc-12/compile",
		strings.NewReader("int main() { return 0; }"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "text/plain")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "mov eax, 0\nret" {
		t.Fatalf("unexpected flattened body: %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type: %s", ct)
	}
}

func TestBridgeTimeoutNeverDispatchesTwice(t *testing.T) {
	env := newBridgeEnv(t, 2, 300*time.Millisecond)
	env.setQueueRoute("gcc-12", "gcc-queue")
	// No worker: nothing ever publishes a result.

	req := httptest.NewRequest(http.MethodPost, "/api/compiler/gcc-12/compile",
		strings.NewReader("int main(){}"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d: %s", rec.Code, rec.Body.String())
	}
	if depth := env.queue.Depth("gcc-queue-blue.fifo"); depth != 1 {
		t.Fatalf("expected exactly one enqueued job across retries, got %d", depth)
	}
}

func TestBridgeDirectURLProxy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":0,"direct":true}`))
	}))
	defer backend.Close()

	env := newBridgeEnv(t, 1, 5*time.Second)
	key := "route:prod#icc-lab"
	env.mr.HSet(key, "routingType", "url")
	env.mr.HSet(key, "targetUrl", backend.URL)

	req := httptest.NewRequest(http.MethodPost, "/api/compiler/icc-lab/compile",
		strings.NewReader("source"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"direct":true`) {
		t.Fatalf("direct proxy failed: %d %s", rec.Code, rec.Body.String())
	}
}

func TestBridgeRejectsBadPaths(t *testing.T) {
	env := newBridgeEnv(t, 0, time.Second)
	for _, path := range []string{"/api/compiler/gcc-12/link", "/api/other", "/"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", path, rec.Code)
		}
	}
	req := httptest.NewRequest(http.MethodGet, "/api/compiler/gcc-12/compile", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestParsePath(t *testing.T) {
	id, mode, ok := parsePath("/api/compiler/gcc-12/compile")
	if !ok || id != "gcc-12" || mode != "compile" {
		t.Fatalf("unexpected parse: %s %s %v", id, mode, ok)
	}
	id, mode, ok = parsePath("/api/compiler/clang/cmake")
	if !ok || id != "clang" || mode != "cmake" {
		t.Fatalf("unexpected parse: %s %s %v", id, mode, ok)
	}
	if _, _, ok := parsePath("/api/compiler//compile"); ok {
		t.Fatalf("expected empty compiler id rejected")
	}
}
