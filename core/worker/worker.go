// Package worker provides a minimal runtime for compile workers: consume
// the color-scoped job queue, run a compile function, publish the result to
// the events gateway tagged with the job identifier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/compiler-explorer/compile-bridge/core/dispatch"
	"github.com/compiler-explorer/compile-bridge/core/infra/bus"
	"github.com/compiler-explorer/compile-bridge/core/infra/logging"
)

// CompileFunc turns one canonical job into a result map. The worker adds
// the job identifier to the published frame.
type CompileFunc func(ctx context.Context, job *dispatch.CompileJob) (map[string]any, error)

// Config configures a worker runtime.
type Config struct {
	WorkerID   string
	Queue      string
	Group      string
	GatewayURL string
	// Publish retry budget for the subscribe race window: the bridge may
	// not have registered its subscription yet when the result is ready.
	PublishRetries int
	PublishDelay   time.Duration
}

// Worker consumes jobs and publishes results.
type Worker struct {
	cfg   Config
	queue bus.Queue
	fn    CompileFunc

	wsMu sync.Mutex
	ws   *websocket.Conn
}

// New prepares a worker runtime over an existing queue connection.
func New(cfg Config, queue bus.Queue, fn CompileFunc) (*Worker, error) {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("queue name required")
	}
	if cfg.Group == "" {
		cfg.Group = "compile-workers"
	}
	if cfg.PublishRetries <= 0 {
		cfg.PublishRetries = 4
	}
	if cfg.PublishDelay <= 0 {
		cfg.PublishDelay = 250 * time.Millisecond
	}
	if fn == nil {
		return nil, fmt.Errorf("compile function required")
	}
	return &Worker{cfg: cfg, queue: queue, fn: fn}, nil
}

// Run attaches the queue consumer and blocks until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	cancel, err := w.queue.Consume(w.cfg.Queue, w.cfg.Group, func(msgCtx context.Context, msg *bus.Message) error {
		return w.handle(msgCtx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", w.cfg.Queue, err)
	}
	logging.Info("worker", "consuming", "worker", w.cfg.WorkerID, "queue", w.cfg.Queue)
	<-ctx.Done()
	cancel()
	w.closeGateway()
	return nil
}

func (w *Worker) handle(ctx context.Context, msg *bus.Message) error {
	var job dispatch.CompileJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		logging.Error("worker", "malformed job payload dropped", "error", err)
		return nil
	}
	result, err := w.fn(ctx, &job)
	if err != nil {
		logging.Error("worker", "compile failed", "job", job.JobID, "error", err)
		result = map[string]any{
			"code":   -1,
			"stderr": []map[string]any{{"text": err.Error()}},
		}
	}
	if result == nil {
		result = map[string]any{}
	}
	result["jobId"] = job.JobID
	return w.publish(ctx, job.JobID, result)
}

// publish writes the result frame to the events gateway, retrying briefly
// when no subscriber has registered yet.
func (w *Worker) publish(ctx context.Context, jobID string, result map[string]any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", jobID, err)
	}
	var lastErr error
	for attempt := 0; attempt < w.cfg.PublishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(w.cfg.PublishDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		noListener, err := w.sendFrame(payload)
		if err == nil && !noListener {
			return nil
		}
		if err != nil {
			lastErr = err
			continue
		}
		lastErr = fmt.Errorf("no listener for job %s", jobID)
	}
	logging.Error("worker", "result publish failed", "job", jobID, "error", lastErr)
	return nil
}

// sendFrame writes one frame and peeks briefly for an error reply from the
// relay. A quiet connection means the forward went through.
func (w *Worker) sendFrame(payload []byte) (noListener bool, err error) {
	ws, err := w.gateway()
	if err != nil {
		return false, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		w.closeGateway()
		return false, fmt.Errorf("gateway write: %w", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(w.cfg.PublishDelay))
	_, reply, err := ws.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			return false, nil
		}
		w.closeGateway()
		return false, fmt.Errorf("gateway read: %w", err)
	}
	text := strings.TrimSpace(string(reply))
	if strings.HasPrefix(text, "error: ") && strings.Contains(text, "no listener") {
		return true, nil
	}
	return false, nil
}

func (w *Worker) gateway() (*websocket.Conn, error) {
	w.wsMu.Lock()
	defer w.wsMu.Unlock()
	if w.ws != nil {
		return w.ws, nil
	}
	ws, _, err := websocket.DefaultDialer.Dial(w.cfg.GatewayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	w.ws = ws
	return ws, nil
}

func (w *Worker) closeGateway() {
	w.wsMu.Lock()
	defer w.wsMu.Unlock()
	if w.ws != nil {
		_ = w.ws.Close()
		w.ws = nil
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
