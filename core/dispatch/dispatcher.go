package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/compiler-explorer/compile-bridge/core/infra/bus"
	"github.com/compiler-explorer/compile-bridge/core/infra/logging"
	"github.com/compiler-explorer/compile-bridge/core/infra/metrics"
	"github.com/compiler-explorer/compile-bridge/core/routing"
)

// ErrNoDestination reports a dispatch attempt against an empty target. This
// is a configuration error, never retried.
var ErrNoDestination = errors.New("no destination configured for dispatch")

// Dispatcher deposits canonical job messages on the durable queue.
type Dispatcher struct {
	queue   bus.Queue
	metrics metrics.BridgeMetrics
}

// NewDispatcher wires a dispatcher to its queue.
func NewDispatcher(queue bus.Queue, m metrics.BridgeMetrics) *Dispatcher {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Dispatcher{queue: queue, metrics: m}
}

// Dispatch normalizes the request and deposits exactly one message on the
// destination queue, deduplicated by job identifier. All jobs on one color
// queue share a single ordering group. The marshaled message is returned
// for observability.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID, compilerID string, dest routing.Destination, isCMake bool, headers map[string]string, contentType string, body []byte) ([]byte, error) {
	if dest.Target == "" {
		return nil, ErrNoDestination
	}
	caller := parseBody(contentType, body)
	msg := buildMessage(jobID, compilerID, isCMake, headers, caller)
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal job message: %w", err)
	}
	if err := d.queue.Publish(ctx, dest.Target, jobID, dest.Target, payload); err != nil {
		return nil, fmt.Errorf("deposit job %s: %w", jobID, err)
	}
	d.metrics.IncDispatched(dest.Target)
	logging.Info("dispatch", "job deposited",
		"job", jobID, "compiler", compilerID, "queue", dest.Target, "fields", fieldNames(msg))
	return payload, nil
}
