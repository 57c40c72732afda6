// Package relay fans inbound result frames out to the connections
// subscribed to their job identifier, and applies text control frames to
// the connection registry.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/compiler-explorer/compile-bridge/core/infra/logging"
	"github.com/compiler-explorer/compile-bridge/core/infra/metrics"
	"github.com/compiler-explorer/compile-bridge/core/registry"
)

const (
	cmdSubscribe   = "subscribe:"
	cmdUnsubscribe = "unsubscribe:"
	ackPrefix      = "ack: "
)

var (
	// ErrNoListener reports a result published before any subscriber
	// registered. Caller-visible: publishers use it to retry.
	ErrNoListener = errors.New("no listener for job")
	// ErrGone is returned by a Sender when the target connection no
	// longer exists.
	ErrGone = errors.New("connection gone")

	errMissingJobID = errors.New("message carries no job id")
)

// Sender delivers a payload to one connection.
type Sender interface {
	Send(ctx context.Context, connID string, payload []byte) error
}

// Relay applies gateway events to the registry and forwards results.
type Relay struct {
	reg     registry.Registry
	metrics metrics.RelayMetrics
}

// New wires a relay to its registry.
func New(reg registry.Registry, m metrics.RelayMetrics) *Relay {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Relay{reg: reg, metrics: m}
}

// HandleConnect registers a new connection.
func (r *Relay) HandleConnect(ctx context.Context, connID string) error {
	if err := r.reg.Add(ctx, connID); err != nil {
		return err
	}
	r.metrics.IncConnections()
	return nil
}

// HandleDisconnect removes the connection and all its subscriptions.
func (r *Relay) HandleDisconnect(ctx context.Context, connID string) error {
	r.metrics.DecConnections()
	return r.reg.Remove(ctx, connID)
}

// HandleMessage processes one inbound frame: a text control command, or a
// structured result to relay. Control commands are acknowledged back on the
// same connection; acknowledgement delivery is best-effort.
func (r *Relay) HandleMessage(ctx context.Context, connID string, payload []byte, sender Sender) error {
	text := strings.TrimSpace(string(payload))
	switch {
	case strings.HasPrefix(text, cmdSubscribe):
		jobID := strings.TrimSpace(text[len(cmdSubscribe):])
		if err := r.reg.Subscribe(ctx, connID, jobID); err != nil {
			return fmt.Errorf("subscribe %s: %w", jobID, err)
		}
		r.ack(ctx, connID, "subscribe", jobID, sender)
		return nil
	case strings.HasPrefix(text, cmdUnsubscribe):
		jobID := strings.TrimSpace(text[len(cmdUnsubscribe):])
		if err := r.reg.Unsubscribe(ctx, connID, jobID); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", jobID, err)
		}
		r.ack(ctx, connID, "unsubscribe", jobID, sender)
		return nil
	}
	return r.forward(ctx, payload, sender)
}

func (r *Relay) ack(ctx context.Context, connID, verb, jobID string, sender Sender) {
	if sender == nil {
		return
	}
	frame := []byte(ackPrefix + verb + " " + jobID)
	if err := sender.Send(ctx, connID, frame); err != nil {
		logging.Error("relay", "ack delivery failed", "conn", connID, "error", err)
	}
}

// forward relays the exact payload bytes to every subscriber in turn. A gone
// connection is cleaned out of the registry and the fan-out continues.
func (r *Relay) forward(ctx context.Context, payload []byte, sender Sender) error {
	var envelope struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("parse result frame: %w", err)
	}
	if envelope.JobID == "" {
		return errMissingJobID
	}

	subs, err := r.reg.Subscribers(ctx, envelope.JobID)
	if err != nil {
		return fmt.Errorf("subscribers %s: %w", envelope.JobID, err)
	}
	if len(subs) == 0 {
		r.metrics.IncNoListener()
		return fmt.Errorf("%w %s", ErrNoListener, envelope.JobID)
	}

	for _, connID := range subs {
		if err := sender.Send(ctx, connID, payload); err != nil {
			r.metrics.IncForwardFailed()
			if errors.Is(err, ErrGone) {
				logging.Info("relay", "subscriber gone, cleaning up", "conn", connID, "job", envelope.JobID)
				if rmErr := r.reg.Remove(ctx, connID); rmErr != nil {
					logging.Error("relay", "stale connection cleanup failed", "conn", connID, "error", rmErr)
				}
				continue
			}
			logging.Error("relay", "forward failed", "conn", connID, "job", envelope.JobID, "error", err)
			continue
		}
		r.metrics.IncForwarded()
	}
	return nil
}
