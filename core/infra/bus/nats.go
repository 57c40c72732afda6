package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/compiler-explorer/compile-bridge/core/infra/logging"
)

const (
	streamJobs       = "COMPILE_JOBS"
	subjectPrefix    = "jobs."
	headerGroupKey   = "Compile-Group"
	defaultAckWait   = 5 * time.Minute
	defaultMaxAge    = 24 * time.Hour
	duplicatesWindow = 2 * time.Minute
)

var errNilQueue = errors.New("nats queue not initialized")

// NatsQueue is a JetStream-backed Queue. The job identifier doubles as the
// JetStream message id, so a resubmitted job inside the duplicates window is
// dropped by the server rather than enqueued twice.
type NatsQueue struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	ackWait time.Duration
}

// NewNatsQueue dials NATS at the provided URL and ensures the jobs stream.
func NewNatsQueue(url string) (*NatsQueue, error) {
	opts := []nats.Option{
		nats.Name("compile-bridge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Error("bus", "disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	q := &NatsQueue{nc: nc, js: js, ackWait: defaultAckWait}
	if err := q.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *NatsQueue) ensureStream() error {
	_, err := q.js.AddStream(&nats.StreamConfig{
		Name:       streamJobs,
		Subjects:   []string{subjectPrefix + ">"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     defaultMaxAge,
		Duplicates: duplicatesWindow,
	})
	if err == nil {
		return nil
	}
	// Stream may already exist; treat that as success.
	if _, infoErr := q.js.StreamInfo(streamJobs); infoErr == nil {
		return nil
	}
	return fmt.Errorf("ensure stream %s: %w", streamJobs, err)
}

// Publish deposits one message on the named queue, deduplicated by dedupKey.
func (q *NatsQueue) Publish(ctx context.Context, queue, dedupKey, groupKey string, payload []byte) error {
	if q == nil || q.js == nil {
		return errNilQueue
	}
	if strings.TrimSpace(queue) == "" {
		return ErrEmptyQueue
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	msg := &nats.Msg{
		Subject: subjectFor(queue),
		Data:    payload,
		Header:  nats.Header{},
	}
	if groupKey != "" {
		msg.Header.Set(headerGroupKey, groupKey)
	}
	opts := []nats.PubOpt{nats.Context(ctx)}
	if dedupKey != "" {
		opts = append(opts, nats.MsgId(dedupKey))
	}
	_, err := q.js.PublishMsg(msg, opts...)
	return err
}

// Consume attaches a queue-group consumer with explicit acks. Handler errors
// wrapped with RetryAfter nak the message for redelivery; other errors ack
// and drop it.
func (q *NatsQueue) Consume(queue, group string, handler Handler) (CancelFunc, error) {
	if q == nil || q.js == nil {
		return nil, errNilQueue
	}
	if strings.TrimSpace(queue) == "" {
		return nil, ErrEmptyQueue
	}
	if handler == nil {
		return nil, errNilHandler
	}
	cb := func(msg *nats.Msg) {
		m := &Message{
			Queue:    queue,
			DedupKey: msg.Header.Get(nats.MsgIdHdr),
			GroupKey: msg.Header.Get(headerGroupKey),
			Payload:  msg.Data,
		}
		if err := handler(context.Background(), m); err != nil {
			if delay, ok := RetryDelay(err); ok {
				if delay > 0 {
					_ = msg.NakWithDelay(delay)
				} else {
					_ = msg.Nak()
				}
				return
			}
			logging.Error("bus", "handler error", "queue", queue, "error", err)
		}
		_ = msg.Ack()
	}
	opts := []nats.SubOpt{
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(q.ackWait),
		nats.MaxAckPending(1024),
	}
	if durable := durableName(queue, group); durable != "" {
		opts = append(opts, nats.Durable(durable))
	}
	var sub *nats.Subscription
	var err error
	if group == "" {
		sub, err = q.js.Subscribe(subjectFor(queue), cb, opts...)
	} else {
		sub, err = q.js.QueueSubscribe(subjectFor(queue), group, cb, opts...)
	}
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close shuts down the underlying NATS connection.
func (q *NatsQueue) Close() {
	if q != nil && q.nc != nil {
		q.nc.Close()
	}
}

func (q *NatsQueue) IsConnected() bool {
	return q != nil && q.nc != nil && q.nc.IsConnected()
}

func subjectFor(queue string) string {
	return subjectPrefix + sanitizeToken(queue)
}

func sanitizeToken(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "*", "STAR")
	s = strings.ReplaceAll(s, ">", "GT")
	return s
}

func durableName(queue, group string) string {
	name := strings.ReplaceAll(sanitizeToken(queue), ".", "_")
	if name == "" {
		return ""
	}
	if group == "" {
		return "dur_" + name
	}
	g := strings.ReplaceAll(sanitizeToken(group), ".", "_")
	if g == "" {
		return "dur_" + name
	}
	return "dur_" + g + "__" + name
}
