package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ErrResultTimeout reports that the result wait deadline passed with no
// matching frame.
var ErrResultTimeout = errors.New("timed out waiting for compile result")

// resultWaiter runs one connect/subscribe/wait cycle against the events
// gateway.
type resultWaiter struct {
	gatewayURL     string
	connectTimeout time.Duration
	resultTimeout  time.Duration
}

// await opens a subscriber connection, subscribes to the job identifier,
// runs afterSubscribe (the dispatch step) once the subscription is
// acknowledged, and returns the first structured frame carrying the job
// identifier. afterSubscribe may be nil on retry cycles.
func (w *resultWaiter) await(ctx context.Context, jobID string, afterSubscribe func() error) ([]byte, error) {
	dialer := websocket.Dialer{HandshakeTimeout: w.connectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, w.connectTimeout)
	defer cancel()
	ws, _, err := dialer.DialContext(dialCtx, w.gatewayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connect gateway: %w", err)
	}
	defer ws.Close()

	if err := ws.WriteMessage(websocket.TextMessage, []byte("subscribe: "+jobID)); err != nil {
		return nil, fmt.Errorf("send subscribe: %w", err)
	}

	deadline := time.Now().Add(w.resultTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	subscribed := false
	for {
		_ = ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				return nil, ErrResultTimeout
			}
			return nil, fmt.Errorf("gateway read: %w", err)
		}
		text := strings.TrimSpace(string(data))
		if strings.HasPrefix(text, "ack: ") {
			if !subscribed {
				subscribed = true
				if afterSubscribe != nil {
					if err := afterSubscribe(); err != nil {
						return nil, err
					}
					afterSubscribe = nil
				}
			}
			continue
		}
		var envelope struct {
			JobID string `json:"jobId"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			// Unknown text frame; keep waiting.
			continue
		}
		if envelope.JobID != jobID {
			continue
		}
		return data, nil
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
