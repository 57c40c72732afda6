package bridge

import (
	"math/rand"
	"time"
)

const (
	baseBackoff = 250 * time.Millisecond
	maxBackoff  = 5 * time.Second
)

// backoffDelay returns the wait before retry attempt n (1-based):
// exponential growth with random jitter, bounded so simultaneous failures
// do not retry in lockstep.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := baseBackoff
	for i := 1; i < attempt && delay < maxBackoff; i++ {
		delay *= 2
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}
