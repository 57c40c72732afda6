package bridge

import (
	"testing"
	"time"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	prevMax := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		base := 250 * time.Millisecond << (attempt - 1)
		if base > 5*time.Second {
			base = 5 * time.Second
		}
		for i := 0; i < 20; i++ {
			d := backoffDelay(attempt)
			if d < base || d > base+base/2 {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, base, base+base/2)
			}
		}
		if base < prevMax {
			t.Fatalf("base shrank at attempt %d", attempt)
		}
		prevMax = base
	}
}
