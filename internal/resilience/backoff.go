package resilience

import (
	"math/rand/v2"
	"time"
)

// MaxBackoff bounds every delay Backoff hands out. Offline sales keep
// retrying at this pace once the exponent runs past it.
const MaxBackoff = 10 * time.Minute

// Backoff returns base doubled per attempt after the first, capped at
// MaxBackoff. Jitter is a fraction of the delay, e.g. 0.2 spreads it ±20%.
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < MaxBackoff; i++ {
		d *= 2
	}
	if d > MaxBackoff {
		d = MaxBackoff
	}
	if jitterPct <= 0 {
		return d
	}
	spread := float64(d) * jitterPct
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
