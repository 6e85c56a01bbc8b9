package automation

import (
	"math/rand"
	"time"
)

// jitteredDelay returns base ±jitterPct%, capped at cap.
func jitteredDelay(base, cap time.Duration, jitterPct int) time.Duration {
	if jitterPct <= 0 {
		jitterPct = 25
	}
	delta := (rand.Float64()*2 - 1) * float64(jitterPct) / 100.0
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if wait > cap {
		wait = cap
	}
	return wait
}

// backoff is the delay before retry number attempt (1-based): base doubled per attempt, jittered.
func backoff(attempt int, base, cap time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt && d < cap; i++ {
		d *= 2
	}
	return jitteredDelay(d, cap, 25)
}
