package metrics

import "time"

// outcome is one recorded success/failure with the time it happened, used to
// derive the 5-minute and 30-minute rolling success-rate windows that both
// pool and queue stats expose.
type outcome struct {
	at      time.Time
	success bool
}

// rollingWindow accumulates timestamped outcomes and reports counts within
// the last 5 and 30 minutes. It also prunes entries older than 30 minutes
// each time it's queried, so the backing slice never grows unbounded.
type rollingWindow struct {
	outcomes []outcome
}

func (w *rollingWindow) record(success bool, at time.Time) {
	w.outcomes = append(w.outcomes, outcome{at: at, success: success})
}

type windowCounts struct {
	succeeded5m, failed5m   int64
	succeeded30m, failed30m int64
}

func (w *rollingWindow) counts(now time.Time) windowCounts {
	fiveAgo := now.Add(-5 * time.Minute)
	thirtyAgo := now.Add(-30 * time.Minute)

	var c windowCounts
	kept := w.outcomes[:0]
	for _, o := range w.outcomes {
		if o.at.Before(thirtyAgo) {
			continue
		}
		kept = append(kept, o)
		if o.success {
			c.succeeded30m++
			if o.at.After(fiveAgo) {
				c.succeeded5m++
			}
		} else {
			c.failed30m++
			if o.at.After(fiveAgo) {
				c.failed5m++
			}
		}
	}
	w.outcomes = kept
	return c
}

// successRate returns succeeded/(succeeded+failed), defaulting to 1.0 (no
// evidence of failure) when nothing has happened yet.
func successRate(succeeded, failed int64) float64 {
	total := succeeded + failed
	if total == 0 {
		return 1.0
	}
	return float64(succeeded) / float64(total)
}
