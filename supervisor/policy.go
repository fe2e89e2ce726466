package supervisor

import "time"

// RestartPolicy bounds how aggressively a degraded backend is restarted.
// Restarts beyond MaxRestarts within the rolling Window terminate the
// backend permanently for the session.
type RestartPolicy struct {
	InitialBackoff time.Duration `env:"INITIAL_BACKOFF,default=250ms"`
	MaxBackoff     time.Duration `env:"MAX_BACKOFF,default=10s"`
	MaxRestarts    int           `env:"MAX_RESTARTS,default=3"`
	Window         time.Duration `env:"RESTART_WINDOW,default=60s"`
}

func (p RestartPolicy) withDefaults() RestartPolicy {
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 250 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Second
	}
	if p.MaxRestarts <= 0 {
		p.MaxRestarts = 3
	}
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	return p
}

// backoff returns the delay before the attempt-th restart (zero-based),
// doubling from InitialBackoff up to MaxBackoff.
func (p RestartPolicy) backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// pruneWindow drops timestamps older than window before now.
func pruneWindow(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
