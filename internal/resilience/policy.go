package resilience

import "time"

// Policy configures retries and the per-operation circuit breaker
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	BreakerEnabled      bool
	BreakerMinRequests  uint32
	BreakerFailureRatio float64
	BreakerOpenFor      time.Duration
	BreakerProbeCalls   uint32
	// BreakerWindow is how long closed-state counts accumulate before they reset
	BreakerWindow time.Duration
	// BreakerConsecutive trips the breaker after this many failures in a row, whatever the window ratio
	BreakerConsecutive uint32
}

// DefaultPolicy retries three times within roughly a second and trips after half of ten calls
// in a minute fail, or five fail in a row
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     800 * time.Millisecond,
		Multiplier:     2.0,

		BreakerEnabled:      true,
		BreakerMinRequests:  10,
		BreakerFailureRatio: 0.5,
		BreakerOpenFor:      30 * time.Second,
		BreakerProbeCalls:   1,
		BreakerWindow:       time.Minute,
		BreakerConsecutive:  5,
	}
}

// withDefaults replaces zero or out-of-range values with DefaultPolicy values
func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = def.Multiplier
	}
	if p.BreakerMinRequests == 0 {
		p.BreakerMinRequests = def.BreakerMinRequests
	}
	if p.BreakerFailureRatio <= 0 || p.BreakerFailureRatio > 1 {
		p.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if p.BreakerOpenFor <= 0 {
		p.BreakerOpenFor = def.BreakerOpenFor
	}
	if p.BreakerProbeCalls == 0 {
		p.BreakerProbeCalls = def.BreakerProbeCalls
	}
	if p.BreakerWindow <= 0 {
		p.BreakerWindow = def.BreakerWindow
	}
	if p.BreakerConsecutive == 0 {
		p.BreakerConsecutive = def.BreakerConsecutive
	}
	return p
}

// backoff returns the wait before the given retry (1-based)
func (p Policy) backoff(retry int) time.Duration {
	wait := p.InitialBackoff
	for i := 1; i < retry; i++ {
		wait = time.Duration(float64(wait) * p.Multiplier)
		if wait >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if wait > p.MaxBackoff {
		return p.MaxBackoff
	}
	return wait
}
