package rosbridge

import (
	"math"
	"time"
)

// ReconnectPolicy stores the backoff parameters consulted between reconnect
// attempts. The policy is read once a connect sequence starts; mutate it only
// before Connect. The zero value disables automatic reconnection.
type ReconnectPolicy struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// MaxAttempts caps consecutive failed reconnect attempts before the
	// client parks in the Failed state. Zero means no ceiling.
	MaxAttempts uint
}

// DefaultReconnectPolicy returns the policy installed by NewClient: enabled,
// 1s initial delay doubling up to 30s, no attempt ceiling.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:      true,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

// Delay returns the backoff before reconnect attempt n (1-based):
// min(InitialDelay * Multiplier^(n-1), MaxDelay). Out-of-range parameters
// are clamped to usable values.
func (policy ReconnectPolicy) Delay(attempt uint) time.Duration {
	if attempt == 0 {
		attempt = 1
	}

	initial := policy.InitialDelay
	if initial < 0 {
		initial = 0
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	factor := policy.Multiplier
	if factor < 1 {
		factor = 2
	}

	delay := initial
	if attempt > 1 && delay > 0 {
		scaled := float64(delay) * math.Pow(factor, float64(attempt-1))
		if scaled > float64(maxDelay) {
			scaled = float64(maxDelay)
		}
		delay = time.Duration(scaled)
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// exhausted reports whether failedAttempts has reached the configured ceiling.
func (policy ReconnectPolicy) exhausted(failedAttempts uint) bool {
	return policy.MaxAttempts > 0 && failedAttempts >= policy.MaxAttempts
}
