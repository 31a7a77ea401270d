package collab

import (
	"time"

	"github.com/cenkalti/backoff"
)

// reconnect delay is `min(base * 2^attempt, max)` for attempt 1..max attempts,
// e.g. 2s, 4s, 8s, 16s, 30s with the defaults.
// After the last attempt the policy is exhausted and the caller gives up.

type ReconnectSettings struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultReconnectSettings() *ReconnectSettings {
	return &ReconnectSettings{
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

type ReconnectPolicy struct {
	settings *ReconnectSettings
	backOff  backoff.BackOff
	attempt  int
}

func NewReconnectPolicy(settings *ReconnectSettings) *ReconnectPolicy {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = 2 * settings.BaseDelay
	exponential.RandomizationFactor = 0
	exponential.Multiplier = 2
	exponential.MaxInterval = settings.MaxDelay
	exponential.MaxElapsedTime = 0
	exponential.Reset()

	return &ReconnectPolicy{
		settings: settings,
		backOff:  backoff.WithMaxRetries(exponential, uint64(settings.MaxAttempts)),
	}
}

// Next returns the delay before the next attempt, or false when the attempts are exhausted.
func (self *ReconnectPolicy) Next() (time.Duration, bool) {
	delay := self.backOff.NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}
	self.attempt += 1
	return min(delay, self.settings.MaxDelay), true
}

// Reset after a successful connect.
func (self *ReconnectPolicy) Reset() {
	self.backOff.Reset()
	self.attempt = 0
}

func (self *ReconnectPolicy) Attempt() int {
	return self.attempt
}
