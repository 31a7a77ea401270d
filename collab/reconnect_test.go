package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestReconnectPolicy(t *testing.T) {
	policy := NewReconnectPolicy(DefaultReconnectSettings())

	delays := []time.Duration{}
	for {
		delay, ok := policy.Next()
		if !ok {
			break
		}
		delays = append(delays, delay)
	}
	assert.Equal(t, delays, []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
	})
	assert.Equal(t, policy.Attempt(), 5)

	// exhausted stays exhausted
	_, ok := policy.Next()
	assert.Equal(t, ok, false)

	policy.Reset()
	assert.Equal(t, policy.Attempt(), 0)
	delay, ok := policy.Next()
	assert.Equal(t, ok, true)
	assert.Equal(t, delay, 2*time.Second)
}

func TestReconnectPolicyCustom(t *testing.T) {
	policy := NewReconnectPolicy(&ReconnectSettings{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		MaxAttempts: 2,
	})

	delay, ok := policy.Next()
	assert.Equal(t, ok, true)
	assert.Equal(t, delay, 200*time.Millisecond)
	delay, ok = policy.Next()
	assert.Equal(t, ok, true)
	assert.Equal(t, delay, 400*time.Millisecond)
	_, ok = policy.Next()
	assert.Equal(t, ok, false)
}
