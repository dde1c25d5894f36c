package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay_DoublesPerAttempt(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: 120 * time.Second}

	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 64*time.Second, p.Delay(6))
}

func TestDelay_CappedAtMax(t *testing.T) {
	p := EditSync

	// 2s * 2^6 = 128s > 120s cap.
	assert.Equal(t, 120*time.Second, p.Delay(7))
	assert.Equal(t, 120*time.Second, p.Delay(10))
	assert.Equal(t, 120*time.Second, p.Delay(100))
}

func TestDelay_Monotonic(t *testing.T) {
	p := EditSync
	for n := 1; n < 15; n++ {
		next := p.Delay(n + 1)
		cur := p.Delay(n)
		assert.GreaterOrEqual(t, next, cur, "delay must never decrease (attempt %d)", n)
		assert.Equal(t, min(cur*2, p.MaxDelay), next, "delay(N+1) = min(delay(N)*2, cap)")
	}
}

func TestDelay_AttemptFloor(t *testing.T) {
	p := EditSync
	assert.Equal(t, p.BaseDelay, p.Delay(0))
	assert.Equal(t, p.BaseDelay, p.Delay(-3))
}

func TestExhausted(t *testing.T) {
	p := EditSync
	assert.False(t, p.Exhausted(9))
	assert.True(t, p.Exhausted(10))
	assert.True(t, p.Exhausted(11))
}

func TestExhausted_UnlimitedPolicy(t *testing.T) {
	assert.False(t, QueueDrain.Exhausted(1_000_000))
}
