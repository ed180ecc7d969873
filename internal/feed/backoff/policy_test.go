package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		Base:         time.Second,
		Cap:          5 * time.Minute,
		HighWater:    8,
		RecoveryWait: 15 * time.Minute,
	}
}

func TestFirstAttemptHasNoBackoff(t *testing.T) {
	p := NewPolicy(testConfig())

	assert.True(t, p.MayDispatch(start))
	assert.Zero(t, p.CurrentWait())
	assert.Zero(t, p.Failures())
}

func TestExponentialWaits(t *testing.T) {
	p := NewPolicy(testConfig())

	expected := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond, 4000 * time.Millisecond}
	for i, want := range expected {
		p.RecordFailure(start)
		if got := p.CurrentWait(); got != want {
			t.Errorf("Failure %d: expected wait %v, got %v", i+1, want, got)
		}
	}
	assert.Equal(t, 3, p.Failures())
}

func TestWaitIsCapped(t *testing.T) {
	cfg := testConfig()
	cfg.HighWater = 20
	p := NewPolicy(cfg)

	var last time.Duration
	for i := 0; i < 15; i++ {
		p.RecordFailure(start)
		wait := p.CurrentWait()
		assert.GreaterOrEqual(t, wait, last, "wait decreased at failure %d", i+1)
		assert.LessOrEqual(t, wait, cfg.Cap)
		last = wait
	}
	assert.Equal(t, cfg.Cap, last)
}

func TestDispatchGatedUntilWaitElapses(t *testing.T) {
	p := NewPolicy(testConfig())

	p.RecordFailure(start)
	p.RecordFailure(start)

	assert.False(t, p.MayDispatch(start.Add(1999*time.Millisecond)))
	assert.True(t, p.MayDispatch(start.Add(2*time.Second)))
	// an elapsed exponential wait does not clear the counter
	assert.Equal(t, 2, p.Failures())
}

func TestSuccessResets(t *testing.T) {
	p := NewPolicy(testConfig())

	for i := 0; i < 4; i++ {
		p.RecordFailure(start)
	}
	p.RecordSuccess()

	assert.Zero(t, p.Failures())
	assert.Zero(t, p.CurrentWait())
	assert.True(t, p.MayDispatch(start))

	p.RecordFailure(start)
	assert.Equal(t, time.Second, p.CurrentWait())
}

func TestRecoveryAfterHighWater(t *testing.T) {
	cfg := testConfig()
	cfg.HighWater = 3
	p := NewPolicy(cfg)

	for i := 0; i < 3; i++ {
		p.RecordFailure(start)
	}
	require.False(t, p.Recovering())

	p.RecordFailure(start)
	require.True(t, p.Recovering())
	assert.Equal(t, cfg.RecoveryWait, p.CurrentWait())
	assert.False(t, p.MayDispatch(start.Add(cfg.RecoveryWait-time.Second)))

	assert.True(t, p.MayDispatch(start.Add(cfg.RecoveryWait)))
	assert.Zero(t, p.Failures())
	assert.False(t, p.Recovering())

	p.RecordFailure(start.Add(cfg.RecoveryWait))
	assert.Equal(t, cfg.Base, p.CurrentWait())
}

func TestFailureDuringRecoveryDoesNotExtend(t *testing.T) {
	cfg := testConfig()
	cfg.HighWater = 1
	p := NewPolicy(cfg)

	p.RecordFailure(start)
	p.RecordFailure(start)
	require.True(t, p.Recovering())
	deadline := p.NextAllowed()

	p.RecordFailure(start.Add(10 * time.Minute))

	assert.Equal(t, deadline, p.NextAllowed())
	assert.Equal(t, 2, p.Failures())
	assert.True(t, p.MayDispatch(deadline))
}

func TestWaitNeverExceedsRecovery(t *testing.T) {
	p := NewPolicy(testConfig())

	for i := 0; i < 30; i++ {
		p.RecordFailure(start)
		assert.LessOrEqual(t, p.CurrentWait(), 15*time.Minute)
	}
}
