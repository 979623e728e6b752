package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Ceiling:     30 * time.Second,
		Lookback:    10 * time.Minute,
		MaxFailures: 5,
		Cooldown:    2 * time.Minute,
	}
}

func TestPolicy_WaitGrowsAndCaps(t *testing.T) {
	p := testPolicy()
	p.MaxFailures = 0
	rec := NewRestartRecord(64)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	expected := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, want := range expected {
		rec.Add(now)
		d := p.Decide(rec, now)
		require.False(t, d.CircuitOpen)
		assert.Equal(t, want*time.Second, d.Wait, "falha #%d", i+1)
		now = now.Add(time.Second)
	}
}

func TestPolicy_WaitNonDecreasingWithinLookback(t *testing.T) {
	p := testPolicy()
	p.MaxFailures = 0
	rec := NewRestartRecord(0)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	var last time.Duration
	for i := 0; i < 20; i++ {
		now = now.Add(time.Duration(i%4+1) * 7 * time.Second)
		rec.Add(now)
		d := p.Decide(rec, now)
		assert.GreaterOrEqual(t, d.Wait, last)
		last = d.Wait
	}
}

func TestPolicy_EmptyRecordUsesBase(t *testing.T) {
	p := testPolicy()
	d := p.Decide(nil, time.Now())
	assert.Equal(t, time.Second, d.Wait)
	assert.Equal(t, 0, d.Failures)
}

func TestPolicy_CircuitOpensAboveMaxFailures(t *testing.T) {
	p := testPolicy()
	rec := NewRestartRecord(0)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < p.MaxFailures; i++ {
		rec.Add(now)
		assert.False(t, p.Decide(rec, now).CircuitOpen)
		now = now.Add(5 * time.Second)
	}
	rec.Add(now)
	d := p.Decide(rec, now)
	assert.True(t, d.CircuitOpen)
	assert.Equal(t, p.MaxFailures+1, d.Failures)
}

func TestPolicy_OldFailuresOutsideLookbackDoNotCount(t *testing.T) {
	p := testPolicy()
	rec := NewRestartRecord(0)
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		rec.Add(start.Add(time.Duration(i) * time.Second))
	}

	later := start.Add(p.Lookback + time.Minute)
	d := p.Decide(rec, later)
	assert.False(t, d.CircuitOpen)
	assert.Equal(t, 0, d.Failures)
	assert.Equal(t, p.Base, d.Wait)
}

func TestPolicy_SettleResetsAfterCooldown(t *testing.T) {
	p := testPolicy()
	rec := NewRestartRecord(0)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		rec.Add(now)
	}
	assert.Equal(t, 8*time.Second, p.Decide(rec, now).Wait)

	healthy := now.Add(time.Second)
	assert.False(t, p.Settle(rec, healthy, healthy.Add(p.Cooldown-time.Second)))
	assert.Equal(t, 4, rec.Len())

	assert.True(t, p.Settle(rec, healthy, healthy.Add(p.Cooldown)))
	assert.Equal(t, 0, rec.Len())

	rec.Add(healthy.Add(p.Cooldown + time.Second))
	assert.Equal(t, p.Base, p.Decide(rec, healthy.Add(p.Cooldown+time.Second)).Wait)
}

func TestRestartRecord_MonotonicAndBounded(t *testing.T) {
	rec := NewRestartRecord(3)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	rec.Add(base.Add(10 * time.Second))
	rec.Add(base) // fora de ordem
	rec.Add(base.Add(20 * time.Second))
	rec.Add(base.Add(30 * time.Second))

	got := rec.Failures()
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Before(got[i-1]))
	}
	assert.Equal(t, base.Add(30*time.Second), got[2])

	rec.Prune(base.Add(25 * time.Second))
	assert.Equal(t, 1, rec.Len())
}

func TestPolicy_RecordLimitFitsMaxFailures(t *testing.T) {
	p := Policy{Base: time.Second, Ceiling: time.Minute, Lookback: time.Hour, MaxFailures: 40}
	assert.Equal(t, 41, p.RecordLimit(0))
	assert.Equal(t, 41, p.RecordLimit(10))
	assert.Equal(t, 100, p.RecordLimit(100))
	assert.Equal(t, defaultRecordLimit, Policy{}.RecordLimit(0))

	rec := NewRestartRecord(p.RecordLimit(0))
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var d Decision
	for i := 0; i < 200; i++ {
		rec.Add(now)
		d = p.Decide(rec, now)
		if d.CircuitOpen {
			break
		}
		now = now.Add(time.Second)
	}
	require.True(t, d.CircuitOpen, "circuito precisa abrir com MaxFailures acima do limite padrão")
	assert.Equal(t, 41, d.Failures)
}
