package incidents

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/leozw/uptime-engine/internal/core"
	"github.com/leozw/uptime-engine/internal/db"
)

var (
	ok      = core.StatusSuccess
	fail    = core.StatusFailure
	timeout = core.StatusTimeout
)

func TestCountsNext(t *testing.T) {
	c := Counts{}.Next(fail).Next(timeout)
	assert.Equal(t, Counts{ConsecutiveFailures: 2, State: core.StateDown}, c)

	c = c.Next(ok)
	assert.Equal(t, Counts{ConsecutiveSuccesses: 1, State: core.StateUp}, c)
}

func TestDerive(t *testing.T) {
	tests := []struct {
		name    string
		current core.CheckStatus
		prior   []core.CheckStatus
		want    Counts
	}{
		{"no history", fail, nil, Counts{ConsecutiveFailures: 1, State: core.StateDown}},
		{"second failure", fail, []core.CheckStatus{fail, ok}, Counts{ConsecutiveFailures: 2, State: core.StateDown}},
		{"timeout continues failure run", timeout, []core.CheckStatus{fail, timeout, ok}, Counts{ConsecutiveFailures: 3, State: core.StateDown}},
		{"recovery", ok, []core.CheckStatus{ok, fail, fail}, Counts{ConsecutiveSuccesses: 2, State: core.StateUp}},
		{"first success", ok, []core.CheckStatus{fail}, Counts{ConsecutiveSuccesses: 1, State: core.StateUp}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Derive(tt.current, tt.prior))
		})
	}
}

// Derive over an event history agrees with folding Next over the same history
// for every run length the thresholds can observe.
func TestDeriveMatchesCounters(t *testing.T) {
	histories := [][]core.CheckStatus{
		{ok, fail, fail},
		{fail, fail, ok, ok},
		{ok, ok, ok, timeout},
		{fail, timeout, fail, ok, fail},
		{ok},
	}

	for _, history := range histories {
		var counts Counts
		for i, status := range history {
			counts = counts.Next(status)

			prior := make([]core.CheckStatus, 0, i)
			for j := i - 1; j >= 0 && len(prior) < ScanDepth(); j-- {
				prior = append(prior, history[j])
			}
			assert.Equal(t, counts, Derive(status, prior), "history %v at %d", history, i)
		}
	}
}

func TestFromStatus(t *testing.T) {
	c := FromStatus(&db.MonitorStatus{ConsecutiveFailures: 3, CurrentStatus: core.StateDown})
	assert.Equal(t, Counts{ConsecutiveFailures: 3, State: core.StateDown}, c)
}

func TestScanDepth(t *testing.T) {
	assert.Equal(t, FailureThreshold+1, ScanDepth())
}
