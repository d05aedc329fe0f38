package incidents

import (
	"github.com/leozw/uptime-engine/internal/core"
	"github.com/leozw/uptime-engine/internal/db"
)

// Hysteresis thresholds for opening and resolving incidents.
const (
	FailureThreshold = 2
	SuccessThreshold = 2
)

// Counts is the consecutive outcome state of one monitor or (monitor, region) key.
type Counts struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	State                core.MonitorState
}

// Next applies one check outcome.
func (c Counts) Next(status core.CheckStatus) Counts {
	if status.IsSuccess() {
		return Counts{ConsecutiveSuccesses: c.ConsecutiveSuccesses + 1, State: core.StateUp}
	}
	return Counts{ConsecutiveFailures: c.ConsecutiveFailures + 1, State: core.StateDown}
}

// FromStatus reads the counters of a persisted status row.
func FromStatus(s *db.MonitorStatus) Counts {
	return Counts{
		ConsecutiveFailures:  s.ConsecutiveFailures,
		ConsecutiveSuccesses: s.ConsecutiveSuccesses,
		State:                s.CurrentStatus,
	}
}

// ScanDepth is how many prior events Derive needs to decide any transition.
func ScanDepth() int {
	return max(FailureThreshold, SuccessThreshold) + 1
}

// Derive rebuilds the counts of a key from its event history. current seeds the
// run and prior is walked newest first until the outcome class changes.
// Timeouts and failures belong to the same class.
func Derive(current core.CheckStatus, prior []core.CheckStatus) Counts {
	up := current.IsSuccess()
	run := 1
	for _, s := range prior {
		if s.IsSuccess() != up {
			break
		}
		run++
	}

	if up {
		return Counts{ConsecutiveSuccesses: run, State: core.StateUp}
	}
	return Counts{ConsecutiveFailures: run, State: core.StateDown}
}
