package incidents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/leozw/uptime-engine/internal/core"
	"github.com/leozw/uptime-engine/internal/db"
	"github.com/leozw/uptime-engine/internal/notify"
)

type key struct {
	monitorID int64
	region    string
}

// memoryStore mirrors the partial unique index on active incidents.
type memoryStore struct {
	mu        sync.Mutex
	nextID    int64
	incidents []*db.Incident
}

func (m *memoryStore) GetActiveIncident(_ context.Context, monitorID int64, region string) (*db.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inc := range m.incidents {
		if inc.MonitorID == monitorID && inc.Region == region && inc.Status == db.IncidentActive {
			cp := *inc
			return &cp, nil
		}
	}
	return nil, db.ErrNoActiveIncident
}

func (m *memoryStore) CreateIncident(_ context.Context, incident *db.Incident) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inc := range m.incidents {
		if inc.MonitorID == incident.MonitorID && inc.Region == incident.Region && inc.Status == db.IncidentActive {
			return false, nil
		}
	}
	m.nextID++
	incident.ID = m.nextID
	cp := *incident
	m.incidents = append(m.incidents, &cp)
	return true, nil
}

func (m *memoryStore) EscalateIncident(_ context.Context, id int64, lastError, lastErrorType *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inc := range m.incidents {
		if inc.ID == id && inc.Status == db.IncidentActive {
			inc.FailureCount++
			if lastError != nil {
				inc.LastError, inc.LastErrorType = lastError, lastErrorType
			}
		}
	}
	return nil
}

func (m *memoryStore) ResolveIncident(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inc := range m.incidents {
		if inc.ID == id && inc.Status == db.IncidentActive {
			inc.Status = db.IncidentResolved
			inc.EndTime, inc.ResolvedAt = &at, &at
		}
	}
	return nil
}

func (m *memoryStore) active() map[key]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[key]int{}
	for _, inc := range m.incidents {
		if inc.Status == db.IncidentActive {
			out[key{inc.MonitorID, inc.Region}]++
		}
	}
	return out
}

type sent struct {
	kind     notify.Kind
	incident int64
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []sent
	err   error
	panic bool
}

func (r *recordingNotifier) SendIncidentNotifications(_ context.Context, _ *db.Monitor, incident *db.Incident, kind notify.Kind) error {
	if r.panic {
		panic("template missing")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sent{kind, incident.ID})
	return r.err
}

func testMonitor() *db.Monitor {
	return &db.Monitor{ID: 1, OrganizationID: 9, Name: "api", Type: db.MonitorTypeHTTP}
}

func result(status core.CheckStatus) *core.CheckResult {
	if status.IsSuccess() {
		return &core.CheckResult{Status: status}
	}
	return core.NewFailure(status, core.ErrorTypeConnection, "connection reset", 0)
}

// feed runs statuses through the counters and the service like the local path does.
func feed(t *testing.T, s *Service, counts Counts, region string, statuses ...core.CheckStatus) (Counts, []Transition) {
	t.Helper()
	var out []Transition
	for _, status := range statuses {
		counts = counts.Next(status)
		tr, err := s.Evaluate(context.Background(), testMonitor(), region, counts, result(status))
		require.NoError(t, err)
		out = append(out, tr)
	}
	return counts, out
}

func TestIncidentOpensAtFailureThreshold(t *testing.T) {
	store := &memoryStore{}
	notifier := &recordingNotifier{}
	s := NewService(store, notifier, zap.NewNop(), nil)

	_, transitions := feed(t, s, Counts{}, core.RegionLocal, ok, fail, fail)

	assert.Equal(t, ActionNone, transitions[0].Action)
	assert.Equal(t, ActionNone, transitions[1].Action, "one failure must not open")
	require.Equal(t, ActionOpened, transitions[2].Action)

	inc := transitions[2].Incident
	assert.Equal(t, db.IncidentActive, inc.Status)
	assert.Equal(t, 1, inc.FailureCount)
	assert.Equal(t, int64(9), inc.OrganizationID)
	require.NotNil(t, inc.LastErrorType)
	assert.Equal(t, "connection_error", *inc.LastErrorType)
	assert.Equal(t, []sent{{notify.KindDown, inc.ID}}, notifier.calls)
}

func TestIncidentEscalatesWithoutNotifying(t *testing.T) {
	store := &memoryStore{}
	notifier := &recordingNotifier{}
	s := NewService(store, notifier, zap.NewNop(), nil)

	_, transitions := feed(t, s, Counts{}, core.RegionLocal, fail, fail, timeout, fail)

	assert.Equal(t, ActionEscalated, transitions[2].Action)
	assert.Equal(t, ActionEscalated, transitions[3].Action)
	assert.Equal(t, 3, transitions[3].Incident.FailureCount)
	assert.Len(t, notifier.calls, 1)
	assert.Equal(t, map[key]int{{1, core.RegionLocal}: 1}, store.active())
}

func TestIncidentResolvesAtSuccessThreshold(t *testing.T) {
	store := &memoryStore{}
	notifier := &recordingNotifier{}
	s := NewService(store, notifier, zap.NewNop(), nil)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	counts, _ := feed(t, s, Counts{}, core.RegionLocal, fail, fail)
	_, transitions := feed(t, s, counts, core.RegionLocal, ok, ok)

	assert.Equal(t, ActionNone, transitions[0].Action)
	require.Equal(t, ActionResolved, transitions[1].Action)
	inc := transitions[1].Incident
	assert.Equal(t, db.IncidentResolved, inc.Status)
	require.NotNil(t, inc.EndTime)
	assert.Equal(t, fixed, *inc.EndTime)
	assert.Equal(t, fixed, *inc.ResolvedAt)
	assert.Empty(t, store.active())

	require.Len(t, notifier.calls, 2)
	assert.Equal(t, notify.KindRecovery, notifier.calls[1].kind)
}

func TestSingleFailureAfterResolutionDoesNotReopen(t *testing.T) {
	store := &memoryStore{}
	s := NewService(store, &recordingNotifier{}, zap.NewNop(), nil)

	counts, _ := feed(t, s, Counts{}, core.RegionLocal, fail, fail, ok, ok)
	counts, transitions := feed(t, s, counts, core.RegionLocal, fail)
	assert.Equal(t, ActionNone, transitions[0].Action)
	assert.Empty(t, store.active())

	_, transitions = feed(t, s, counts, core.RegionLocal, fail)
	assert.Equal(t, ActionOpened, transitions[0].Action)
	assert.Len(t, store.incidents, 2)
}

func TestRegionsHaveIndependentIncidents(t *testing.T) {
	store := &memoryStore{}
	s := NewService(store, &recordingNotifier{}, zap.NewNop(), nil)

	feed(t, s, Counts{}, "us-east", fail, fail)
	feed(t, s, Counts{}, "eu-west", fail, ok)

	assert.Equal(t, map[key]int{{1, "us-east"}: 1}, store.active())
}

func TestDuplicateThresholdCrossingOpensOnce(t *testing.T) {
	store := &memoryStore{}
	notifier := &recordingNotifier{}
	s := NewService(store, notifier, zap.NewNop(), nil)
	crossing := Counts{ConsecutiveFailures: FailureThreshold, State: core.StateDown}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Evaluate(context.Background(), testMonitor(), core.RegionLocal, crossing, core.InternalError("boom"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, map[key]int{{1, core.RegionLocal}: 1}, store.active())
}

func TestNotificationFailuresAreContained(t *testing.T) {
	obsCore, logs := observer.New(zapcore.ErrorLevel)

	for _, notifier := range []*recordingNotifier{{err: errors.New("smtp timeout")}, {panic: true}} {
		store := &memoryStore{}
		s := NewService(store, notifier, zap.New(obsCore), nil)

		_, transitions := feed(t, s, Counts{}, core.RegionLocal, fail, fail)
		assert.Equal(t, ActionOpened, transitions[1].Action)
	}

	assert.Equal(t, 2, logs.FilterMessage("Failed to send incident notification").Len())
}

type brokenStore struct{ memoryStore }

func (b *brokenStore) GetActiveIncident(context.Context, int64, string) (*db.Incident, error) {
	return nil, errors.New("connection refused")
}

func TestStoreErrorsPropagate(t *testing.T) {
	s := NewService(&brokenStore{}, &recordingNotifier{}, zap.NewNop(), nil)

	_, err := s.Evaluate(context.Background(), testMonitor(), core.RegionLocal,
		Counts{ConsecutiveFailures: 2, State: core.StateDown}, result(fail))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get active incident")
}
