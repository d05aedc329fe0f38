package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/leozw/uptime-engine/internal/core"
	"github.com/leozw/uptime-engine/internal/db"
	"github.com/leozw/uptime-engine/internal/notify"
	"github.com/leozw/uptime-engine/internal/regional"
)

type monitorTable map[int64]*db.Monitor

func (t monitorTable) GetMonitor(_ context.Context, id int64) (*db.Monitor, error) {
	m, ok := t[id]
	if !ok {
		return nil, db.ErrMonitorNotFound
	}
	return m, nil
}

// backend keeps events and status rows in memory.
type backend struct {
	mu        sync.Mutex
	events    []*db.MonitorEvent
	status    map[int64]*db.MonitorStatus
	updates   int
	recordErr error
}

func newBackend() *backend {
	return &backend{status: make(map[int64]*db.MonitorStatus)}
}

func (b *backend) Record(_ context.Context, event *db.MonitorEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.recordErr != nil {
		return b.recordErr
	}
	b.events = append(b.events, event)
	return nil
}

func (b *backend) UpdateStatus(_ context.Context, monitorID int64, state core.MonitorState, checkedAt time.Time) (*db.MonitorStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates++

	s, ok := b.status[monitorID]
	if !ok {
		s = &db.MonitorStatus{MonitorID: monitorID}
		b.status[monitorID] = s
	}
	if state == core.StateUp {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
	}
	s.CurrentStatus = state
	s.LastCheckedAt = checkedAt
	s.UpdatedAt = checkedAt

	out := *s
	return &out, nil
}

func (b *backend) RecentStatuses(_ context.Context, monitorID int64, region string, limit int) ([]core.CheckStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []core.CheckStatus
	for i := len(b.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := b.events[i]
		if e.MonitorID == monitorID && e.Region == region {
			out = append(out, core.CheckStatus(e.Status))
		}
	}
	return out, nil
}

func (b *backend) regionEvents(region string) []*db.MonitorEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*db.MonitorEvent
	for _, e := range b.events {
		if e.Region == region {
			out = append(out, e)
		}
	}
	return out
}

type incidentKey struct {
	monitorID int64
	region    string
}

type incidentStore struct {
	mu        sync.Mutex
	nextID    int64
	incidents map[int64]*db.Incident
}

func newIncidentStore() *incidentStore {
	return &incidentStore{incidents: make(map[int64]*db.Incident)}
}

func (s *incidentStore) GetActiveIncident(_ context.Context, monitorID int64, region string) (*db.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inc := range s.incidents {
		if inc.MonitorID == monitorID && inc.Region == region && inc.Status == db.IncidentActive {
			out := *inc
			return &out, nil
		}
	}
	return nil, db.ErrNoActiveIncident
}

func (s *incidentStore) CreateIncident(_ context.Context, incident *db.Incident) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inc := range s.incidents {
		if inc.MonitorID == incident.MonitorID && inc.Region == incident.Region && inc.Status == db.IncidentActive {
			return false, nil
		}
	}
	s.nextID++
	incident.ID = s.nextID
	stored := *incident
	s.incidents[incident.ID] = &stored
	return true, nil
}

func (s *incidentStore) EscalateIncident(_ context.Context, id int64, lastError, lastErrorType *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return errors.New("unknown incident")
	}
	inc.FailureCount++
	inc.LastError, inc.LastErrorType = lastError, lastErrorType
	return nil
}

func (s *incidentStore) ResolveIncident(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return errors.New("unknown incident")
	}
	inc.Status = db.IncidentResolved
	inc.EndTime, inc.ResolvedAt = &at, &at
	return nil
}

func (s *incidentStore) byKey() map[incidentKey][]*db.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[incidentKey][]*db.Incident)
	for _, inc := range s.incidents {
		k := incidentKey{inc.MonitorID, inc.Region}
		out[k] = append(out[k], inc)
	}
	return out
}

type notifications struct {
	mu    sync.Mutex
	kinds []notify.Kind
}

func (n *notifications) SendIncidentNotifications(_ context.Context, _ *db.Monitor, _ *db.Incident, kind notify.Kind) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
	return nil
}

// scriptedRunner returns statuses in order, then repeats the last one.
type scriptedRunner struct {
	mu       sync.Mutex
	statuses []core.CheckStatus
	code     int
	calls    int
	panicMsg string
}

func (r *scriptedRunner) Run(context.Context, *db.Monitor) *core.CheckResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panicMsg != "" {
		panic(r.panicMsg)
	}
	status := r.statuses[min(r.calls, len(r.statuses)-1)]
	r.calls++
	if status.IsSuccess() {
		return &core.CheckResult{Status: status, ResponseTimeMs: 25, StatusCode: r.code}
	}
	return core.NewFailure(status, core.ErrorTypeConnectionRefused, "connection refused", 5*time.Millisecond)
}

type fakeDispatcher struct {
	mu      sync.Mutex
	rounds  [][]regional.RegionResult
	calls   int
	err     error
	lastJob string
}

func (d *fakeDispatcher) Dispatch(_ context.Context, jobID string, _ *db.Monitor) (*regional.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastJob = jobID
	if d.err != nil {
		return nil, d.err
	}
	results := d.rounds[min(d.calls, len(d.rounds)-1)]
	d.calls++
	return &regional.Outcome{Aggregate: regional.Aggregate(results), Regions: results}, nil
}

func regionResults(pairs ...any) []regional.RegionResult {
	var out []regional.RegionResult
	for i := 0; i < len(pairs); i += 2 {
		status := pairs[i+1].(core.CheckStatus)
		result := &core.CheckResult{Status: status, ResponseTimeMs: 100}
		if !status.IsSuccess() {
			result = core.AgentError("agent unreachable", time.Second)
		}
		out = append(out, regional.RegionResult{Region: pairs[i].(string), Result: result})
	}
	return out
}
