package regional

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/uptime-engine/internal/core"
	"github.com/leozw/uptime-engine/internal/db"
)

type staticList []*db.Region

func (s staticList) ListRegions(context.Context) ([]*db.Region, error) { return s, nil }

type failingList struct{}

func (failingList) ListRegions(context.Context) ([]*db.Region, error) {
	return nil, errors.New("registry offline")
}

// scriptedAgent answers per region code.
type scriptedAgent struct {
	mu     sync.Mutex
	calls  []string
	answer func(ctx context.Context, region string) (*AgentResponse, error)
}

func (a *scriptedAgent) Check(ctx context.Context, region *db.Region, req *AgentRequest) (*AgentResponse, error) {
	a.mu.Lock()
	a.calls = append(a.calls, region.Code)
	a.mu.Unlock()
	return a.answer(ctx, region.Code)
}

func ok(ms float64) *AgentResponse {
	return &AgentResponse{Status: core.StatusSuccess, ResponseTimeMs: ms}
}

func globalMonitor(regions ...string) *db.Monitor {
	return &db.Monitor{ID: 11, Type: db.MonitorTypeHTTP, Mode: db.ModeGlobal, Regions: regions, Enabled: true}
}

func threeRegions() staticList {
	return staticList{
		region("us-east", true, true),
		region("eu-west", true, true),
		region("ap-south", true, true),
	}
}

func TestDispatchMajorityFailure(t *testing.T) {
	agent := &scriptedAgent{answer: func(_ context.Context, code string) (*AgentResponse, error) {
		if code == "us-east" {
			return ok(120), nil
		}
		return &AgentResponse{Status: core.StatusFailure, ResponseTimeMs: 30,
			Error: &core.CheckError{Type: core.ErrorTypeConnectionRefused, Message: "refused"}}, nil
	}}
	c := NewCoordinator(threeRegions(), agent, time.Second, zap.NewNop(), nil)

	outcome, err := c.Dispatch(context.Background(), "job-c", globalMonitor("us-east", "eu-west", "ap-south"))
	require.NoError(t, err)

	require.Len(t, outcome.Regions, 3)
	assert.Equal(t, "us-east", outcome.Regions[0].Region)
	assert.Equal(t, "eu-west", outcome.Regions[1].Region)
	assert.Equal(t, "ap-south", outcome.Regions[2].Region)
	assert.Equal(t, core.StatusFailure, outcome.Aggregate.Status)
	assert.Equal(t, 120.0, outcome.Aggregate.ResponseTimeMs)
}

func TestDispatchIsolatesFailingRegions(t *testing.T) {
	agent := &scriptedAgent{answer: func(ctx context.Context, code string) (*AgentResponse, error) {
		switch code {
		case "eu-west":
			return nil, errors.New("connection reset")
		case "ap-south":
			panic("agent exploded")
		}
		return ok(80), nil
	}}
	c := NewCoordinator(threeRegions(), agent, time.Second, zap.NewNop(), nil)

	outcome, err := c.Dispatch(context.Background(), "job", globalMonitor("us-east", "eu-west", "ap-south"))
	require.NoError(t, err)

	assert.Equal(t, core.StatusSuccess, outcome.Regions[0].Result.Status)
	for _, rr := range outcome.Regions[1:] {
		assert.Equal(t, core.StatusFailure, rr.Result.Status, rr.Region)
		require.NotNil(t, rr.Result.Error)
		assert.Equal(t, core.ErrorTypeAgent, rr.Result.Error.Type)
	}
	assert.Equal(t, core.StatusFailure, outcome.Aggregate.Status)
	assert.Len(t, agent.calls, 3)
}

func TestDispatchAgentTimeout(t *testing.T) {
	agent := &scriptedAgent{answer: func(ctx context.Context, code string) (*AgentResponse, error) {
		if code == "eu-west" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return ok(10), nil
	}}
	c := NewCoordinator(threeRegions(), agent, 50*time.Millisecond, zap.NewNop(), nil)

	outcome, err := c.Dispatch(context.Background(), "job", globalMonitor("us-east", "eu-west", "ap-south"))
	require.NoError(t, err)

	assert.Equal(t, core.StatusSuccess, outcome.Aggregate.Status)
	assert.Equal(t, core.ErrorTypeAgent, outcome.Regions[1].Result.Error.Type)
}

func TestDispatchNoEligibleRegions(t *testing.T) {
	agent := &scriptedAgent{answer: func(context.Context, string) (*AgentResponse, error) { return ok(1), nil }}
	registry := staticList{region("us-east", true, false)}
	c := NewCoordinator(registry, agent, time.Second, zap.NewNop(), nil)

	_, err := c.Dispatch(context.Background(), "job", globalMonitor("us-east"))

	assert.ErrorIs(t, err, ErrNoEligibleRegions)
	assert.Empty(t, agent.calls)
}

func TestDispatchRegistryError(t *testing.T) {
	c := NewCoordinator(failingList{}, &scriptedAgent{}, time.Second, zap.NewNop(), nil)

	_, err := c.Dispatch(context.Background(), "job", globalMonitor("us-east"))

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoEligibleRegions)
}

func TestAggregate(t *testing.T) {
	res := func(status core.CheckStatus, ms float64) RegionResult {
		return RegionResult{Result: &core.CheckResult{Status: status, ResponseTimeMs: ms}}
	}

	tests := []struct {
		name     string
		results  []RegionResult
		status   core.CheckStatus
		response float64
	}{
		{"single success", []RegionResult{res(core.StatusSuccess, 90)}, core.StatusSuccess, 90},
		{"two of three", []RegionResult{res(core.StatusSuccess, 100), res(core.StatusSuccess, 200), res(core.StatusTimeout, 5000)}, core.StatusSuccess, 150},
		{"tie is failure", []RegionResult{res(core.StatusSuccess, 40), res(core.StatusFailure, 10)}, core.StatusFailure, 40},
		{"two against two", []RegionResult{res(core.StatusSuccess, 100), res(core.StatusSuccess, 300), res(core.StatusFailure, 1), res(core.StatusTimeout, 2)}, core.StatusFailure, 200},
		{"one of three", []RegionResult{res(core.StatusSuccess, 60), res(core.StatusFailure, 1), res(core.StatusFailure, 2)}, core.StatusFailure, 60},
		{"none succeeded", []RegionResult{res(core.StatusTimeout, 30000), res(core.StatusFailure, 12)}, core.StatusFailure, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := Aggregate(tt.results)
			assert.Equal(t, tt.status, agg.Status)
			assert.InDelta(t, tt.response, agg.ResponseTimeMs, 0.001)
		})
	}
}
