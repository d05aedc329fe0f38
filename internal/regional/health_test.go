package regional

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/uptime-engine/internal/db"
)

type memoryHealthStore struct {
	mu      sync.Mutex
	regions []*db.Region
	updates map[string]bool
}

func (s *memoryHealthStore) ListRegions(context.Context) ([]*db.Region, error) {
	return s.regions, nil
}

func (s *memoryHealthStore) UpdateRegionHealth(_ context.Context, code string, healthy bool, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[code] = healthy
	return nil
}

func TestProbeAll(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	store := &memoryHealthStore{
		regions: []*db.Region{
			{Code: "us-east", AgentURL: up.URL, Enabled: true, IsHealthy: false},
			{Code: "eu-west", AgentURL: down.URL + "/", Enabled: true, IsHealthy: true},
			{Code: "sa-east", AgentURL: up.URL, Enabled: false},
			{Code: "ap-south", Enabled: true},
		},
		updates: map[string]bool{},
	}

	err := NewHealthProber(store, time.Minute, zap.NewNop()).ProbeAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]bool{"us-east": true, "eu-west": false}, store.updates)
}
