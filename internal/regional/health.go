package regional

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leozw/uptime-engine/internal/db"
)

// HealthStore is the region registry the prober keeps current.
type HealthStore interface {
	ListRegions(ctx context.Context) ([]*db.Region, error)
	UpdateRegionHealth(ctx context.Context, code string, healthy bool, checkedAt time.Time) error
}

// HealthProber polls every enabled agent's /health endpoint.
type HealthProber struct {
	store    HealthStore
	client   *http.Client
	interval time.Duration
	logger   *zap.Logger
}

func NewHealthProber(store HealthStore, interval time.Duration, logger *zap.Logger) *HealthProber {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthProber{
		store:    store,
		client:   &http.Client{Timeout: 5 * time.Second},
		interval: interval,
		logger:   logger,
	}
}

func (p *HealthProber) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.ProbeAll(ctx); err != nil {
			p.logger.Error("Failed to probe regional agents", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProbeAll checks every enabled region once and records the outcome.
func (p *HealthProber) ProbeAll(ctx context.Context) error {
	regions, err := p.store.ListRegions(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, region := range regions {
		if !region.Enabled || region.AgentURL == "" {
			continue
		}
		region := region
		g.Go(func() error {
			healthy := p.probe(ctx, region)
			if healthy != region.IsHealthy {
				p.logger.Info("Region health changed",
					zap.String("region", region.Code),
					zap.Bool("healthy", healthy),
				)
			}
			return p.store.UpdateRegionHealth(ctx, region.Code, healthy, time.Now().UTC())
		})
	}
	return g.Wait()
}

func (p *HealthProber) probe(ctx context.Context, region *db.Region) bool {
	url := strings.TrimRight(region.AgentURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("Agent health probe failed", zap.String("region", region.Code), zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
