// Package regional fans global checks out to remote agents and aggregates their results.
package regional

import (
	"context"
	"sort"

	"github.com/leozw/uptime-engine/internal/config"
	"github.com/leozw/uptime-engine/internal/db"
)

// Registry lists the known regions and their agents.
type Registry interface {
	ListRegions(ctx context.Context) ([]*db.Region, error)
}

// StaticRegistry serves the regions of the configuration file. Regions are assumed healthy.
type StaticRegistry struct {
	regions []*db.Region
}

func NewStaticRegistry(regions map[string]config.RegionConfig) *StaticRegistry {
	r := &StaticRegistry{regions: make([]*db.Region, 0, len(regions))}
	for code, rc := range regions {
		r.regions = append(r.regions, &db.Region{
			Code:      code,
			Name:      rc.Name,
			AgentURL:  rc.AgentURL,
			Enabled:   rc.Enabled,
			IsHealthy: true,
		})
	}
	sort.Slice(r.regions, func(i, j int) bool { return r.regions[i].Code < r.regions[j].Code })
	return r
}

func (r *StaticRegistry) ListRegions(context.Context) ([]*db.Region, error) {
	return r.regions, nil
}

// Eligible returns the registry entries a global monitor should be dispatched to:
// selected by the monitor, not local, enabled and healthy. Monitor order is kept.
func Eligible(monitor *db.Monitor, regions []*db.Region) []*db.Region {
	byCode := make(map[string]*db.Region, len(regions))
	for _, r := range regions {
		byCode[r.Code] = r
	}

	var eligible []*db.Region
	for _, code := range monitor.RemoteRegions() {
		r, ok := byCode[code]
		if !ok || !r.Enabled || !r.IsHealthy || r.AgentURL == "" {
			continue
		}
		eligible = append(eligible, r)
	}
	return eligible
}
