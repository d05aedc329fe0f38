package regional

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/leozw/uptime-engine/internal/db"
)

// Agent executes a check in a remote region.
type Agent interface {
	Check(ctx context.Context, region *db.Region, req *AgentRequest) (*AgentResponse, error)
}

// AgentClient calls agents over HTTP with a per-region rate limit.
type AgentClient struct {
	client *http.Client
	secret string
	limit  rate.Limit
	burst  int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewAgentClient builds a client. perSecond <= 0 disables rate limiting and an
// empty secret sends no token.
func NewAgentClient(secret string, perSecond float64) *AgentClient {
	limit := rate.Inf
	burst := 0
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = max(1, int(perSecond))
	}
	return &AgentClient{
		client:   &http.Client{},
		secret:   secret,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *AgentClient) limiter(region string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[region]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[region] = l
	}
	return l
}

func (c *AgentClient) Check(ctx context.Context, region *db.Region, req *AgentRequest) (*AgentResponse, error) {
	if err := c.limiter(region.Code).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit for region %s: %w", region.Code, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent request: %w", err)
	}

	url := strings.TrimRight(region.AgentURL, "/") + CheckPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if c.secret != "" {
		token, err := SignAgentToken(c.secret, region.Code, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to sign agent token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent %s unreachable: %w", region.Code, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("agent %s returned %d: %s", region.Code, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out AgentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode agent %s response: %w", region.Code, err)
	}
	return &out, nil
}
