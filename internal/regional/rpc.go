package regional

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/leozw/uptime-engine/internal/core"
	"github.com/leozw/uptime-engine/internal/db"
)

const (
	CheckPath     = "/api/v1/checks"
	TokenIssuer   = "uptime-engine"
	tokenLifetime = 2 * time.Minute
)

// AgentRequest is the body sent to a regional agent.
type AgentRequest struct {
	JobID           string              `json:"jobId" binding:"required"`
	MonitorID       int64               `json:"monitorId" binding:"required"`
	MonitorType     db.MonitorType      `json:"monitorType" binding:"required,oneof=http tcp dns"`
	Config          db.MonitorConfig    `json:"config"`
	ValidationRules []db.ValidationRule `json:"validationRules"`
}

func NewAgentRequest(jobID string, monitor *db.Monitor) *AgentRequest {
	return &AgentRequest{
		JobID:           jobID,
		MonitorID:       monitor.ID,
		MonitorType:     monitor.Type,
		Config:          monitor.Config,
		ValidationRules: monitor.ValidationRules,
	}
}

// Monitor rebuilds the monitor an agent executes.
func (r *AgentRequest) Monitor() *db.Monitor {
	return &db.Monitor{
		ID:              r.MonitorID,
		Type:            r.MonitorType,
		Mode:            db.ModeLocal,
		Config:          r.Config,
		ValidationRules: r.ValidationRules,
		Enabled:         true,
	}
}

// AgentResponse is the body a regional agent answers with.
type AgentResponse struct {
	JobID            string            `json:"jobId"`
	Region           string            `json:"region"`
	Status           core.CheckStatus  `json:"status"`
	ResponseTimeMs   float64           `json:"responseTimeMs"`
	StatusCode       *int              `json:"statusCode,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	Timing           *core.Timing      `json:"timing,omitempty"`
	Error            *core.CheckError  `json:"error,omitempty"`
	ValidationErrors []string          `json:"validationErrors,omitempty"`
	BodySizeBytes    *int64            `json:"bodySizeBytes,omitempty"`
}

func NewAgentResponse(jobID, region string, result *core.CheckResult) *AgentResponse {
	resp := &AgentResponse{
		JobID:            jobID,
		Region:           region,
		Status:           result.Status,
		ResponseTimeMs:   result.ResponseTimeMs,
		Headers:          result.Headers,
		Error:            result.Error,
		ValidationErrors: result.ValidationErrors,
		BodySizeBytes:    result.BodySizeBytes,
	}
	if result.StatusCode > 0 {
		code := result.StatusCode
		resp.StatusCode = &code
	}
	if !result.Timing.IsZero() {
		timing := result.Timing
		resp.Timing = &timing
	}
	return resp
}

// Result converts the response into a check result, rejecting unknown statuses.
func (r *AgentResponse) Result() (*core.CheckResult, error) {
	if !r.Status.Valid() {
		return nil, fmt.Errorf("agent returned unknown status %q", r.Status)
	}

	result := &core.CheckResult{
		Status:           r.Status,
		ResponseTimeMs:   max(r.ResponseTimeMs, 0),
		Headers:          r.Headers,
		Error:            r.Error,
		ValidationErrors: r.ValidationErrors,
		BodySizeBytes:    r.BodySizeBytes,
	}
	if r.StatusCode != nil {
		result.StatusCode = *r.StatusCode
	}
	if r.Timing != nil {
		result.Timing = sanitizeTiming(*r.Timing)
	}
	return result, nil
}

// sanitizeTiming drops negative phases reported by an agent.
func sanitizeTiming(t core.Timing) core.Timing {
	clean := func(v *float64) *float64 {
		if v == nil || *v < 0 {
			return nil
		}
		return v
	}
	return core.Timing{
		DNSMs:      clean(t.DNSMs),
		TCPMs:      clean(t.TCPMs),
		TLSMs:      clean(t.TLSMs),
		TTFBMs:     clean(t.TTFBMs),
		TransferMs: clean(t.TransferMs),
	}
}

// SignAgentToken issues the short-lived bearer token agents expect.
func SignAgentToken(secret, region string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    TokenIssuer,
		Subject:   region,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
