package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/leozw/uptime-engine/internal/core"
)

type MonitorType string

const (
	MonitorTypeHTTP MonitorType = "http"
	MonitorTypeTCP  MonitorType = "tcp"
	MonitorTypeDNS  MonitorType = "dns"
)

type MonitorMode string

const (
	ModeLocal  MonitorMode = "local"
	ModeGlobal MonitorMode = "global"
)

type IncidentStatus string

const (
	IncidentActive   IncidentStatus = "active"
	IncidentResolved IncidentStatus = "resolved"
)

type Monitor struct {
	ID              int64           `json:"id" db:"id"`
	OrganizationID  int64           `json:"organizationId" db:"organization_id"`
	Name            string          `json:"name" db:"name"`
	Type            MonitorType     `json:"type" db:"type"`
	Mode            MonitorMode     `json:"mode" db:"mode"`
	Regions         StringSlice     `json:"regions" db:"regions"`
	Config          MonitorConfig   `json:"config" db:"config"`
	ValidationRules ValidationRules `json:"validationRules" db:"validation_rules"`
	Enabled         bool            `json:"enabled" db:"enabled"`
	IntervalSeconds int             `json:"intervalSeconds" db:"interval_seconds"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time       `json:"updatedAt" db:"updated_at"`
}

// RemoteRegions returns the selected regions other than local, in order and without duplicates.
func (m *Monitor) RemoteRegions() []string {
	seen := make(map[string]struct{}, len(m.Regions))
	regions := make([]string, 0, len(m.Regions))
	for _, r := range m.Regions {
		if r == "" || r == core.RegionLocal {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		regions = append(regions, r)
	}
	return regions
}

// IsGlobal reports whether checks fan out to remote agents.
func (m *Monitor) IsGlobal() bool {
	return m.Mode == ModeGlobal && len(m.RemoteRegions()) > 0
}

// Target is the monitored address as recorded on events.
func (m *Monitor) Target() string {
	switch m.Type {
	case MonitorTypeHTTP:
		return m.Config.URL
	case MonitorTypeTCP:
		if m.Config.Port > 0 {
			return net.JoinHostPort(m.Config.Host, strconv.Itoa(m.Config.Port))
		}
		return m.Config.Host
	default:
		return m.Config.Host
	}
}

type MonitorConfig struct {
	// HTTP
	URL             string            `json:"url,omitempty"`
	Method          string            `json:"method,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            string            `json:"body,omitempty"`
	Auth            *Auth             `json:"auth,omitempty"`
	FollowRedirects *bool             `json:"followRedirects,omitempty"`
	IPVersion       string            `json:"ipVersion,omitempty"`
	UserAgent       string            `json:"userAgent,omitempty"`

	// TCP and DNS
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// DNS
	RecordType string `json:"recordType,omitempty"`
	Nameserver string `json:"nameserver,omitempty"`

	TimeoutMs int `json:"timeoutMs,omitempty"`
}

func (mc MonitorConfig) ShouldFollowRedirects() bool {
	return mc.FollowRedirects == nil || *mc.FollowRedirects
}

func (mc MonitorConfig) Timeout(def time.Duration) time.Duration {
	if mc.TimeoutMs > 0 {
		return time.Duration(mc.TimeoutMs) * time.Millisecond
	}
	return def
}

type Auth struct {
	Type     string `json:"type"` // basic, bearer
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

type ValidationRule struct {
	Type     string `json:"type"`
	Operator string `json:"operator"`
	Property string `json:"property,omitempty"`
	Value    string `json:"value,omitempty"`
}

type ValidationRules []ValidationRule

// Region is an entry of the agent registry.
type Region struct {
	Code              string     `json:"code" db:"code"`
	Name              string     `json:"name" db:"name"`
	AgentURL          string     `json:"agentUrl" db:"agent_url"`
	Enabled           bool       `json:"enabled" db:"enabled"`
	IsHealthy         bool       `json:"isHealthy" db:"is_healthy"`
	LastHealthCheckAt *time.Time `json:"lastHealthCheckAt,omitempty" db:"last_health_check_at"`
}

type MonitorStatus struct {
	MonitorID            int64             `json:"monitorId" db:"monitor_id"`
	LastCheckedAt        time.Time         `json:"lastCheckedAt" db:"last_checked_at"`
	CurrentStatus        core.MonitorState `json:"currentStatus" db:"current_status"`
	ConsecutiveFailures  int               `json:"consecutiveFailures" db:"consecutive_failures"`
	ConsecutiveSuccesses int               `json:"consecutiveSuccesses" db:"consecutive_successes"`
	UpdatedAt            time.Time         `json:"updatedAt" db:"updated_at"`
}

type Incident struct {
	ID             int64          `json:"id" db:"id"`
	OrganizationID int64          `json:"organizationId" db:"organization_id"`
	MonitorID      int64          `json:"monitorId" db:"monitor_id"`
	Region         string         `json:"region" db:"region"`
	StartTime      time.Time      `json:"startTime" db:"start_time"`
	EndTime        *time.Time     `json:"endTime,omitempty" db:"end_time"`
	Status         IncidentStatus `json:"status" db:"status"`
	LastError      *string        `json:"lastError,omitempty" db:"last_error"`
	LastErrorType  *string        `json:"lastErrorType,omitempty" db:"last_error_type"`
	FailureCount   int            `json:"failureCount" db:"failure_count"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty" db:"resolved_at"`
}

// MonitorEvent is one append-only check record.
type MonitorEvent struct {
	ID                int64       `json:"id" db:"id"`
	MonitorID         int64       `json:"monitorId" db:"monitor_id"`
	OrganizationID    int64       `json:"organizationId" db:"organization_id"`
	Timestamp         time.Time   `json:"timestamp" db:"timestamp"`
	MonitorType       MonitorType `json:"monitorType" db:"monitor_type"`
	MonitorURL        string      `json:"monitorUrl" db:"monitor_url"`
	MonitorName       string      `json:"monitorName" db:"monitor_name"`
	Region            string      `json:"region" db:"region"`
	Status            string      `json:"status" db:"status"`
	StatusCode        *int        `json:"statusCode,omitempty" db:"status_code"`
	ResponseTimeMs    int         `json:"responseTimeMs" db:"response_time_ms"`
	DNSTimeMs         *int        `json:"dnsTimeMs,omitempty" db:"dns_time_ms"`
	TCPTimeMs         *int        `json:"tcpTimeMs,omitempty" db:"tcp_time_ms"`
	TLSTimeMs         *int        `json:"tlsTimeMs,omitempty" db:"tls_time_ms"`
	TTFBTimeMs        *int        `json:"ttfbTimeMs,omitempty" db:"ttfb_time_ms"`
	TransferTimeMs    *int        `json:"transferTimeMs,omitempty" db:"transfer_time_ms"`
	ValidationErrors  StringSlice `json:"validationErrors" db:"validation_errors"`
	ResponseHeaders   StringMap   `json:"responseHeaders" db:"response_headers"`
	ResponseSizeBytes *int64      `json:"responseSizeBytes,omitempty" db:"response_size_bytes"`
	Port              *int        `json:"port,omitempty" db:"port"`
	ErrorMessage      *string     `json:"errorMessage,omitempty" db:"error_message"`
	ErrorType         *string     `json:"errorType,omitempty" db:"error_type"`
}

// Custom types for PostgreSQL JSONB columns
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = []string{}
		return nil
	}
	return scanJSON(value, s)
}

type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *StringMap) Scan(value interface{}) error {
	if value == nil {
		*m = make(map[string]string)
		return nil
	}
	return scanJSON(value, m)
}

func (mc MonitorConfig) Value() (driver.Value, error) {
	return json.Marshal(mc)
}

func (mc *MonitorConfig) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	return scanJSON(value, mc)
}

func (r ValidationRules) Value() (driver.Value, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r)
}

func (r *ValidationRules) Scan(value interface{}) error {
	if value == nil {
		*r = nil
		return nil
	}
	return scanJSON(value, r)
}

func scanJSON(value interface{}, dest interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
}
