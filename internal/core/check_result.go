package core

import (
	"fmt"
	"math"
	"time"
)

// RegionLocal is the pseudo-region for checks executed in-process.
const RegionLocal = "local"

type CheckStatus string

const (
	StatusSuccess CheckStatus = "success"
	StatusFailure CheckStatus = "failure"
	StatusTimeout CheckStatus = "timeout"
)

func (s CheckStatus) IsSuccess() bool {
	return s == StatusSuccess
}

func (s CheckStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusTimeout:
		return true
	}
	return false
}

// MonitorState is the up/down state derived from the latest check.
type MonitorState string

const (
	StateUp   MonitorState = "up"
	StateDown MonitorState = "down"
)

func StateFor(status CheckStatus) MonitorState {
	if status.IsSuccess() {
		return StateUp
	}
	return StateDown
}

type ErrorType string

const (
	ErrorTypeDNS               ErrorType = "dns_error"
	ErrorTypeConnectionRefused ErrorType = "connection_refused"
	ErrorTypeConnection        ErrorType = "connection_error"
	ErrorTypeTLS               ErrorType = "tls_error"
	ErrorTypeTimeout           ErrorType = "timeout"
	ErrorTypeRequest           ErrorType = "request_error"
	ErrorTypeProtocol          ErrorType = "protocol_error"
	ErrorTypeValidation        ErrorType = "validation_error"
	ErrorTypeAgent             ErrorType = "agent_error"
	ErrorTypeInternal          ErrorType = "internal_error"
)

type CheckError struct {
	Message string    `json:"message"`
	Type    ErrorType `json:"type"`
}

// Timing holds per-phase durations in milliseconds. Nil means unavailable.
type Timing struct {
	DNSMs      *float64 `json:"dnsMs,omitempty"`
	TCPMs      *float64 `json:"tcpMs,omitempty"`
	TLSMs      *float64 `json:"tlsMs,omitempty"`
	TTFBMs     *float64 `json:"ttfbMs,omitempty"`
	TransferMs *float64 `json:"transferMs,omitempty"`
}

func (t Timing) IsZero() bool {
	return t.DNSMs == nil && t.TCPMs == nil && t.TLSMs == nil && t.TTFBMs == nil && t.TransferMs == nil
}

// CheckResult is the outcome of a single probe. It is never persisted as is.
type CheckResult struct {
	Status           CheckStatus       `json:"status"`
	ResponseTimeMs   float64           `json:"responseTimeMs"`
	StatusCode       int               `json:"statusCode,omitempty"`
	Timing           Timing            `json:"timing"`
	Headers          map[string]string `json:"headers,omitempty"`
	BodySizeBytes    *int64            `json:"bodySizeBytes,omitempty"`
	ValidationErrors []string          `json:"validationErrors,omitempty"`
	Error            *CheckError       `json:"error,omitempty"`

	// Body is kept in memory for validation only.
	Body []byte `json:"-"`
}

func NewFailure(status CheckStatus, errType ErrorType, message string, elapsed time.Duration) *CheckResult {
	return &CheckResult{
		Status:         status,
		ResponseTimeMs: DurationMs(elapsed),
		Error:          &CheckError{Message: message, Type: errType},
	}
}

// InternalError converts an unexpected fault into a failed result.
func InternalError(cause any) *CheckResult {
	return NewFailure(StatusFailure, ErrorTypeInternal, fmt.Sprint(cause), 0)
}

func AgentError(cause any, elapsed time.Duration) *CheckResult {
	return NewFailure(StatusFailure, ErrorTypeAgent, fmt.Sprint(cause), elapsed)
}

// DurationMs converts d to milliseconds, clamping negatives to zero.
func DurationMs(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// Millis converts d to milliseconds. Negative durations are unavailable.
func Millis(d time.Duration) *float64 {
	if d < 0 {
		return nil
	}
	ms := float64(d) / float64(time.Millisecond)
	return &ms
}

// RoundMs rounds a millisecond value for storage, dropping negatives.
func RoundMs(v *float64) *int {
	if v == nil || *v < 0 || math.IsNaN(*v) {
		return nil
	}
	r := int(math.Round(*v))
	return &r
}
