package checks

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/leozw/uptime-engine/internal/config"
	"github.com/leozw/uptime-engine/internal/core"
	"github.com/leozw/uptime-engine/internal/db"
)

// Runner performs a single probe. Implementations never retry.
type Runner interface {
	Check(ctx context.Context, monitor *db.Monitor) *core.CheckResult
}

// Registry selects the runner for a monitor type.
type Registry map[db.MonitorType]Runner

func NewRegistry(cfg config.ExecutorConfig) Registry {
	return Registry{
		db.MonitorTypeHTTP: NewHTTPChecker(cfg),
		db.MonitorTypeTCP:  NewTCPChecker(cfg),
		db.MonitorTypeDNS:  NewDNSChecker(cfg),
	}
}

func (r Registry) Run(ctx context.Context, monitor *db.Monitor) *core.CheckResult {
	runner, ok := r[monitor.Type]
	if !ok {
		return core.InternalError(fmt.Sprintf("no runner for monitor type %q", monitor.Type))
	}
	return runner.Check(ctx, monitor)
}

var errTooManyRedirects = errors.New("too many redirects")

// classifyError maps a transport error to a check status and error type.
func classifyError(err error) (core.CheckStatus, core.ErrorType) {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.StatusTimeout, core.ErrorTypeTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return core.StatusFailure, core.ErrorTypeDNS
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.StatusTimeout, core.ErrorTypeTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return core.StatusFailure, core.ErrorTypeConnectionRefused
	}

	if errors.Is(err, errTooManyRedirects) {
		return core.StatusFailure, core.ErrorTypeProtocol
	}

	var (
		recordErr   tls.RecordHeaderError
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	if errors.As(err, &recordErr) || errors.As(err, &verifyErr) || errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) || errors.As(err, &invalidErr) {
		return core.StatusFailure, core.ErrorTypeTLS
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return core.StatusFailure, core.ErrorTypeConnection
	}

	return core.StatusFailure, core.ErrorTypeRequest
}
