package checks

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/leozw/uptime-engine/internal/config"
	"github.com/leozw/uptime-engine/internal/core"
	"github.com/leozw/uptime-engine/internal/db"
)

type TCPChecker struct {
	timeout time.Duration
}

func NewTCPChecker(cfg config.ExecutorConfig) *TCPChecker {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TCPChecker{timeout: timeout}
}

func (t *TCPChecker) Check(ctx context.Context, monitor *db.Monitor) *core.CheckResult {
	cfg := monitor.Config
	if cfg.Host == "" || cfg.Port <= 0 || cfg.Port > 65535 {
		return core.NewFailure(core.StatusFailure, core.ErrorTypeRequest, "tcp monitor requires host and port", 0)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout(t.timeout))
	defer cancel()

	address := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	var dialer net.Dialer
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", address)
	elapsed := time.Since(start)
	if err != nil {
		status, errType := classifyError(err)
		return core.NewFailure(status, errType, err.Error(), elapsed)
	}
	_ = conn.Close()

	return &core.CheckResult{
		Status:         core.StatusSuccess,
		ResponseTimeMs: core.DurationMs(elapsed),
		Timing:         core.Timing{TCPMs: core.Millis(elapsed)},
	}
}
