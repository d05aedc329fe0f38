package checks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/leozw/uptime-engine/internal/config"
	"github.com/leozw/uptime-engine/internal/core"
	"github.com/leozw/uptime-engine/internal/db"
)

const defaultNameserver = "8.8.8.8:53"

type DNSChecker struct {
	timeout    time.Duration
	nameserver string
}

func NewDNSChecker(cfg config.ExecutorConfig) *DNSChecker {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	nameserver := cfg.Nameserver
	if nameserver == "" {
		nameserver = defaultNameserver
	}
	return &DNSChecker{timeout: timeout, nameserver: withPort(nameserver)}
}

func (d *DNSChecker) Check(ctx context.Context, monitor *db.Monitor) *core.CheckResult {
	cfg := monitor.Config
	if cfg.Host == "" {
		return core.NewFailure(core.StatusFailure, core.ErrorTypeRequest, "dns monitor requires host", 0)
	}

	recordType := strings.ToUpper(cfg.RecordType)
	if recordType == "" {
		recordType = "A"
	}
	qtype, ok := dns.StringToType[recordType]
	if !ok {
		return core.NewFailure(core.StatusFailure, core.ErrorTypeRequest, fmt.Sprintf("unsupported record type %q", cfg.RecordType), 0)
	}

	nameserver := d.nameserver
	if cfg.Nameserver != "" {
		nameserver = withPort(cfg.Nameserver)
	}

	timeout := cfg.Timeout(d.timeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &dns.Client{Timeout: timeout}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(cfg.Host), qtype)

	start := time.Now()
	r, rtt, err := client.ExchangeContext(ctx, msg, nameserver)
	elapsed := time.Since(start)

	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return core.NewFailure(core.StatusTimeout, core.ErrorTypeTimeout, err.Error(), elapsed)
		}
		return core.NewFailure(core.StatusFailure, core.ErrorTypeDNS, fmt.Sprintf("DNS query failed: %v", err), elapsed)
	}

	if r.Rcode != dns.RcodeSuccess {
		result := core.NewFailure(core.StatusFailure, core.ErrorTypeDNS,
			fmt.Sprintf("DNS query failed with code: %s", dns.RcodeToString[r.Rcode]), rtt)
		result.Timing = core.Timing{DNSMs: core.Millis(rtt)}
		return result
	}

	answers := make([]string, 0, len(r.Answer))
	for _, rr := range r.Answer {
		if value := answerValue(rr); value != "" {
			answers = append(answers, value)
		}
	}
	body := []byte(strings.Join(answers, "\n"))
	size := int64(len(body))

	return &core.CheckResult{
		Status:         core.StatusSuccess,
		ResponseTimeMs: core.DurationMs(rtt),
		Timing:         core.Timing{DNSMs: core.Millis(rtt)},
		BodySizeBytes:  &size,
		Body:           body,
	}
}

func answerValue(rr dns.RR) string {
	switch v := rr.(type) {
	case *dns.A:
		return v.A.String()
	case *dns.AAAA:
		return v.AAAA.String()
	case *dns.CNAME:
		return v.Target
	case *dns.MX:
		return fmt.Sprintf("%d %s", v.Preference, v.Mx)
	case *dns.TXT:
		return strings.Join(v.Txt, " ")
	case *dns.NS:
		return v.Ns
	default:
		return ""
	}
}

func withPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, "53")
	}
	return addr
}
