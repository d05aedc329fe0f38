package checks

import (
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/leozw/uptime-engine/internal/core"
)

// requestTrace records connection phase timestamps of one request.
type requestTrace struct {
	mu sync.Mutex

	dnsStart  time.Time
	dnsDone   time.Time
	connStart time.Time
	connDone  time.Time
	tlsStart  time.Time
	tlsDone   time.Time
	wrote     time.Time
	firstByte time.Time
	end       time.Time
}

func newRequestTrace() *requestTrace {
	return &requestTrace{}
}

func (t *requestTrace) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			t.mark(&t.dnsStart, true)
		},
		DNSDone: func(info httptrace.DNSDoneInfo) {
			if info.Err == nil {
				t.mark(&t.dnsDone, false)
			}
		},
		ConnectStart: func(network, addr string) {
			t.mark(&t.connStart, true)
		},
		ConnectDone: func(network, addr string, err error) {
			if err == nil {
				t.mark(&t.connDone, false)
			}
		},
		TLSHandshakeStart: func() {
			t.mark(&t.tlsStart, true)
		},
		TLSHandshakeDone: func(_ tls.ConnectionState, err error) {
			if err == nil {
				t.mark(&t.tlsDone, false)
			}
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			t.mark(&t.wrote, false)
		},
		GotFirstResponseByte: func() {
			t.mark(&t.firstByte, true)
		},
	}
}

// mark stores now into field. With first set, only the first call counts.
func (t *requestTrace) mark(field *time.Time, first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if first && !field.IsZero() {
		return
	}
	*field = time.Now()
}

// reset drops the phases of a previous redirect hop.
func (t *requestTrace) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dnsStart, t.dnsDone = time.Time{}, time.Time{}
	t.connStart, t.connDone = time.Time{}, time.Time{}
	t.tlsStart, t.tlsDone = time.Time{}, time.Time{}
	t.wrote, t.firstByte, t.end = time.Time{}, time.Time{}, time.Time{}
}

func (t *requestTrace) finish() {
	t.mark(&t.end, true)
}

func (t *requestTrace) timing() core.Timing {
	t.mu.Lock()
	defer t.mu.Unlock()

	return core.Timing{
		DNSMs:      span(t.dnsStart, t.dnsDone),
		TCPMs:      span(t.connStart, t.connDone),
		TLSMs:      span(t.tlsStart, t.tlsDone),
		TTFBMs:     span(t.wrote, t.firstByte),
		TransferMs: span(t.firstByte, t.end),
	}
}

func span(from, to time.Time) *float64 {
	if from.IsZero() || to.IsZero() {
		return nil
	}
	return core.Millis(to.Sub(from))
}
