package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/zap"

	"github.com/leozw/uptime-engine/internal/config"
	"github.com/leozw/uptime-engine/internal/db"
)

// RemoteWriter pushes monitor events to Mimir as time series, one tenant per organization.
// Engine metrics from the gatherer are pushed under the system tenant on every flush.
type RemoteWriter struct {
	url           string
	tenantHeader  string
	authToken     string
	systemTenant  string
	batchSize     int
	flushInterval time.Duration

	client   *http.Client
	gatherer prometheus.Gatherer
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string][]prompb.TimeSeries
	count   int
}

func NewRemoteWriter(cfg config.MimirConfig, gatherer prometheus.Gatherer, logger *zap.Logger) *RemoteWriter {
	w := &RemoteWriter{
		url:           cfg.URL,
		tenantHeader:  cfg.TenantHeader,
		authToken:     cfg.AuthToken,
		systemTenant:  cfg.SystemTenant,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		client:        &http.Client{Timeout: 30 * time.Second},
		gatherer:      gatherer,
		logger:        logger,
		pending:       make(map[string][]prompb.TimeSeries),
	}
	if w.tenantHeader == "" {
		w.tenantHeader = "X-Scope-OrgID"
	}
	if w.batchSize <= 0 {
		w.batchSize = 1000
	}
	if w.flushInterval <= 0 {
		w.flushInterval = 10 * time.Second
	}
	return w
}

// WriteEvent buffers the series of one event and flushes once a batch is full.
func (w *RemoteWriter) WriteEvent(ctx context.Context, event *db.MonitorEvent) error {
	tenant := strconv.FormatInt(event.OrganizationID, 10)
	series := eventSeries(event)

	w.mu.Lock()
	w.pending[tenant] = append(w.pending[tenant], series...)
	w.count += len(series)
	full := w.count >= w.batchSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

func (w *RemoteWriter) Start(ctx context.Context) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := w.Flush(flushCtx); err != nil {
				w.logger.Warn("Final remote write flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				w.logger.Error("Remote write flush failed", zap.Error(err))
			}
			if err := w.pushSystemMetrics(ctx); err != nil {
				w.logger.Error("Failed to push engine metrics", zap.Error(err))
			}
		}
	}
}

// Flush sends every buffered series. Series of a failed batch are dropped.
func (w *RemoteWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string][]prompb.TimeSeries)
	w.count = 0
	w.mu.Unlock()

	var firstErr error
	for tenant, series := range pending {
		if err := w.sendBatches(ctx, tenant, series); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *RemoteWriter) pushSystemMetrics(ctx context.Context) error {
	if w.gatherer == nil || w.systemTenant == "" {
		return nil
	}
	mfs, err := w.gatherer.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	return w.sendBatches(ctx, w.systemTenant, familiesToSeries(mfs, time.Now()))
}

func (w *RemoteWriter) sendBatches(ctx context.Context, tenant string, series []prompb.TimeSeries) error {
	for i := 0; i < len(series); i += w.batchSize {
		end := min(i+w.batchSize, len(series))
		if err := w.send(ctx, tenant, series[i:end]); err != nil {
			return fmt.Errorf("failed to send batch for tenant %s: %w", tenant, err)
		}
	}
	return nil
}

func (w *RemoteWriter) send(ctx context.Context, tenant string, series []prompb.TimeSeries) error {
	req := &prompb.WriteRequest{Timeseries: series}
	data, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	compressed := snappy.Encode(nil, data)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/api/v1/push", bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	httpReq.Header.Set(w.tenantHeader, tenant)
	if w.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.authToken)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("remote write failed with status %d", resp.StatusCode)
	}
	return nil
}

func eventSeries(event *db.MonitorEvent) []prompb.TimeSeries {
	ts := event.Timestamp.UnixMilli()
	base := []prompb.Label{
		{Name: "monitor_id", Value: strconv.FormatInt(event.MonitorID, 10)},
		{Name: "monitor_name", Value: event.MonitorName},
		{Name: "type", Value: string(event.MonitorType)},
		{Name: "target", Value: event.MonitorURL},
		{Name: "region", Value: event.Region},
	}

	up := 0.0
	if event.Status == "success" {
		up = 1.0
	}

	series := []prompb.TimeSeries{
		newSeries("uptime_event_up", base, ts, up, prompb.Label{Name: "status", Value: event.Status}),
		newSeries("uptime_event_response_time_ms", base, ts, float64(event.ResponseTimeMs)),
	}

	if event.StatusCode != nil {
		series = append(series, newSeries("uptime_event_status_code", base, ts, float64(*event.StatusCode)))
	}

	phases := []struct {
		name  string
		value *int
	}{
		{"dns", event.DNSTimeMs},
		{"tcp", event.TCPTimeMs},
		{"tls", event.TLSTimeMs},
		{"ttfb", event.TTFBTimeMs},
		{"transfer", event.TransferTimeMs},
	}
	for _, p := range phases {
		if p.value == nil {
			continue
		}
		series = append(series, newSeries("uptime_event_phase_ms", base, ts, float64(*p.value),
			prompb.Label{Name: "phase", Value: p.name}))
	}

	return series
}

func newSeries(name string, base []prompb.Label, ts int64, value float64, extra ...prompb.Label) prompb.TimeSeries {
	labels := make([]prompb.Label, 0, len(base)+len(extra)+1)
	labels = append(labels, prompb.Label{Name: "__name__", Value: name})
	labels = append(labels, base...)
	labels = append(labels, extra...)
	sortLabels(labels)

	return prompb.TimeSeries{
		Labels:  labels,
		Samples: []prompb.Sample{{Value: value, Timestamp: ts}},
	}
}

// familiesToSeries converts gathered counters, gauges and histograms into remote write series.
func familiesToSeries(mfs []*dto.MetricFamily, now time.Time) []prompb.TimeSeries {
	ts := now.UnixMilli()
	var series []prompb.TimeSeries

	for _, mf := range mfs {
		for _, m := range mf.Metric {
			labels := make([]prompb.Label, 0, len(m.Label))
			for _, l := range m.Label {
				labels = append(labels, prompb.Label{Name: l.GetName(), Value: l.GetValue()})
			}

			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				series = append(series, newSeries(mf.GetName(), labels, ts, m.Counter.GetValue()))
			case dto.MetricType_GAUGE:
				series = append(series, newSeries(mf.GetName(), labels, ts, m.Gauge.GetValue()))
			case dto.MetricType_HISTOGRAM:
				hist := m.Histogram
				for _, bucket := range hist.Bucket {
					le := prompb.Label{Name: "le", Value: strconv.FormatFloat(bucket.GetUpperBound(), 'g', -1, 64)}
					series = append(series, newSeries(mf.GetName()+"_bucket", labels, ts, float64(bucket.GetCumulativeCount()), le))
				}
				series = append(series,
					newSeries(mf.GetName()+"_bucket", labels, ts, float64(hist.GetSampleCount()), prompb.Label{Name: "le", Value: "+Inf"}),
					newSeries(mf.GetName()+"_sum", labels, ts, hist.GetSampleSum()),
					newSeries(mf.GetName()+"_count", labels, ts, float64(hist.GetSampleCount())),
				)
			}
		}
	}

	return series
}

func sortLabels(labels []prompb.Label) {
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
}
