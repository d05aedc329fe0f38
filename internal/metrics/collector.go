package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/leozw/uptime-engine/internal/core"
	"github.com/leozw/uptime-engine/internal/db"
)

// Collector holds the engine metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	// Checks
	checkDuration *prometheus.HistogramVec
	checkUp       *prometheus.GaugeVec
	checksTotal   *prometheus.CounterVec

	// Incidents
	incidentsOpened  *prometheus.CounterVec
	incidentsActive  *prometheus.GaugeVec
	incidentDuration *prometheus.HistogramVec

	// Notificações
	notificationsTotal *prometheus.CounterVec

	// Worker
	jobsTotal    *prometheus.CounterVec
	jobsInFlight prometheus.Gauge
	jobDuration  prometheus.Histogram

	// Regional dispatch
	dispatchDuration *prometheus.HistogramVec
	agentErrors      *prometheus.CounterVec

	// Event sinks
	eventsWritten *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		checkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "uptime_check_duration_seconds",
				Help:    "Duration of uptime checks in seconds",
				Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"organization_id", "monitor_id", "type", "region"},
		),

		checkUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "uptime_check_up",
				Help: "Whether the last check succeeded (1) or not (0)",
			},
			[]string{"organization_id", "monitor_id", "type", "region"},
		),

		checksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uptime_checks_total",
				Help: "Total number of checks performed",
			},
			[]string{"type", "region", "status", "error_type"},
		),

		incidentsOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uptime_incidents_opened_total",
				Help: "Total number of incidents opened",
			},
			[]string{"organization_id", "region"},
		),

		incidentsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "uptime_incidents_active",
				Help: "Incidents opened minus incidents resolved by this process",
			},
			[]string{"organization_id", "region"},
		),

		incidentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "uptime_incident_duration_seconds",
				Help:    "Duration of resolved incidents in seconds",
				Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 43200, 86400},
			},
			[]string{"organization_id", "region"},
		),

		notificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uptime_notifications_total",
				Help: "Notification dispatch attempts by kind and result",
			},
			[]string{"kind", "result"},
		),

		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uptime_jobs_total",
				Help: "Check jobs processed by outcome",
			},
			[]string{"outcome"},
		),

		jobsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "uptime_jobs_in_flight",
				Help: "Check jobs currently being processed",
			},
		),

		jobDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "uptime_job_duration_seconds",
				Help:    "End to end duration of a check job",
				Buckets: prometheus.DefBuckets,
			},
		),

		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "uptime_regional_dispatch_duration_seconds",
				Help:    "Duration of a regional fan-out until every branch settled",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"aggregate_status"},
		),

		agentErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uptime_agent_errors_total",
				Help: "Failed calls to regional agents",
			},
			[]string{"region"},
		),

		eventsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uptime_events_written_total",
				Help: "Monitor events written per sink and result",
			},
			[]string{"sink", "result"},
		),
	}
}

func (c *Collector) RecordCheck(monitor *db.Monitor, region string, result *core.CheckResult) {
	if c == nil {
		return
	}

	labels := prometheus.Labels{
		"organization_id": strconv.FormatInt(monitor.OrganizationID, 10),
		"monitor_id":      strconv.FormatInt(monitor.ID, 10),
		"type":            string(monitor.Type),
		"region":          region,
	}
	c.checkDuration.With(labels).Observe(result.ResponseTimeMs / 1000)

	upValue := 0.0
	if result.Status.IsSuccess() {
		upValue = 1.0
	}
	c.checkUp.With(labels).Set(upValue)

	errorType := ""
	if result.Error != nil {
		errorType = string(result.Error.Type)
	}
	c.checksTotal.WithLabelValues(string(monitor.Type), region, string(result.Status), errorType).Inc()
}

func (c *Collector) RecordIncidentOpened(incident *db.Incident) {
	if c == nil {
		return
	}
	org := strconv.FormatInt(incident.OrganizationID, 10)
	c.incidentsOpened.WithLabelValues(org, incident.Region).Inc()
	c.incidentsActive.WithLabelValues(org, incident.Region).Inc()
}

func (c *Collector) RecordIncidentResolved(incident *db.Incident, resolvedAt time.Time) {
	if c == nil {
		return
	}
	org := strconv.FormatInt(incident.OrganizationID, 10)
	c.incidentsActive.WithLabelValues(org, incident.Region).Dec()
	if d := resolvedAt.Sub(incident.StartTime); d >= 0 {
		c.incidentDuration.WithLabelValues(org, incident.Region).Observe(d.Seconds())
	}
}

func (c *Collector) RecordNotification(kind string, err error) {
	if c == nil {
		return
	}
	c.notificationsTotal.WithLabelValues(kind, resultLabel(err)).Inc()
}

func (c *Collector) JobStarted() {
	if c == nil {
		return
	}
	c.jobsInFlight.Inc()
}

// JobFinished records a job leaving the pool. outcome is one of processed, skipped, duplicate, no_regions or error.
func (c *Collector) JobFinished(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.jobsInFlight.Dec()
	c.jobsTotal.WithLabelValues(outcome).Inc()
	c.jobDuration.Observe(elapsed.Seconds())
}

func (c *Collector) ObserveDispatch(status core.CheckStatus, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.dispatchDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

func (c *Collector) RecordAgentError(region string) {
	if c == nil {
		return
	}
	c.agentErrors.WithLabelValues(region).Inc()
}

func (c *Collector) RecordEventWritten(sink string, err error) {
	if c == nil {
		return
	}
	c.eventsWritten.WithLabelValues(sink, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
