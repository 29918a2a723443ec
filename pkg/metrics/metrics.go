package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hsu_terminal"

// Metrics holds the terminal lifecycle collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ProcessesCreated  *prometheus.CounterVec
	LaunchFailures    *prometheus.CounterVec
	LaunchDuration    *prometheus.HistogramVec
	Relaunches        *prometheus.CounterVec
	ProcessExits      *prometheus.CounterVec
	ActiveTerminals   prometheus.Gauge
	SeamlessSwaps     *prometheus.CounterVec
	PtyHostEvents     *prometheus.CounterVec
	DataChars         prometheus.Counter
	AcknowledgedChars prometheus.Counter
	PtyProcesses      prometheus.Gauge
	PausedProducers   prometheus.Gauge
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ProcessesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processes_created_total",
				Help:      "Terminal processes created or attached, by backend authority",
			},
			[]string{"authority", "mode"},
		),
		LaunchFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "launch_failures_total",
				Help:      "Terminal launches that did not start, by reason",
			},
			[]string{"authority", "reason"},
		),
		LaunchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "launch_duration_seconds",
				Help:      "Time from create request to a started process",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"authority"},
		),
		Relaunches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relaunches_total",
				Help:      "Terminal relaunches, by trigger",
			},
			[]string{"trigger"},
		),
		ProcessExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_exits_total",
				Help:      "Terminal process exits, by final lifecycle state",
			},
			[]string{"state"},
		),
		ActiveTerminals: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_terminals",
				Help:      "Terminals currently owned by the host",
			},
		),
		SeamlessSwaps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "seamless_swaps_total",
				Help:      "Seamless relaunch swaps, by result",
			},
			[]string{"result"},
		),
		PtyHostEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pty_host_events_total",
				Help:      "Pty host connectivity events, by authority and kind",
			},
			[]string{"authority", "event"},
		),
		DataChars: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "data_chars_total",
				Help:      "Characters of terminal output delivered to consumers",
			},
		),
		AcknowledgedChars: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "acknowledged_chars_total",
				Help:      "Characters acknowledged back to producers",
			},
		),
		PtyProcesses: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pty_processes",
				Help:      "Live pty processes in this pty host",
			},
		),
		PausedProducers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "paused_producers",
				Help:      "Pty readers paused by flow control",
			},
		),
	}
}

func authorityLabel(authority string) string {
	if authority == "" {
		return "local"
	}
	return authority
}

func (m *Metrics) RecordProcessCreated(authority string, attached bool) {
	if m == nil {
		return
	}
	mode := "created"
	if attached {
		mode = "attached"
	}
	m.ProcessesCreated.WithLabelValues(authorityLabel(authority), mode).Inc()
}

func (m *Metrics) RecordLaunchFailure(authority, reason string) {
	if m == nil {
		return
	}
	m.LaunchFailures.WithLabelValues(authorityLabel(authority), reason).Inc()
}

func (m *Metrics) ObserveLaunchDuration(authority string, d time.Duration) {
	if m == nil {
		return
	}
	m.LaunchDuration.WithLabelValues(authorityLabel(authority)).Observe(d.Seconds())
}

func (m *Metrics) RecordRelaunch(trigger string) {
	if m == nil {
		return
	}
	m.Relaunches.WithLabelValues(trigger).Inc()
}

func (m *Metrics) RecordExit(state string) {
	if m == nil {
		return
	}
	m.ProcessExits.WithLabelValues(state).Inc()
}

func (m *Metrics) TerminalOpened() {
	if m == nil {
		return
	}
	m.ActiveTerminals.Inc()
}

func (m *Metrics) TerminalClosed() {
	if m == nil {
		return
	}
	m.ActiveTerminals.Dec()
}

func (m *Metrics) RecordSwap(result string) {
	if m == nil {
		return
	}
	m.SeamlessSwaps.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordPtyHostEvent(authority, event string) {
	if m == nil {
		return
	}
	m.PtyHostEvents.WithLabelValues(authorityLabel(authority), event).Inc()
}

func (m *Metrics) AddDataChars(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DataChars.Add(float64(n))
}

func (m *Metrics) AddAcknowledgedChars(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AcknowledgedChars.Add(float64(n))
}

func (m *Metrics) SetPtyProcesses(n int) {
	if m == nil {
		return
	}
	m.PtyProcesses.Set(float64(n))
}

func (m *Metrics) ProducerPaused() {
	if m == nil {
		return
	}
	m.PausedProducers.Inc()
}

func (m *Metrics) ProducerResumed() {
	if m == nil {
		return
	}
	m.PausedProducers.Dec()
}
