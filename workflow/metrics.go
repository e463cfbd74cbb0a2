package workflow

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics run的prometheus指标, nil的Metrics所有方法都是空操作
type Metrics struct {
	runsTotal    *prometheus.CounterVec
	tokensTotal  *prometheus.CounterVec
	signalsTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	activeRuns   prometheus.Gauge
}

// NewMetrics 创建并注册指标, registerer为nil时不注册
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "resumable_workflow",
				Name:      "runs_total",
				Help:      "Number of run process calls by definition and resulting status.",
			},
			[]string{"definition", "status"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "resumable_workflow",
				Name:      "tokens_total",
				Help:      "Number of tokens leaving processing by definition and outcome.",
			},
			[]string{"definition", "outcome"},
		),
		signalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "resumable_workflow",
				Name:      "signals_total",
				Help:      "Number of control signals dispatched by kind.",
			},
			[]string{"kind"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "resumable_workflow",
				Name:      "task_duration_seconds",
				Help:      "Task invocation latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"task"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "resumable_workflow",
				Name:      "active_runs",
				Help:      "Number of runs currently being processed.",
			},
		),
	}
	if registerer == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.runsTotal, m.tokensTotal, m.signalsTotal, m.taskDuration, m.activeRuns} {
		if err := registerer.Register(c); err != nil {
			return nil, errors.WithMessage(err, "register workflow metrics failed")
		}
	}
	return m, nil
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) runFinished(definition string, status RunStatus) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(definition, status).Inc()
}

func (m *Metrics) tokenLeft(definition string, outcome string) {
	if m == nil {
		return
	}
	m.tokensTotal.WithLabelValues(definition, outcome).Inc()
}

func (m *Metrics) signalDispatched(kind SignalKind) {
	if m == nil {
		return
	}
	m.signalsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) taskInvoked(task string, cost time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(task).Observe(cost.Seconds())
}
