package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 资源分配引擎业务指标
type AppMetrics struct {
	QueueJoinTotal    prometheus.Counter
	QueueLeaveTotal   prometheus.Counter
	QueueCallTotal    prometheus.Counter
	QueueExpiredTotal prometheus.Counter
	QueueLengthGauge  *prometheus.GaugeVec // labels: station

	SessionStartedTotal   prometheus.Counter
	SessionCompletedTotal prometheus.Counter
	SessionCancelledTotal prometheus.Counter
	SessionActiveGauge    prometheus.Gauge
	FeeTotal              prometheus.Counter // 累计结算金额（元）

	PileTransitionTotal *prometheus.CounterVec // labels: to
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg *prometheus.Registry) *AppMetrics {
	m := &AppMetrics{
		QueueJoinTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_join_total",
			Help: "Total queue join operations.",
		}),
		QueueLeaveTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_leave_total",
			Help: "Total queue leave operations.",
		}),
		QueueCallTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_call_total",
			Help: "Total queue entries called to a pile.",
		}),
		QueueExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_expired_total",
			Help: "Total called entries expired by the sweeper.",
		}),
		QueueLengthGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_length",
			Help: "Current queuing entries per station.",
		}, []string{"station"}),
		SessionStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_started_total",
			Help: "Total charging sessions started.",
		}),
		SessionCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_completed_total",
			Help: "Total charging sessions completed.",
		}),
		SessionCancelledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_cancelled_total",
			Help: "Total charging sessions cancelled.",
		}),
		SessionActiveGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_active_count",
			Help: "Current number of active charging sessions.",
		}),
		FeeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_fee_total_yuan",
			Help: "Cumulative settled fee in yuan.",
		}),
		PileTransitionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pile_transition_total",
			Help: "Pile status transitions by target status.",
		}, []string{"to"}),
	}
	reg.MustRegister(
		m.QueueJoinTotal, m.QueueLeaveTotal, m.QueueCallTotal, m.QueueExpiredTotal, m.QueueLengthGauge,
		m.SessionStartedTotal, m.SessionCompletedTotal, m.SessionCancelledTotal, m.SessionActiveGauge,
		m.FeeTotal, m.PileTransitionTotal,
	)
	return m
}
