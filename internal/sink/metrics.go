package sink

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"stakeflow/internal/model"
)

// Metrics 把状态事件导出为prometheus指标，直接在通知协程中执行
type Metrics struct {
	events  *prometheus.CounterVec
	staked  *prometheus.GaugeVec
	derived *prometheus.GaugeVec
	pending *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stakeflow",
			Name:      "status_events_total",
			Help:      "Status events published per chain and kind.",
		}, []string{"chain", "event"}),
		staked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stakeflow",
			Name:      "position_staked_amount",
			Help:      "Staked principal of the connected wallet in native units.",
		}, []string{"chain"}),
		derived: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stakeflow",
			Name:      "position_derived_balance",
			Help:      "Receipt token balance of the connected wallet.",
		}, []string{"chain"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stakeflow",
			Name:      "position_pending",
			Help:      "1 while an operation is in flight.",
		}, []string{"chain"}),
	}
	for _, c := range []prometheus.Collector{m.events, m.staked, m.derived, m.pending} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Name() string { return "metrics" }

func (m *Metrics) Handle(_ context.Context, ev model.StatusEvent) error {
	m.Observe(ev)
	return nil
}

func (m *Metrics) Observe(ev model.StatusEvent) {
	chain := string(ev.ChainID)
	m.events.WithLabelValues(chain, string(ev.Event)).Inc()
	if ev.Position == nil {
		return
	}
	m.staked.WithLabelValues(chain).Set(ev.Position.StakedAmount.InexactFloat64())
	m.derived.WithLabelValues(chain).Set(ev.Position.DerivedBalance.InexactFloat64())
	pending := 0.0
	if !ev.Position.Idle() {
		pending = 1
	}
	m.pending.WithLabelValues(chain).Set(pending)
}
