package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the consumer's counters, exported through a prometheus
// registry.
type Metrics struct {
	Received prometheus.Counter
	Printed  prometheus.Counter
	Filtered prometheus.Counter
	Lost     prometheus.Counter
	Polls    prometheus.Counter
}

// NewMetrics creates the counters and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syscalltrace",
			Name:      "events_received_total",
			Help:      "Records delivered by the ring buffer.",
		}),
		Printed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syscalltrace",
			Name:      "events_printed_total",
			Help:      "Records rendered to the output.",
		}),
		Filtered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syscalltrace",
			Name:      "events_filtered_total",
			Help:      "Records suppressed by the drop filter.",
		}),
		Lost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syscalltrace",
			Name:      "events_lost_total",
			Help:      "Records the producer could not publish because the ring buffer was full.",
		}),
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syscalltrace",
			Name:      "polls_total",
			Help:      "Ring buffer poll calls.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.Received, m.Printed, m.Filtered, m.Lost, m.Polls} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}
