// Package metrics exports scheduler activity as Prometheus metrics.
package metrics

import (
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/scheduler"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flowmeter"

type Collector struct {
	cycles    *prometheus.CounterVec
	records   *prometheus.CounterVec
	registers *prometheus.GaugeVec
	failed    prometheus.Gauge
	lastCycle prometheus.Gauge
}

// New registers the collectors on reg. pending reports the queue size
// at scrape time.
func New(reg prometheus.Registerer, pending func() float64) *Collector {
	c := &Collector{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Read cycles by result.",
		}, []string{"result"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Record outcomes, including retries.",
		}, []string{"outcome"}),
		registers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "register_value",
			Help:      "Last decoded numeric register value.",
		}, []string{"register"}),
		failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registers_failed",
			Help:      "Registers absent in the last snapshot.",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time of the last successful read cycle.",
		}),
	}
	reg.MustRegister(c.cycles, c.records, c.registers, c.failed, c.lastCycle)
	if pending != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_records",
			Help:      "Records waiting for a retry.",
		}, pending))
	}
	return c
}

// Observe is a scheduler subscriber.
func (c *Collector) Observe(ev scheduler.Event) {
	switch ev.Kind {
	case scheduler.EventCycleFinished:
		c.cycles.WithLabelValues("ok").Inc()
		c.lastCycle.Set(float64(ev.Time.Unix()))
		if ev.Snapshot == nil {
			return
		}
		c.failed.Set(float64(ev.Snapshot.FailedCount()))
		for _, name := range ev.Snapshot.Names() {
			v, _ := ev.Snapshot.Get(name)
			if n, ok := v.Number(); ok {
				c.registers.WithLabelValues(name).Set(n)
			} else {
				c.registers.DeleteLabelValues(name)
			}
		}
	case scheduler.EventCycleFailed:
		c.cycles.WithLabelValues("failed").Inc()
	case scheduler.EventDelivered:
		c.records.WithLabelValues("delivered").Inc()
	case scheduler.EventQueued:
		c.records.WithLabelValues("queued").Inc()
	case scheduler.EventFormatFailed:
		c.records.WithLabelValues("format_failed").Inc()
	case scheduler.EventRetryFailed:
		c.records.WithLabelValues("retry_failed").Inc()
	case scheduler.EventExpired:
		c.records.WithLabelValues("expired").Inc()
	}
}
