package executive

import (
	"context"
	"time"

	"github.com/hsxvm/hsxd/internal/mailbox"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is cmd/hsxd's Prometheus surface: a handful of gauges reflecting
// scheduler/mailbox/event-bus load, grounded on sockstats' connection/byte
// gauge set (runZeroInc-sockstats, whose whole domain is exposing live
// counts of a bounded resource pool over /metrics) generalized from socket
// counts to task/descriptor/subscription counts.
type Metrics struct {
	TasksRunning      prometheus.Gauge
	DescriptorsActive prometheus.Gauge
	DescriptorsFree   prometheus.Gauge
	MailboxBytesUsed  prometheus.Gauge
	MailboxOverruns   prometheus.Gauge
	SubscriptionsLive prometheus.Gauge
}

// NewMetrics constructs and registers every gauge against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hsx", Subsystem: "scheduler", Name: "tasks",
			Help: "Number of tasks currently known to the scheduler, any state.",
		}),
		DescriptorsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hsx", Subsystem: "mailbox", Name: "descriptors_active",
			Help: "Number of bound mailbox descriptors.",
		}),
		DescriptorsFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hsx", Subsystem: "mailbox", Name: "descriptors_free",
			Help: "Remaining capacity in the mailbox descriptor pool.",
		}),
		MailboxBytesUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hsx", Subsystem: "mailbox", Name: "bytes_used",
			Help: "Total bytes currently accounted across all mailbox queues.",
		}),
		MailboxOverruns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hsx", Subsystem: "mailbox", Name: "overrun_total",
			Help: "Cumulative fanout-drop overrun count across all descriptors.",
		}),
		SubscriptionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hsx", Subsystem: "events", Name: "subscriptions",
			Help: "Number of live event-bus subscriptions.",
		}),
	}
	reg.MustRegister(m.TasksRunning, m.DescriptorsActive, m.DescriptorsFree,
		m.MailboxBytesUsed, m.MailboxOverruns, m.SubscriptionsLive)
	return m
}

// Poll updates every gauge from current scheduler/mailbox/bus state. It's a
// plain read of already-exported snapshot accessors (Scheduler.List,
// Mailbox.Stats, EventBus.SubscriptionCount) rather than instrumentation
// threaded through their hot paths, matching spec.md §5's "no realtime
// deadlines" posture — metrics are a periodic sample, not a per-instruction
// cost.
func (m *Metrics) Poll(sched *Scheduler, mb *mailbox.Manager, bus *EventBus) {
	m.TasksRunning.Set(float64(len(sched.List())))
	stats := mb.Stats()
	m.DescriptorsActive.Set(float64(stats.ActiveDescriptors))
	m.DescriptorsFree.Set(float64(stats.FreeDescriptors))
	m.MailboxBytesUsed.Set(float64(stats.TotalBytesUsed))
	m.MailboxOverruns.Set(float64(stats.OverrunCount))
	m.SubscriptionsLive.Set(float64(bus.SubscriptionCount()))
}

// Run polls on the given interval until ctx is cancelled (cmd/hsxd wires
// this as one of the errgroup-supervised goroutines).
func (m *Metrics) Run(ctx context.Context, sched *Scheduler, mb *mailbox.Manager, bus *EventBus, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Poll(sched, mb, bus)
		}
	}
}
