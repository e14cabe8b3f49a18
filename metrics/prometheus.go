package metrics

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "conveyor"

var (
	eventsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "job_events_total"),
		"Job lifecycle events by queue and event.",
		[]string{"queue", "event"}, nil,
	)
	durationDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "job_duration_seconds"),
		"Handler execution time by queue.",
		[]string{"queue"}, nil,
	)
	depthDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "queue_depth"),
		"Sampled job count by queue, status and priority.",
		[]string{"queue", "status", "priority"}, nil,
	)
	failureRateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "failure_rate"),
		"Failed attempts over finished attempts in the rolling window.",
		[]string{"queue"}, nil,
	)
	enqueueRateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "enqueue_rate"),
		"Enqueued jobs per second over the rolling window.",
		[]string{"queue"}, nil,
	)
	leaseRateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "lease_rate"),
		"Leased jobs per second over the rolling window.",
		[]string{"queue"}, nil,
	)
	schedulesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "schedules_fired_total"),
		"Schedule firings that enqueued a job.",
		nil, nil,
	)
	alertDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "alert_firing"),
		"1 while an alert rule is firing.",
		[]string{"rule", "kind"}, nil,
	)
)

var _ prometheus.Collector = (*Collector)(nil)

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- eventsDesc
	ch <- durationDesc
	ch <- depthDesc
	ch <- failureRateDesc
	ch <- enqueueRateDesc
	ch <- leaseRateDesc
	ch <- schedulesDesc
	ch <- alertDesc
}

// Collect implements prometheus.Collector. Values come from a snapshot so
// a scrape never blocks the hooks for long.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.Snapshot()

	names := make([]string, 0, len(snap.Queues))
	for name := range snap.Queues {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		q := snap.Queues[name]
		for event, v := range q.Counts.byEvent() {
			ch <- prometheus.MustNewConstMetric(eventsDesc, prometheus.CounterValue, float64(v), name, event)
		}
		ch <- prometheus.MustNewConstHistogram(durationDesc,
			uint64(q.Latency.Count), q.Latency.Sum.Seconds(), q.Latency.buckets, name)
		ch <- prometheus.MustNewConstMetric(failureRateDesc, prometheus.GaugeValue, q.FailureRate, name)
		ch <- prometheus.MustNewConstMetric(enqueueRateDesc, prometheus.GaugeValue, q.EnqueueRate, name)
		ch <- prometheus.MustNewConstMetric(leaseRateDesc, prometheus.GaugeValue, q.LeaseRate, name)
		for st, byPrio := range q.Depth {
			for p, n := range byPrio {
				ch <- prometheus.MustNewConstMetric(depthDesc, prometheus.GaugeValue, float64(n), name, string(st), p.String())
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(schedulesDesc, prometheus.CounterValue, float64(snap.SchedulesFired))
	for _, a := range snap.Alerts {
		ch <- prometheus.MustNewConstMetric(alertDesc, prometheus.GaugeValue, 1, a.Rule.Name, string(a.Rule.Kind))
	}
}

func (c Counts) byEvent() map[string]int64 {
	return map[string]int64{
		"enqueued":      c.Enqueued,
		"dropped":       c.Dropped,
		"leased":        c.Leased,
		"cancelled":     c.Cancelled,
		"reclaimed":     c.Reclaimed,
		"executed":      c.Executed,
		"succeeded":     c.Succeeded,
		"retried":       c.Retried,
		"dead_lettered": c.DeadLettered,
		"discarded":     c.Discarded,
	}
}
