// Package metrics observes the job engine and turns what it sees into
// counts, rates, latency distributions, queue depth and threshold alerts.
//
// A [Collector] is an ext extension: register it with the engine's
// extension registry and every queue and worker transition updates it.
// Queue depth is sampled from the job store by a [Sampler]. Nothing in
// this package ever changes job or queue state.
//
//	c := metrics.NewCollector()
//	c.AddRule(metrics.Rule{Name: "emails-backlog", Kind: metrics.DepthAbove, Queue: "emails", Threshold: 10000})
//	c.AddRule(metrics.Rule{Name: "failing", Kind: metrics.FailureRateAbove, Threshold: 0.25, MinSamples: 20})
//	registry.Register(c)
//	prometheus.MustRegister(c)
//
// Rates and the failure rate are computed over a rolling window of
// one-second buckets (five minutes by default).
package metrics
