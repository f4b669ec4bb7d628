/*
Package metrics exposes Prometheus instrumentation for one convergence
agent: tick duration, discovery duration per deployer, analyzer duration,
per-primitive action duration and outcome counts, dataset-change counts by
kind, and gauges reflecting the last discovered local state (application,
manifestation, and used-port counts).

# Usage

Timing a convergence tick:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ConvergenceTickDuration)

Timing one action-algebra primitive by name:

	timer := metrics.NewTimer()
	err := c.Run(ctx, deployerContext)
	timer.ObserveDurationVec(metrics.ActionDuration, c.Describe().Name)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.ActionsTotal.WithLabelValues(c.Describe().Name, outcome).Inc()

# Serving metrics

	http.Handle("/metrics", metrics.Handler())

# Local-state gauges

The Collector in this package republishes gauges from whatever NodeState
the convergence driver last discovered, via the StateProvider interface —
it does not discover anything itself.

# Process health

See health.go for the separate /health JSON endpoint and ComponentHealth
tracking, independent of the Prometheus registry.
*/
package metrics
