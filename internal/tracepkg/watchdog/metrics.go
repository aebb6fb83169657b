package watchdog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics mirrors the resource/probe counts LogResources and LogProbes
// already write to the log, as gauges a `--metrics-address` HTTP server can
// scrape (spec.md §4.3 "log_resources", SPEC_FULL.md AMBIENT STACK
// "Metrics").
type metrics struct {
	registry  *prometheus.Registry
	processes prometheus.Gauge
	modules   prometheus.Gauge
	funcs     prometheus.Gauge
	usdt      prometheus.Gauge
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	return &metrics{
		registry: reg,
		processes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "perun_trace_resource_processes",
			Help: "Processes observed in the current collection's resource footprint.",
		}),
		modules: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "perun_trace_resource_kernel_modules",
			Help: "Kernel modules observed in the current collection's resource footprint.",
		}),
		funcs: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "perun_trace_probes_func",
			Help: "Function probes resolved for the current collection.",
		}),
		usdt: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "perun_trace_probes_usdt",
			Help: "USDT probes resolved for the current collection.",
		}),
	}
}

// Registry exposes the Watchdog's metric registry for an HTTP handler
// (promhttp.HandlerFor) to serve; nil if the Watchdog was built without one.
func (w *Watchdog) Registry() *prometheus.Registry {
	if w.metrics == nil {
		return nil
	}
	return w.metrics.registry
}
