package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duraloop/duraloop/pkg/models"
)

// MetricsHandler serves the process-wide Prometheus registry, mounted
// on the metrics listener in cmd/duraloopd.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ProcessMetricsAdapter satisfies process.MetricsSink without the
// process package importing observability, mirroring the registry's
// existing CompletionDispatcher/GatewaySender narrow-interface pattern.
type ProcessMetricsAdapter struct {
	Metrics *Metrics
}

func (a ProcessMetricsAdapter) RecordSpawn(interactive bool) {
	label := "false"
	if interactive {
		label = "true"
	}
	a.Metrics.ProcessSpawned.WithLabelValues(label).Inc()
	a.Metrics.ProcessActive.Inc()
}

func (a ProcessMetricsAdapter) RecordCompletion(status models.ProcessStatus) {
	a.Metrics.ProcessCompletions.WithLabelValues(string(status)).Inc()
	a.Metrics.ProcessActive.Dec()
}
