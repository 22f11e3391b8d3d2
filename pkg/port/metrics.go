package port

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/nobletooth/grove/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMetricsHandler serves the cache metrics of `store` next to the process wide metrics of the default registry
// (runtime, process and invariant counters).
func NewMetricsHandler(store *cache.Store) (http.Handler, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(cache.NewCollector(store)); err != nil {
		return nil, errors.Wrap(err, "failed to register cache collector")
	}
	gatherers := prometheus.Gatherers{registry, prometheus.DefaultGatherer}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError}), nil
}
