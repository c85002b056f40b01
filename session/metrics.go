package session

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/posthog/arrowquery/engine"
)

var queriesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arrowquery_queries_total",
	Help: "Total number of queries by outcome",
}, []string{"status"})

var queryDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "arrowquery_query_duration_seconds",
	Help:    "Query duration in seconds, including engine setup, table registration and encoding",
	Buckets: prometheus.DefBuckets,
})

var tablesRegisteredCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "arrowquery_tables_registered_total",
	Help: "Total number of tables added to sessions",
})

var decodeErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "arrowquery_decode_errors_total",
	Help: "Total number of table payloads rejected by the decoder",
})

var resultRowsHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "arrowquery_result_rows",
	Help:    "Number of rows returned per successful query",
	Buckets: prometheus.ExponentialBuckets(1, 4, 10),
})

// statusLabel maps a Query error to the status label of queriesCounter.
func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, engine.ErrRuntimeInit) {
		return "runtime_init"
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind.String()
	}
	return "error"
}
