// Registers:
//
//	#priceflow_records_validated_total
//	#priceflow_records_rejected_total
//	#priceflow_write_outcomes_total
//	#priceflow_aggregations_total
//	#priceflow_late_contributions_total
//	#priceflow_reconnect_attempts_total
//	#priceflow_window_input_drops_total
//	#go_* and process_* system metrics
//
// Exposes them on the configured address using the Prometheus HTTP handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once              sync.Once
	recordsValidated  *prometheus.CounterVec
	recordsRejected   *prometheus.CounterVec
	writeOutcomes     *prometheus.CounterVec
	aggregations      *prometheus.CounterVec
	lateContributions *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	windowInputDrops  *prometheus.CounterVec
)

func Init(addr string) {
	once.Do(func() {
		recordsValidated = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "priceflow_records_validated_total",
				Help: "Number of records that passed validation",
			},
			[]string{"exchange"},
		)

		recordsRejected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "priceflow_records_rejected_total",
				Help: "Number of records rejected by the validator",
			},
			[]string{"exchange", "reason"},
		)

		writeOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "priceflow_write_outcomes_total",
				Help: "Deduplicating writer outcomes",
			},
			[]string{"outcome"},
		)

		aggregations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "priceflow_aggregations_total",
				Help: "Aggregation results by outcome",
			},
			[]string{"outcome"},
		)

		lateContributions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "priceflow_late_contributions_total",
				Help: "Contributions that arrived after their bucket was emitted",
			},
			[]string{"symbol"},
		)

		reconnectAttempts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "priceflow_reconnect_attempts_total",
				Help: "Stream reconnect attempts per adapter",
			},
			[]string{"adapter"},
		)

		windowInputDrops = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "priceflow_window_input_drops_total",
				Help: "Validated records dropped at the aggregation window input",
			},
			[]string{"exchange"},
		)

		_ = prometheus.Register(recordsValidated)
		_ = prometheus.Register(recordsRejected)
		_ = prometheus.Register(writeOutcomes)
		_ = prometheus.Register(aggregations)
		_ = prometheus.Register(lateContributions)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		_ = prometheus.Register(reconnectAttempts)
		_ = prometheus.Register(windowInputDrops)

		if addr == "" {
			addr = "0.0.0.0:2112"
		}
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, nil); err != nil {
				panic("metrics server failed: " + err.Error())
			}
		}()
	})
}

// IncrementValidated increases the validation success counter for an exchange.
func IncrementValidated(exchange string) {
	if recordsValidated != nil {
		recordsValidated.WithLabelValues(exchange).Inc()
	}
}

// IncrementRejected increases the rejection counter for an exchange and reason.
func IncrementRejected(exchange, reason string) {
	if recordsRejected != nil {
		recordsRejected.WithLabelValues(exchange, reason).Inc()
	}
}

// IncrementWriteOutcome counts one deduplicating-writer outcome.
func IncrementWriteOutcome(outcome string) {
	if writeOutcomes != nil {
		writeOutcomes.WithLabelValues(outcome).Inc()
	}
}

// IncrementAggregation counts one aggregation result (emitted or a rejection reason).
func IncrementAggregation(outcome string) {
	if aggregations != nil {
		aggregations.WithLabelValues(outcome).Inc()
	}
}

// IncrementLateContribution counts a contribution arriving for an already-emitted bucket.
func IncrementLateContribution(symbol string) {
	if lateContributions != nil {
		lateContributions.WithLabelValues(symbol).Inc()
	}
}

// IncrementReconnectAttempt counts one reconnect attempt for a streaming adapter.
func IncrementReconnectAttempt(adapter string) {
	if reconnectAttempts != nil {
		reconnectAttempts.WithLabelValues(adapter).Inc()
	}
}

// IncrementWindowInputDrop counts a validated record the aggregation window
// could not accept.
func IncrementWindowInputDrop(exchange string) {
	if windowInputDrops != nil {
		windowInputDrops.WithLabelValues(exchange).Inc()
	}
}
