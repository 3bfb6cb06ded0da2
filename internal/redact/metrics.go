package redact

import "github.com/prometheus/client_golang/prometheus"

// redactions counts masked values by entity type. The label set is the
// closed EntityType enumeration.
var redactions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentfeed_redactions_total",
		Help: "Sensitive values masked by the redactor, by entity type.",
	},
	[]string{"entity"},
)

func init() {
	prometheus.MustRegister(redactions)
}

func recordSpans(spans []Span) {
	for _, s := range spans {
		redactions.WithLabelValues(string(s.EntityType)).Inc()
	}
}
