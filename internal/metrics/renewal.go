package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/edvin/lazyacme/internal/model"
)

const namespace = "lazyacme"

var (
	renewalAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewal_attempts_total",
			Help:      "Issuance and renewal attempts by trigger, outcome and error kind.",
		},
		[]string{"trigger", "outcome", "kind"},
	)

	renewalDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "renewal_duration_seconds",
			Help:      "Wall clock time of executor invocations.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	renewalsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "renewals_in_flight",
		Help:      "Domains that currently hold a renewal lock.",
	})

	certificateExpiry = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "certificate_not_after_timestamp_seconds",
			Help:      "Expiry of the current certificate per domain.",
		},
		[]string{"domain"},
	)

	schedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_ticks_total",
		Help:      "Completed scheduler admission passes.",
	})

	schedulerDue = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduler_due_domains",
		Help:      "Domains found due on the last scheduler pass.",
	})
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// ObserveRenewal records the result of one executor invocation. kind is
// empty on success.
func ObserveRenewal(trigger, outcome string, kind model.ErrorKind, took time.Duration) {
	renewalAttempts.WithLabelValues(trigger, outcome, string(kind)).Inc()
	renewalDuration.WithLabelValues(outcome).Observe(took.Seconds())
}

func RenewalStarted()  { renewalsInFlight.Inc() }
func RenewalFinished() { renewalsInFlight.Dec() }

func SetCertificateExpiry(domain string, notAfter time.Time) {
	certificateExpiry.WithLabelValues(domain).Set(float64(notAfter.Unix()))
}

// ForgetDomain drops per-domain series of a domain removed from the config.
func ForgetDomain(domain string) {
	certificateExpiry.DeleteLabelValues(domain)
}

func ObserveTick(due int) {
	schedulerTicks.Inc()
	schedulerDue.Set(float64(due))
}
