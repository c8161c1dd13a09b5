package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the identity pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	RateLimitDecisions *prometheus.CounterVec
	RateLimitStoreErrs prometheus.Counter
	OTPIssued          prometheus.Counter
	OTPVerifications   *prometheus.CounterVec
	Logins             *prometheus.CounterVec
	Signups            *prometheus.CounterVec
	SignupRollbacks    *prometheus.CounterVec
	GeofenceDistance   prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RateLimitDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "localboard_ratelimit_decisions_total",
			Help: "Rate limit decisions by budget and outcome",
		}, []string{"budget", "outcome"}),
		RateLimitStoreErrs: f.NewCounter(prometheus.CounterOpts{
			Name: "localboard_ratelimit_store_errors_total",
			Help: "Rate limit counter store failures",
		}),
		OTPIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "localboard_otp_issued_total",
			Help: "One-time codes issued",
		}),
		OTPVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "localboard_otp_verifications_total",
			Help: "One-time code verification attempts by outcome",
		}, []string{"outcome"}),
		Logins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "localboard_logins_total",
			Help: "PIN login attempts by outcome",
		}, []string{"outcome"}),
		Signups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "localboard_signups_total",
			Help: "Signup completions by outcome",
		}, []string{"outcome"}),
		SignupRollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "localboard_signup_rollbacks_total",
			Help: "Compensating actions taken after a failed selfie upload",
		}, []string{"kind"}),
		GeofenceDistance: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "localboard_geofence_distance_feet",
			Help:    "Distance between claimed address and live GPS reading",
			Buckets: []float64{25, 50, 100, 250, 528, 1000, 5280, 26400},
		}),
	}
}

func (m *Metrics) RateLimitDecision(budget string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "limited"
	}
	m.RateLimitDecisions.WithLabelValues(budget, outcome).Inc()
}

func (m *Metrics) RateLimitStoreError() {
	if m == nil {
		return
	}
	m.RateLimitStoreErrs.Inc()
}

func (m *Metrics) IncOTPIssued() {
	if m == nil {
		return
	}
	m.OTPIssued.Inc()
}

func (m *Metrics) OTPVerification(outcome string) {
	if m == nil {
		return
	}
	m.OTPVerifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Login(outcome string) {
	if m == nil {
		return
	}
	m.Logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Signup(outcome string) {
	if m == nil {
		return
	}
	m.Signups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SignupRollback(kind string) {
	if m == nil {
		return
	}
	m.SignupRollbacks.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveGeofenceFeet(feet float64) {
	if m == nil {
		return
	}
	m.GeofenceDistance.Observe(feet)
}
