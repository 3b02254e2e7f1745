package referral

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	strategyDerived = "derived"
	strategyRandom  = "random"
)

var (
	codesGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_codes_generated_total",
			Help: "Unique referral codes handed out, by generation strategy",
		},
		[]string{"strategy"},
	)

	codeCollisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_code_collisions_total",
			Help: "Candidate referral codes rejected because they were taken",
		},
		[]string{"strategy"},
	)

	codeExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "referral_code_exhausted_total",
			Help: "Code generation runs that ran out of attempts",
		},
	)

	fraudSignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_fraud_signals_total",
			Help: "Positive fraud signals raised by the pattern detector",
		},
		[]string{"signal"},
	)

	detectorErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_detector_errors_total",
			Help: "Detector lookups or checks that failed and degraded to not detected",
		},
		[]string{"signal"},
	)

	patternChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_pattern_checks_total",
			Help: "Invitee pattern checks, by routing outcome",
		},
		[]string{"outcome"},
	)
)
