// Package metrics holds Prometheus instruments shared across the façade,
// validator, and rotator binaries. All collectors are registered with the
// global registry, so importing this package and mounting promhttp.Handler
// on /metrics is enough to expose them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	AuthSuccessTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authenticator_success_total",
			Help: "Cumulative successful vendor authentications.",
		}, []string{"client_id"})

	AuthFailureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authenticator_failure_total",
			Help: "Cumulative failed vendor authentications.",
		}, []string{"reason"})

	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "authenticator_rate_limited_total",
			Help: "Cumulative requests rejected before vault traffic by the per-client limiter.",
		})

	TokensMintedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "token_minted_total",
			Help: "Cumulative tokens minted by the token engine.",
		})

	TokensVerifiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_verified_total",
			Help: "Cumulative token verifications by outcome.",
		}, []string{"outcome"})

	TokensRenewedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "token_renewed_total",
			Help: "Cumulative renewal-on-use token reissues.",
		})

	CacheHitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_cache_hit_total",
			Help: "Cumulative token cache lookups by tier and result.",
		}, []string{"tier", "result"})

	CacheInvalidateTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "token_cache_invalidate_total",
			Help: "Cumulative invalidateByClient calls.",
		})

	VaultBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vault_breaker_state",
			Help: "Vault client circuit breaker state: 0=closed, 1=half-open, 2=open.",
		})

	VaultCallTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_call_total",
			Help: "Cumulative vault calls by operation and result.",
		}, []string{"op", "result"})

	RotationStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rotation_active_state",
			Help: "1 if a client currently has a non-terminal rotation in the given state.",
		}, []string{"state"})

	RotationTransitionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotation_transition_total",
			Help: "Cumulative rotation state transitions.",
		}, []string{"to_state"})
)

func init() {
	prometheus.MustRegister(
		AuthSuccessTotal,
		AuthFailureTotal,
		RateLimitedTotal,
		TokensMintedTotal,
		TokensVerifiedTotal,
		TokensRenewedTotal,
		CacheHitTotal,
		CacheInvalidateTotal,
		VaultBreakerState,
		VaultCallTotal,
		RotationStateGauge,
		RotationTransitionTotal,
	)
}
