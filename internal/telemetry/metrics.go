// Package telemetry holds the OpenTelemetry metric instruments for the
// authorization subsystem. Counters here are how operators see degraded
// security controls, in particular revocation writes that did not take
// effect during logout.
package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/venuekit/venued"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Login metrics
	LoginSuccessTotal metric.Int64Counter
	LoginFailureTotal metric.Int64Counter
	LockoutsTotal     metric.Int64Counter
	RefreshTotal      metric.Int64Counter
	LogoutsTotal      metric.Int64Counter

	// Authorization cache metrics
	AuthzCacheHitsTotal   metric.Int64Counter
	AuthzCacheMissesTotal metric.Int64Counter
	AuthzCacheErrorsTotal metric.Int64Counter

	// Revocation metrics
	RevocationsTotal       metric.Int64Counter
	RevocationErrorsTotal  metric.Int64Counter
	RevocationDegradeTotal metric.Int64Counter

	// Token metrics
	TokensIssuedTotal   metric.Int64Counter
	TokensRejectedTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.LoginSuccessTotal, _ = meter.Int64Counter(
		"venued.login.success.total",
		metric.WithDescription("Total number of successful sub-user logins"),
		metric.WithUnit("{login}"),
	)
	m.LoginFailureTotal, _ = meter.Int64Counter(
		"venued.login.failure.total",
		metric.WithDescription("Total number of failed sub-user login attempts"),
		metric.WithUnit("{login}"),
	)
	m.LockoutsTotal, _ = meter.Int64Counter(
		"venued.login.lockouts.total",
		metric.WithDescription("Total number of account lockouts triggered"),
		metric.WithUnit("{lockout}"),
	)
	m.RefreshTotal, _ = meter.Int64Counter(
		"venued.tokens.refresh.total",
		metric.WithDescription("Total number of refresh token exchanges"),
		metric.WithUnit("{exchange}"),
	)
	m.LogoutsTotal, _ = meter.Int64Counter(
		"venued.login.logouts.total",
		metric.WithDescription("Total number of logouts"),
		metric.WithUnit("{logout}"),
	)

	m.AuthzCacheHitsTotal, _ = meter.Int64Counter(
		"venued.authz.cache.hits.total",
		metric.WithDescription("Total number of authorization cache hits"),
		metric.WithUnit("{hit}"),
	)
	m.AuthzCacheMissesTotal, _ = meter.Int64Counter(
		"venued.authz.cache.misses.total",
		metric.WithDescription("Total number of authorization cache misses"),
		metric.WithUnit("{miss}"),
	)
	m.AuthzCacheErrorsTotal, _ = meter.Int64Counter(
		"venued.authz.cache.errors.total",
		metric.WithDescription("Total number of absorbed authorization cache failures"),
		metric.WithUnit("{error}"),
	)

	m.RevocationsTotal, _ = meter.Int64Counter(
		"venued.revocation.total",
		metric.WithDescription("Total number of token revocations"),
		metric.WithUnit("{revocation}"),
	)
	m.RevocationErrorsTotal, _ = meter.Int64Counter(
		"venued.revocation.errors.total",
		metric.WithDescription("Total number of failed revocation writes"),
		metric.WithUnit("{error}"),
	)
	m.RevocationDegradeTotal, _ = meter.Int64Counter(
		"venued.revocation.degraded.total",
		metric.WithDescription("Total number of logouts completed with revocation not in effect"),
		metric.WithUnit("{logout}"),
	)

	m.TokensIssuedTotal, _ = meter.Int64Counter(
		"venued.tokens.issued.total",
		metric.WithDescription("Total number of tokens issued"),
		metric.WithUnit("{token}"),
	)
	m.TokensRejectedTotal, _ = meter.Int64Counter(
		"venued.tokens.rejected.total",
		metric.WithDescription("Total number of tokens rejected at verification"),
		metric.WithUnit("{token}"),
	)

	return m
}
