// Package telemetry はOpenTelemetryのメトリクス計装を提供する。
package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "remote-signing-service"

// Metrics はサービス全体で使うメトリクス計器を保持する。
type Metrics struct {
	// 鍵プール
	KeysGenerated         metric.Int64Counter
	KeyGenerationFailures metric.Int64Counter
	KeysAcquired          metric.Int64Counter
	KeysDeleted           metric.Int64Counter

	// セッション
	SessionsCreated        metric.Int64Counter
	SessionsCleaned        metric.Int64Counter
	SessionCleanupFailures metric.Int64Counter

	// サーガ補償
	CompensationsExecuted metric.Int64Counter
	CompensationFailures  metric.Int64Counter

	// 署名
	SignaturesCreated metric.Int64Counter
	SignatureFailures metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics はMetricsのシングルトンを返す。初回呼び出し時にグローバルMeterProviderから計器を生成する。
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	// 計器生成のエラーは名前が不正な場合のみで、その場合もnoop計器が返る
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}

	return &Metrics{
		KeysGenerated:         counter("signing.keys.generated.total", "Total number of keys generated in the HSM", "{key}"),
		KeyGenerationFailures: counter("signing.keys.generation.errors.total", "Total number of failed key generations", "{error}"),
		KeysAcquired:          counter("signing.keys.acquired.total", "Total number of keys acquired from pools", "{key}"),
		KeysDeleted:           counter("signing.keys.deleted.total", "Total number of pooled keys deleted", "{key}"),

		SessionsCreated:        counter("signing.sessions.created.total", "Total number of signing sessions created", "{session}"),
		SessionsCleaned:        counter("signing.sessions.cleaned.total", "Total number of expired sessions cleaned up", "{session}"),
		SessionCleanupFailures: counter("signing.sessions.cleanup.errors.total", "Total number of failed session cleanups", "{error}"),

		CompensationsExecuted: counter("signing.saga.compensations.total", "Total number of compensating actions executed", "{action}"),
		CompensationFailures:  counter("signing.saga.compensations.errors.total", "Total number of failed compensating actions", "{error}"),

		SignaturesCreated: counter("signing.signatures.created.total", "Total number of signatures created", "{signature}"),
		SignatureFailures: counter("signing.signatures.errors.total", "Total number of failed signature requests", "{error}"),
	}
}
