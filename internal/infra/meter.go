package infra

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"remote-signing-service/config"
)

// メトリクスの送信間隔
const metricExportInterval = 30 * time.Second

// InitMeter はメータープロバイダーを初期化する。
// OTEL_ENABLED=false の場合は nil を返し、計器はnoopのままになる。
// telemetry.GetMetrics より先に呼ぶ必要がある。
func InitMeter(ctx context.Context, cfg *config.Config) (*sdkmetric.MeterProvider, error) {
	if !cfg.OtelEnabled {
		return nil, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OtelEndpoint)}
	if cfg.OtelInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(metricExportInterval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return mp, nil
}
