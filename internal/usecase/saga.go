package usecase

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"remote-signing-service/internal/telemetry"
)

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// saga は複数の外部システムにまたがる処理の補償アクションを保持する。
// 補償は登録と逆順に実行し、補償自体の失敗はログに残すだけで元のエラーを優先する。
type saga struct {
	name          string
	compensations []compensation
}

func newSaga(name string) *saga {
	return &saga{name: name}
}

// addCompensation は直前のステップを取り消す補償アクションを登録する。
func (s *saga) addCompensation(name string, fn func(ctx context.Context) error) {
	s.compensations = append(s.compensations, compensation{name: name, fn: fn})
}

// compensate は登録済みの補償アクションを逆順に実行する。
// リクエストのcontextがキャンセル済みでも補償は実行する。
func (s *saga) compensate(ctx context.Context, cause error) {
	ctx = context.WithoutCancel(ctx)
	m := telemetry.GetMetrics()

	for i := len(s.compensations) - 1; i >= 0; i-- {
		c := s.compensations[i]
		attrs := metric.WithAttributes(attribute.String("saga", s.name), attribute.String("step", c.name))
		m.CompensationsExecuted.Add(ctx, 1, attrs)

		if err := c.fn(ctx); err != nil {
			m.CompensationFailures.Add(ctx, 1, attrs)
			slog.ErrorContext(ctx, "compensating action failed",
				"saga", s.name,
				"step", c.name,
				"cause", cause,
				"error", err,
			)
			continue
		}
		slog.InfoContext(ctx, "compensating action executed",
			"saga", s.name,
			"step", c.name,
			"cause", cause,
		)
	}
	s.compensations = nil
}
