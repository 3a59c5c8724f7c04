package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ScheduledTask は一定間隔で実行するバックグラウンド処理。
type ScheduledTask struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Scheduler は登録された処理を間隔ごとに実行する。
// 前回の実行が終わっていなくても次の実行を開始するため、各処理は重複実行に耐える必要がある。
type Scheduler struct {
	tasks []ScheduledTask
	wg    sync.WaitGroup
}

// NewScheduler は新しいSchedulerを生成する。間隔が0以下の処理は登録しない。
func NewScheduler(tasks ...ScheduledTask) *Scheduler {
	s := &Scheduler{}
	for _, t := range tasks {
		if t.Interval > 0 {
			s.tasks = append(s.tasks, t)
		}
	}
	return s
}

// Run はctxがキャンセルされるまで処理を実行し、実行中の処理の完了を待って戻る。
func (s *Scheduler) Run(ctx context.Context) {
	var loops sync.WaitGroup
	for _, t := range s.tasks {
		loops.Add(1)
		go func() {
			defer loops.Done()
			s.loop(ctx, t)
		}()
	}
	loops.Wait()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t ScheduledTask) {
	slog.InfoContext(ctx, "scheduled task started", "task", t.Name, "interval", t.Interval.String())

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				start := time.Now()
				t.Run(ctx)
				slog.DebugContext(ctx, "scheduled task finished", "task", t.Name, "duration", time.Since(start).String())
			}()
		}
	}
}
