package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"remote-signing-service/internal/domain"
)

// 同時に補充するプール数の上限
const replenishConcurrency = 4

// PoolKeyService は補充処理が使う鍵サービスのインターフェース。
type PoolKeyService interface {
	Usage() domain.KeyUsage
	GetNumberOfUsableKeys(ctx context.Context, partitionID int, algorithm string) (int, error)
	GetNumberOfKeys(ctx context.Context, partitionID int, algorithm string) (int, error)
	GenerateKey(ctx context.Context, partition domain.CryptoPartition, alias, algorithm, spec string) (*domain.SigningKey, error)
}

// ReplenishResult はひとつのプールの補充結果を表す。
type ReplenishResult struct {
	Partition    string
	Algorithm    string
	Usage        domain.KeyUsage
	UsableBefore int
	Requested    int
	Generated    int
	Err          error
}

// PoolStatus はプールの現在の状態を表す。
type PoolStatus struct {
	Partition   string
	PartitionID int
	Algorithm   string
	Usage       domain.KeyUsage
	Desired     int
	Usable      int
	Total       int
}

// PoolReplenisher は各プールを希望サイズまで補充する。
type PoolReplenisher struct {
	partitions domain.Partitions
	services   map[domain.KeyUsage]PoolKeyService
	newAlias   func(prefix string) string
}

// NewPoolReplenisher は新しいPoolReplenisherを生成する。
func NewPoolReplenisher(partitions domain.Partitions, services ...PoolKeyService) *PoolReplenisher {
	byUsage := make(map[domain.KeyUsage]PoolKeyService, len(services))
	for _, svc := range services {
		byUsage[svc.Usage()] = svc
	}
	return &PoolReplenisher{
		partitions: partitions,
		services:   byUsage,
		newAlias:   NewKeyAlias,
	}
}

// Replenish は全プールを補充する。プールごとに独立して実行し、あるプールの失敗は他に影響しない。
func (r *PoolReplenisher) Replenish(ctx context.Context) []ReplenishResult {
	var (
		mu      sync.Mutex
		results []ReplenishResult
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(replenishConcurrency)

	for _, partition := range r.partitions {
		for _, profile := range partition.Profiles {
			g.Go(func() error {
				res := r.replenishPool(ctx, partition, profile)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				// 失敗を返すと他プールのcontextがキャンセルされるため常にnil
				return nil
			})
		}
	}
	_ = g.Wait()

	return results
}

func (r *PoolReplenisher) replenishPool(ctx context.Context, partition domain.CryptoPartition, profile domain.KeyPoolProfile) ReplenishResult {
	res := ReplenishResult{
		Partition: partition.Name,
		Algorithm: profile.Algorithm,
		Usage:     profile.Usage,
	}

	svc, ok := r.services[profile.Usage]
	if !ok {
		res.Err = fmt.Errorf("no key service for usage %s", profile.Usage)
		return res
	}

	usable, err := svc.GetNumberOfUsableKeys(ctx, partition.ID, profile.Algorithm)
	if err != nil {
		res.Err = fmt.Errorf("reading pool size: %w", err)
		slog.ErrorContext(ctx, "failed to read pool size",
			"operation", "replenish",
			"partition", partition.Name,
			"algorithm", profile.Algorithm,
			"error", err,
		)
		return res
	}
	res.UsableBefore = usable

	res.Requested = keysToGenerate(profile, usable)
	for i := 0; i < res.Requested; i++ {
		if _, err := svc.GenerateKey(ctx, partition, r.newAlias(profile.KeyAliasPrefix), profile.Algorithm, profile.KeySpec); err != nil {
			res.Err = fmt.Errorf("generated %d of %d keys: %w", res.Generated, res.Requested, err)
			slog.ErrorContext(ctx, "failed to replenish key pool",
				"operation", "replenish",
				"partition", partition.Name,
				"algorithm", profile.Algorithm,
				"usage", profile.Usage,
				"generated", res.Generated,
				"requested", res.Requested,
				"error", err,
			)
			return res
		}
		res.Generated++
	}

	if res.Generated > 0 {
		slog.InfoContext(ctx, "key pool replenished",
			"operation", "replenish",
			"partition", partition.Name,
			"algorithm", profile.Algorithm,
			"usage", profile.Usage,
			"generated", res.Generated,
		)
	}
	return res
}

// keysToGenerate は不足数を1回あたりの生成上限で切り詰めて返す。
func keysToGenerate(profile domain.KeyPoolProfile, usable int) int {
	shortfall := profile.DesiredPoolSize - usable
	if shortfall <= 0 {
		return 0
	}
	if limit := profile.MaxKeysGeneratedPerReplenish; limit > 0 && shortfall > limit {
		return limit
	}
	return shortfall
}

// Status は全プールの現在の鍵数を返す。
func (r *PoolReplenisher) Status(ctx context.Context) ([]PoolStatus, error) {
	var statuses []PoolStatus
	for _, partition := range r.partitions {
		for _, profile := range partition.Profiles {
			svc, ok := r.services[profile.Usage]
			if !ok {
				continue
			}
			usable, err := svc.GetNumberOfUsableKeys(ctx, partition.ID, profile.Algorithm)
			if err != nil {
				return nil, fmt.Errorf("reading pool status of %s: %w", partition.Name, err)
			}
			total, err := svc.GetNumberOfKeys(ctx, partition.ID, profile.Algorithm)
			if err != nil {
				return nil, fmt.Errorf("reading pool status of %s: %w", partition.Name, err)
			}
			statuses = append(statuses, PoolStatus{
				Partition:   partition.Name,
				PartitionID: partition.ID,
				Algorithm:   profile.Algorithm,
				Usage:       profile.Usage,
				Desired:     profile.DesiredPoolSize,
				Usable:      usable,
				Total:       total,
			})
		}
	}
	return statuses, nil
}
