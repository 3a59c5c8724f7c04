package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"remote-signing-service/internal/domain"
	"remote-signing-service/internal/telemetry"
)

// 生成した鍵の確保を他リクエストに奪われた場合の再試行回数
const maxAcquireAttempts = 3

// KeyRepository は鍵プールのデータアクセスのインターフェース。
type KeyRepository interface {
	Create(ctx context.Context, key *domain.SigningKey) error
	FindByID(ctx context.Context, id string) (*domain.SigningKey, error)
	FindFirstUsable(ctx context.Context, usage domain.KeyUsage, partitionID int, algorithm string) (*domain.SigningKey, error)
	ClaimKey(ctx context.Context, id string, at time.Time) (bool, error)
	CountUsable(ctx context.Context, usage domain.KeyUsage, partitionID int, algorithm string) (int64, error)
	CountAll(ctx context.Context, usage domain.KeyUsage, partitionID int, algorithm string) (int64, error)
	FindInUseAcquiredBefore(ctx context.Context, usage domain.KeyUsage, before time.Time, limit int) ([]*domain.SigningKey, error)
	ExistsByAlias(ctx context.Context, alias string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// KeyService は用途ごとの鍵プールに対する生成・確保・削除を提供する。
type KeyService struct {
	usage      domain.KeyUsage
	repo       KeyRepository
	tx         Transactor
	hsm        HSMClient
	locks      *LockRegistry
	partitions domain.Partitions
	now        func() time.Time
}

// NewKeyService は新しいKeyServiceを生成する。
// ロックレジストリは同じパーティションを扱う全KeyServiceで共有する。
func NewKeyService(usage domain.KeyUsage, repo KeyRepository, tx Transactor, hsm HSMClient, locks *LockRegistry, partitions domain.Partitions) *KeyService {
	return &KeyService{
		usage:      usage,
		repo:       repo,
		tx:         tx,
		hsm:        hsm,
		locks:      locks,
		partitions: partitions,
		now:        time.Now,
	}
}

// Usage はこのサービスが扱う鍵の用途を返す。
func (s *KeyService) Usage() domain.KeyUsage {
	return s.usage
}

// NewKeyAlias はプレフィックスにランダムな接尾辞を付けた鍵エイリアスを生成する。
func NewKeyAlias(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// AcquireKey はパーティションとアルゴリズムに一致する未使用の鍵を確保する。
// 未使用の鍵がない場合は新しい鍵を生成して確保する。
// 「既存を使うか生成するか」の判定のみパーティション単位で直列化し、HSMでの生成はロック外で行う。
func (s *KeyService) AcquireKey(ctx context.Context, partitionID int, algorithm string) (*domain.SigningKey, error) {
	partition, ok := s.partitions.Find(partitionID)
	if !ok {
		return nil, fmt.Errorf("acquiring key: %w: %d", domain.ErrPartitionNotFound, partitionID)
	}
	m := telemetry.GetMetrics()

	for attempt := 1; attempt <= maxAcquireAttempts; attempt++ {
		key, findErr := s.acquireExisting(ctx, partition.ID, algorithm)
		if findErr == nil {
			m.KeysAcquired.Add(ctx, 1, s.metricAttrs(partition, attribute.String("source", "pool")))
			return key, nil
		}

		key, genErr := s.generateForPool(ctx, partition, algorithm)
		if genErr != nil {
			return nil, fmt.Errorf("acquiring key in partition %s: %w", partition.Name, errors.Join(findErr, genErr))
		}

		claimed, err := s.claimGenerated(ctx, partition.ID, key)
		if err != nil {
			return nil, fmt.Errorf("claiming generated key %s: %w", key.Alias, err)
		}
		if claimed {
			m.KeysAcquired.Add(ctx, 1, s.metricAttrs(partition, attribute.String("source", "generated")))
			return key, nil
		}

		// 生成直後の鍵を別リクエストが確保した。その鍵は相手の所有になるので判定からやり直す
		slog.WarnContext(ctx, "generated key was claimed by another request",
			"operation", "acquire_key",
			"partition", partition.Name,
			"alias", key.Alias,
			"attempt", attempt,
		)
	}

	return nil, fmt.Errorf("acquiring key in partition %s: %w", partition.Name, domain.ErrKeyAlreadyClaimed)
}

// acquireExisting はロックとトランザクションの中で未使用の鍵を探して確保する。
func (s *KeyService) acquireExisting(ctx context.Context, partitionID int, algorithm string) (*domain.SigningKey, error) {
	var acquired *domain.SigningKey
	err := s.locks.WithLock(partitionLockKey(partitionID), func() error {
		return s.tx.Transaction(ctx, func(ctx context.Context) error {
			key, err := s.repo.FindFirstUsable(ctx, s.usage, partitionID, algorithm)
			if err != nil {
				return fmt.Errorf("finding usable key: %w", err)
			}
			if key == nil {
				return domain.ErrNoUsableKey
			}

			now := s.now()
			claimed, err := s.repo.ClaimKey(ctx, key.ID, now)
			if err != nil {
				return fmt.Errorf("claiming key %s: %w", key.Alias, err)
			}
			if !claimed {
				return domain.ErrKeyAlreadyClaimed
			}

			key.InUse = true
			key.AcquiredAt = &now
			acquired = key
			return nil
		})
	})
	return acquired, err
}

// generateForPool はプール方針に従って新しい鍵を生成する。
func (s *KeyService) generateForPool(ctx context.Context, partition domain.CryptoPartition, algorithm string) (*domain.SigningKey, error) {
	profile, ok := partition.Profile(s.usage, algorithm)
	if !ok {
		return nil, fmt.Errorf("%w: partition=%s usage=%s algorithm=%s", domain.ErrPoolProfileNotFound, partition.Name, s.usage, algorithm)
	}
	return s.GenerateKey(ctx, partition, NewKeyAlias(profile.KeyAliasPrefix), profile.Algorithm, profile.KeySpec)
}

// claimGenerated は生成した鍵を短いトランザクションで使用中にする。
func (s *KeyService) claimGenerated(ctx context.Context, partitionID int, key *domain.SigningKey) (bool, error) {
	var claimed bool
	err := s.locks.WithLock(partitionLockKey(partitionID), func() error {
		return s.tx.Transaction(ctx, func(ctx context.Context) error {
			now := s.now()
			ok, err := s.repo.ClaimKey(ctx, key.ID, now)
			if err != nil {
				return err
			}
			if ok {
				key.InUse = true
				key.AcquiredAt = &now
			}
			claimed = ok
			return nil
		})
	})
	return claimed, err
}

// GenerateKey はHSMで鍵を生成し、未使用の鍵として保存する。
// 保存に失敗した場合はHSM上の鍵を削除して孤立を防ぐ（削除失敗はログのみ）。
func (s *KeyService) GenerateKey(ctx context.Context, partition domain.CryptoPartition, alias, algorithm, spec string) (*domain.SigningKey, error) {
	m := telemetry.GetMetrics()

	remoteAlias, err := s.hsm.GenerateKey(ctx, partition, alias, algorithm, spec)
	if err != nil {
		m.KeyGenerationFailures.Add(ctx, 1, s.metricAttrs(partition))
		return nil, fmt.Errorf("generating key %s in partition %s: %w", alias, partition.Name, err)
	}

	key := &domain.SigningKey{
		PartitionID: partition.ID,
		Alias:       remoteAlias,
		Algorithm:   algorithm,
		KeySpec:     spec,
		Usage:       s.usage,
	}
	if err := s.repo.Create(ctx, key); err != nil {
		slog.ErrorContext(ctx, "generated key could not be saved, removing it from the HSM",
			"operation", "generate_key",
			"partition", partition.Name,
			"alias", remoteAlias,
			"error", err,
		)
		if rmErr := s.hsm.RemoveKey(context.WithoutCancel(ctx), partition, remoteAlias, true); rmErr != nil {
			slog.ErrorContext(ctx, "failed to remove orphaned key from the HSM",
				"operation", "generate_key",
				"partition", partition.Name,
				"alias", remoteAlias,
				"error", rmErr,
			)
		}
		return nil, fmt.Errorf("saving key %s: %w", remoteAlias, err)
	}

	m.KeysGenerated.Add(ctx, 1, s.metricAttrs(partition))
	return key, nil
}

// DeleteKey はHSMから鍵を削除（存在しない場合も成功）した後、レコードを削除する。
func (s *KeyService) DeleteKey(ctx context.Context, key *domain.SigningKey) error {
	partition, ok := s.partitions.Find(key.PartitionID)
	if !ok {
		return fmt.Errorf("deleting key %s: %w: %d", key.Alias, domain.ErrPartitionNotFound, key.PartitionID)
	}

	if err := s.hsm.RemoveKey(ctx, partition, key.Alias, true); err != nil {
		return fmt.Errorf("removing key %s from partition %s: %w", key.Alias, partition.Name, err)
	}
	if err := s.repo.Delete(ctx, key.ID); err != nil {
		return fmt.Errorf("deleting key record %s: %w", key.ID, err)
	}

	telemetry.GetMetrics().KeysDeleted.Add(ctx, 1, s.metricAttrs(partition))
	return nil
}

// DeleteKeyByID はIDで指定した鍵を削除する。レコードが既にない場合は何もしない。
func (s *KeyService) DeleteKeyByID(ctx context.Context, id string) error {
	key, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("finding key %s: %w", id, err)
	}
	if key == nil {
		return nil
	}
	return s.DeleteKey(ctx, key)
}

// GetKey はIDで指定した鍵を取得する。
func (s *KeyService) GetKey(ctx context.Context, id string) (*domain.SigningKey, error) {
	key, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding key %s: %w", id, err)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, id)
	}
	return key, nil
}

// GetNumberOfUsableKeys は未使用の鍵の数を返す。
func (s *KeyService) GetNumberOfUsableKeys(ctx context.Context, partitionID int, algorithm string) (int, error) {
	n, err := s.repo.CountUsable(ctx, s.usage, partitionID, algorithm)
	if err != nil {
		return 0, fmt.Errorf("counting usable keys: %w", err)
	}
	return int(n), nil
}

// GetNumberOfKeys は使用中を含む鍵の総数を返す。
func (s *KeyService) GetNumberOfKeys(ctx context.Context, partitionID int, algorithm string) (int, error) {
	n, err := s.repo.CountAll(ctx, s.usage, partitionID, algorithm)
	if err != nil {
		return 0, fmt.Errorf("counting keys: %w", err)
	}
	return int(n), nil
}

// CleanupStaleKeys は確保されたまま maxAge 以上経過した鍵を削除する。
// 非同期削除に失敗して残った使い捨て鍵の回収に使う。1件の失敗は他の鍵の削除を妨げない。
func (s *KeyService) CleanupStaleKeys(ctx context.Context, maxAge time.Duration, limit int) (deleted, failed int, err error) {
	keys, err := s.repo.FindInUseAcquiredBefore(ctx, s.usage, s.now().Add(-maxAge), limit)
	if err != nil {
		return 0, 0, fmt.Errorf("finding stale keys: %w", err)
	}

	for _, key := range keys {
		if err := s.DeleteKey(ctx, key); err != nil {
			failed++
			slog.ErrorContext(ctx, "failed to delete stale key",
				"operation", "cleanup_stale_keys",
				"alias", key.Alias,
				"error", err,
			)
			continue
		}
		deleted++
	}
	return deleted, failed, nil
}

// FindOrphanedKeys はHSM上にプールのエイリアスで存在するが、レコードのない鍵を返す。
func (s *KeyService) FindOrphanedKeys(ctx context.Context, partitionID int) ([]domain.KeyInfo, error) {
	partition, ok := s.partitions.Find(partitionID)
	if !ok {
		return nil, fmt.Errorf("finding orphaned keys: %w: %d", domain.ErrPartitionNotFound, partitionID)
	}

	seen := make(map[string]bool)
	var orphans []domain.KeyInfo
	for _, profile := range partition.Profiles {
		if profile.Usage != s.usage || seen[profile.KeyAliasPrefix] {
			continue
		}
		seen[profile.KeyAliasPrefix] = true

		remote, err := s.hsm.QueryKeys(ctx, partition, profile.KeyAliasPrefix+"-")
		if err != nil {
			return nil, fmt.Errorf("querying keys in partition %s: %w", partition.Name, err)
		}
		for _, info := range remote {
			exists, err := s.repo.ExistsByAlias(ctx, info.Alias)
			if err != nil {
				return nil, fmt.Errorf("checking key %s: %w", info.Alias, err)
			}
			if !exists {
				orphans = append(orphans, info)
			}
		}
	}
	return orphans, nil
}

func (s *KeyService) metricAttrs(partition domain.CryptoPartition, extra ...attribute.KeyValue) metric.MeasurementOption {
	attrs := append([]attribute.KeyValue{
		attribute.String("partition", partition.Name),
		attribute.String("usage", string(s.usage)),
	}, extra...)
	return metric.WithAttributes(attrs...)
}
