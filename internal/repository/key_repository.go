package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"remote-signing-service/internal/domain"
)

// SigningKeyModel はgorm用のモデル定義。
type SigningKeyModel struct {
	ID          string     `gorm:"type:char(36);primaryKey"`
	PartitionID int        `gorm:"not null;index:idx_usable_keys,priority:2"`
	Alias       string     `gorm:"type:varchar(128);not null;uniqueIndex:uk_signing_keys_alias"`
	Algorithm   string     `gorm:"type:varchar(32);not null;index:idx_usable_keys,priority:3"`
	KeySpec     string     `gorm:"type:varchar(32);not null"`
	KeyUsage    string     `gorm:"type:varchar(16);not null;index:idx_usable_keys,priority:1"`
	InUse       bool       `gorm:"not null;default:false;index:idx_usable_keys,priority:4"`
	AcquiredAt  *time.Time
	CreatedAt   time.Time  `gorm:"not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (SigningKeyModel) TableName() string {
	return "signing_keys"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *SigningKeyModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *SigningKeyModel) toDomain() *domain.SigningKey {
	return &domain.SigningKey{
		ID:          m.ID,
		PartitionID: m.PartitionID,
		Alias:       m.Alias,
		Algorithm:   m.Algorithm,
		KeySpec:     m.KeySpec,
		Usage:       domain.KeyUsage(m.KeyUsage),
		InUse:       m.InUse,
		AcquiredAt:  m.AcquiredAt,
		CreatedAt:   m.CreatedAt,
	}
}

// KeyRepository は鍵プールのデータアクセスを提供する。
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// Create は新しい鍵を保存する。
func (r *KeyRepository) Create(ctx context.Context, key *domain.SigningKey) error {
	model := &SigningKeyModel{
		ID:          key.ID,
		PartitionID: key.PartitionID,
		Alias:       key.Alias,
		Algorithm:   key.Algorithm,
		KeySpec:     key.KeySpec,
		KeyUsage:    string(key.Usage),
		InUse:       key.InUse,
		AcquiredAt:  key.AcquiredAt,
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create signing key",
			"operation", "create",
			"partition_id", key.PartitionID,
			"alias", key.Alias,
			"error", err,
		)
		return err
	}
	key.ID = model.ID
	key.CreatedAt = model.CreatedAt
	return nil
}

// FindByID は指定されたIDの鍵を取得する。存在しない場合はnilを返す。
func (r *KeyRepository) FindByID(ctx context.Context, id string) (*domain.SigningKey, error) {
	var model SigningKeyModel
	err := conn(ctx, r.db).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find signing key",
			"operation", "find_by_id",
			"id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindFirstUsable は未使用の鍵のうち最も古いものを取得する。存在しない場合はnilを返す。
func (r *KeyRepository) FindFirstUsable(ctx context.Context, usage domain.KeyUsage, partitionID int, algorithm string) (*domain.SigningKey, error) {
	var model SigningKeyModel
	err := conn(ctx, r.db).
		Where("key_usage = ? AND partition_id = ? AND algorithm = ? AND in_use = ?", string(usage), partitionID, algorithm, false).
		Order("created_at ASC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find usable signing key",
			"operation", "find_first_usable",
			"partition_id", partitionID,
			"algorithm", algorithm,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// ClaimKey は未使用の鍵を使用中にする。既に使用中だった場合はfalseを返す。
func (r *KeyRepository) ClaimKey(ctx context.Context, id string, at time.Time) (bool, error) {
	result := conn(ctx, r.db).
		Model(&SigningKeyModel{}).
		Where("id = ? AND in_use = ?", id, false).
		Updates(map[string]any{"in_use": true, "acquired_at": at})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to claim signing key",
			"operation", "claim_key",
			"id", id,
			"error", result.Error,
		)
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// CountUsable は未使用の鍵の数を返す。
func (r *KeyRepository) CountUsable(ctx context.Context, usage domain.KeyUsage, partitionID int, algorithm string) (int64, error) {
	return r.count(ctx, "count_usable",
		conn(ctx, r.db).Where("key_usage = ? AND partition_id = ? AND algorithm = ? AND in_use = ?", string(usage), partitionID, algorithm, false))
}

// CountAll は使用中を含む鍵の総数を返す。
func (r *KeyRepository) CountAll(ctx context.Context, usage domain.KeyUsage, partitionID int, algorithm string) (int64, error) {
	return r.count(ctx, "count_all",
		conn(ctx, r.db).Where("key_usage = ? AND partition_id = ? AND algorithm = ?", string(usage), partitionID, algorithm))
}

func (r *KeyRepository) count(ctx context.Context, operation string, q *gorm.DB) (int64, error) {
	var count int64
	if err := q.Model(&SigningKeyModel{}).Count(&count).Error; err != nil {
		slog.ErrorContext(ctx, "failed to count signing keys",
			"operation", operation,
			"error", err,
		)
		return 0, err
	}
	return count, nil
}

// FindInUseAcquiredBefore は指定時刻より前に確保されたまま残っている鍵を古い順に取得する。
func (r *KeyRepository) FindInUseAcquiredBefore(ctx context.Context, usage domain.KeyUsage, before time.Time, limit int) ([]*domain.SigningKey, error) {
	var models []SigningKeyModel
	err := conn(ctx, r.db).
		Where("key_usage = ? AND in_use = ? AND acquired_at < ?", string(usage), true, before).
		Order("acquired_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find stale signing keys",
			"operation", "find_in_use_acquired_before",
			"usage", usage,
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.SigningKey, len(models))
	for i := range models {
		keys[i] = models[i].toDomain()
	}
	return keys, nil
}

// ExistsByAlias は指定されたエイリアスの鍵が存在するかを返す。
func (r *KeyRepository) ExistsByAlias(ctx context.Context, alias string) (bool, error) {
	var count int64
	err := conn(ctx, r.db).Model(&SigningKeyModel{}).Where("alias = ?", alias).Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to check signing key existence",
			"operation", "exists_by_alias",
			"alias", alias,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

// Delete は指定されたIDの鍵レコードを削除する。
func (r *KeyRepository) Delete(ctx context.Context, id string) error {
	if err := conn(ctx, r.db).Where("id = ?", id).Delete(&SigningKeyModel{}).Error; err != nil {
		slog.ErrorContext(ctx, "failed to delete signing key",
			"operation", "delete",
			"id", id,
			"error", err,
		)
		return err
	}
	return nil
}
