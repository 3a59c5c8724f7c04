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

// CredentialModel は長期クレデンシャルのgormモデル。
type CredentialModel struct {
	ID                 string    `gorm:"type:char(36);primaryKey"`
	PartitionID        int       `gorm:"not null"`
	KeyAlias           string    `gorm:"type:varchar(128);not null"`
	KeyAlgorithm       string    `gorm:"type:varchar(32);not null"`
	KeySpec            string    `gorm:"type:varchar(32);not null"`
	EndEntityID        string    `gorm:"type:varchar(255);not null"`
	SignatureQualifier string    `gorm:"type:varchar(64);not null;default:''"`
	MultisignLimit     int       `gorm:"not null"`
	CertificateSerial  string    `gorm:"type:varchar(64);not null"`
	IssuerDN           string    `gorm:"type:varchar(512);not null"`
	CertificateChain   [][]byte  `gorm:"type:mediumtext;serializer:json"`
	UserID             string    `gorm:"type:varchar(255);not null;index:idx_credentials_user"`
	Description        string    `gorm:"type:varchar(255)"`
	CreatedAt          time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt          time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (CredentialModel) TableName() string {
	return "credentials"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *CredentialModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *CredentialModel) toDomain() *domain.CredentialMetadata {
	return &domain.CredentialMetadata{
		ID:                 m.ID,
		PartitionID:        m.PartitionID,
		KeyAlias:           m.KeyAlias,
		KeyAlgorithm:       m.KeyAlgorithm,
		KeySpec:            m.KeySpec,
		EndEntityID:        m.EndEntityID,
		SignatureQualifier: m.SignatureQualifier,
		MultisignLimit:     m.MultisignLimit,
		CertificateSerial:  m.CertificateSerial,
		IssuerDN:           m.IssuerDN,
		CertificateChain:   m.CertificateChain,
		UserID:             m.UserID,
		Description:        m.Description,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func credentialModelFrom(c *domain.CredentialMetadata) *CredentialModel {
	return &CredentialModel{
		ID:                 c.ID,
		PartitionID:        c.PartitionID,
		KeyAlias:           c.KeyAlias,
		KeyAlgorithm:       c.KeyAlgorithm,
		KeySpec:            c.KeySpec,
		EndEntityID:        c.EndEntityID,
		SignatureQualifier: c.SignatureQualifier,
		MultisignLimit:     c.MultisignLimit,
		CertificateSerial:  c.CertificateSerial,
		IssuerDN:           c.IssuerDN,
		CertificateChain:   c.CertificateChain,
		UserID:             c.UserID,
		Description:        c.Description,
		CreatedAt:          c.CreatedAt,
	}
}

// CredentialRepository は長期クレデンシャルのデータアクセスを提供する。
type CredentialRepository struct {
	db *gorm.DB
}

// NewCredentialRepository は新しいCredentialRepositoryを生成する。
func NewCredentialRepository(db *gorm.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Create は新しいクレデンシャルを保存する。
func (r *CredentialRepository) Create(ctx context.Context, c *domain.CredentialMetadata) error {
	model := credentialModelFrom(c)
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create credential",
			"operation", "create",
			"user_id", c.UserID,
			"error", err,
		)
		return err
	}
	c.ID = model.ID
	c.CreatedAt = model.CreatedAt
	c.UpdatedAt = model.UpdatedAt
	return nil
}

// FindByID は指定されたIDのクレデンシャルを取得する。存在しない場合はnilを返す。
func (r *CredentialRepository) FindByID(ctx context.Context, id string) (*domain.CredentialMetadata, error) {
	var model CredentialModel
	err := conn(ctx, r.db).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find credential",
			"operation", "find_by_id",
			"id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindAllByUserID は指定されたユーザーのクレデンシャルを作成順に取得する。
func (r *CredentialRepository) FindAllByUserID(ctx context.Context, userID string) ([]*domain.CredentialMetadata, error) {
	var models []CredentialModel
	err := conn(ctx, r.db).Where("user_id = ?", userID).Order("created_at ASC").Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find credentials by user_id",
			"operation", "find_all_by_user_id",
			"user_id", userID,
			"error", err,
		)
		return nil, err
	}

	credentials := make([]*domain.CredentialMetadata, len(models))
	for i := range models {
		credentials[i] = models[i].toDomain()
	}
	return credentials, nil
}

// Update はクレデンシャルの鍵と証明書を更新する。
func (r *CredentialRepository) Update(ctx context.Context, c *domain.CredentialMetadata) error {
	model := credentialModelFrom(c)
	model.UpdatedAt = time.Now()
	err := conn(ctx, r.db).
		Model(&CredentialModel{ID: c.ID}).
		Select("partition_id", "key_alias", "key_algorithm", "key_spec", "end_entity_id",
			"multisign_limit", "certificate_serial", "issuer_dn", "certificate_chain", "updated_at").
		Updates(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update credential",
			"operation", "update",
			"id", c.ID,
			"error", err,
		)
		return err
	}
	c.UpdatedAt = model.UpdatedAt
	return nil
}

// Delete は指定されたIDのクレデンシャルを削除する。
func (r *CredentialRepository) Delete(ctx context.Context, id string) error {
	if err := conn(ctx, r.db).Where("id = ?", id).Delete(&CredentialModel{}).Error; err != nil {
		slog.ErrorContext(ctx, "failed to delete credential",
			"operation", "delete",
			"id", id,
			"error", err,
		)
		return err
	}
	return nil
}
