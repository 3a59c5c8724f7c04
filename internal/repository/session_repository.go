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

// SessionModel は署名セッションのgormモデル。
type SessionModel struct {
	ID           string    `gorm:"type:varchar(128);primaryKey"`
	CredentialID string    `gorm:"type:char(36);not null"`
	ExpiresIn    time.Time `gorm:"not null;index:idx_sessions_expires_in"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (SessionModel) TableName() string {
	return "signing_sessions"
}

// SessionCredentialModel はセッションクレデンシャルのgormモデル。
type SessionCredentialModel struct {
	ID                 string    `gorm:"type:char(36);primaryKey"`
	SessionKeyID       string    `gorm:"type:char(36);not null"`
	EndEntityID        string    `gorm:"type:varchar(255);not null"`
	SignatureQualifier string    `gorm:"type:varchar(64);not null"`
	MultisignLimit     int       `gorm:"not null"`
	CertificateSerial  string    `gorm:"type:varchar(64);not null"`
	IssuerDN           string    `gorm:"type:varchar(512);not null"`
	CertificateChain   [][]byte  `gorm:"type:mediumtext;serializer:json"`
	CreatedAt          time.Time `gorm:"not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (SessionCredentialModel) TableName() string {
	return "session_credentials"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *SessionCredentialModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// SessionRepository は署名セッションのデータアクセスを提供する。
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository は新しいSessionRepositoryを生成する。
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create はセッションを保存し、保存済みとしてマークする。
func (r *SessionRepository) Create(ctx context.Context, s *domain.Session) error {
	model := &SessionModel{
		ID:           s.ID,
		CredentialID: s.CredentialID,
		ExpiresIn:    s.ExpiresIn,
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create session",
			"operation", "create",
			"session_id", s.ID,
			"error", err,
		)
		return err
	}
	s.CreatedAt = model.CreatedAt
	s.MarkPersisted()
	return nil
}

// FindByID は指定されたIDのセッションを取得する。存在しない場合はnilを返す。
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*domain.Session, error) {
	var model SessionModel
	err := conn(ctx, r.db).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find session",
			"operation", "find_by_id",
			"session_id", id,
			"error", err,
		)
		return nil, err
	}
	return domain.RestoreSession(model.ID, model.CredentialID, model.ExpiresIn, model.CreatedAt), nil
}

// FindExpiredBefore は有効期限が指定時刻より前のセッションを古い順に取得する。
func (r *SessionRepository) FindExpiredBefore(ctx context.Context, before time.Time, limit int) ([]*domain.Session, error) {
	var models []SessionModel
	err := conn(ctx, r.db).
		Where("expires_in < ?", before).
		Order("expires_in ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find expired sessions",
			"operation", "find_expired_before",
			"before", before,
			"error", err,
		)
		return nil, err
	}

	sessions := make([]*domain.Session, len(models))
	for i, m := range models {
		sessions[i] = domain.RestoreSession(m.ID, m.CredentialID, m.ExpiresIn, m.CreatedAt)
	}
	return sessions, nil
}

// Delete は指定されたIDのセッションを削除する。
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	if err := conn(ctx, r.db).Where("id = ?", id).Delete(&SessionModel{}).Error; err != nil {
		slog.ErrorContext(ctx, "failed to delete session",
			"operation", "delete",
			"session_id", id,
			"error", err,
		)
		return err
	}
	return nil
}

// SessionCredentialRepository はセッションクレデンシャルのデータアクセスを提供する。
type SessionCredentialRepository struct {
	db *gorm.DB
}

// NewSessionCredentialRepository は新しいSessionCredentialRepositoryを生成する。
func NewSessionCredentialRepository(db *gorm.DB) *SessionCredentialRepository {
	return &SessionCredentialRepository{db: db}
}

// Create はセッションクレデンシャルを保存する。
func (r *SessionCredentialRepository) Create(ctx context.Context, c *domain.SessionCredentialMetadata) error {
	model := &SessionCredentialModel{
		ID:                 c.ID,
		SessionKeyID:       c.SessionKeyID,
		EndEntityID:        c.EndEntityID,
		SignatureQualifier: c.SignatureQualifier,
		MultisignLimit:     c.MultisignLimit,
		CertificateSerial:  c.CertificateSerial,
		IssuerDN:           c.IssuerDN,
		CertificateChain:   c.CertificateChain,
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create session credential",
			"operation", "create",
			"session_key_id", c.SessionKeyID,
			"error", err,
		)
		return err
	}
	c.ID = model.ID
	c.CreatedAt = model.CreatedAt
	return nil
}

// FindByID は指定されたIDのセッションクレデンシャルを取得する。存在しない場合はnilを返す。
func (r *SessionCredentialRepository) FindByID(ctx context.Context, id string) (*domain.SessionCredentialMetadata, error) {
	var model SessionCredentialModel
	err := conn(ctx, r.db).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find session credential",
			"operation", "find_by_id",
			"id", id,
			"error", err,
		)
		return nil, err
	}
	return &domain.SessionCredentialMetadata{
		ID:                 model.ID,
		SessionKeyID:       model.SessionKeyID,
		EndEntityID:        model.EndEntityID,
		SignatureQualifier: model.SignatureQualifier,
		MultisignLimit:     model.MultisignLimit,
		CertificateSerial:  model.CertificateSerial,
		IssuerDN:           model.IssuerDN,
		CertificateChain:   model.CertificateChain,
		CreatedAt:          model.CreatedAt,
	}, nil
}

// Delete は指定されたIDのセッションクレデンシャルを削除する。
func (r *SessionCredentialRepository) Delete(ctx context.Context, id string) error {
	if err := conn(ctx, r.db).Where("id = ?", id).Delete(&SessionCredentialModel{}).Error; err != nil {
		slog.ErrorContext(ctx, "failed to delete session credential",
			"operation", "delete",
			"id", id,
			"error", err,
		)
		return err
	}
	return nil
}
