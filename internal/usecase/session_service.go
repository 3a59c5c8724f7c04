package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"remote-signing-service/internal/domain"
	"remote-signing-service/internal/telemetry"
)

// 1回のクリーンアップで処理する期限切れセッションの上限
const defaultCleanupBatchSize = 100

// SessionRepository は署名セッションのデータアクセスのインターフェース。
type SessionRepository interface {
	Create(ctx context.Context, s *domain.Session) error
	FindByID(ctx context.Context, id string) (*domain.Session, error)
	FindExpiredBefore(ctx context.Context, before time.Time, limit int) ([]*domain.Session, error)
	Delete(ctx context.Context, id string) error
}

// SessionCredentialRepository はセッション資格情報のデータアクセスのインターフェース。
type SessionCredentialRepository interface {
	Create(ctx context.Context, c *domain.SessionCredentialMetadata) error
	FindByID(ctx context.Context, id string) (*domain.SessionCredentialMetadata, error)
	Delete(ctx context.Context, id string) error
}

// SessionKeyDeleter はセッション鍵をHSMと鍵プールから削除する。
type SessionKeyDeleter interface {
	DeleteKeyByID(ctx context.Context, id string) error
}

// SessionService は署名セッションの保存・参照・期限切れ後の後始末を行う。
type SessionService struct {
	sessions    SessionRepository
	credentials SessionCredentialRepository
	keys        SessionKeyDeleter
	tx          Transactor
	batchSize   int
	now         func() time.Time
}

// NewSessionService は新しいSessionServiceを生成する。
func NewSessionService(sessions SessionRepository, credentials SessionCredentialRepository, keys SessionKeyDeleter, tx Transactor) *SessionService {
	return &SessionService{
		sessions:    sessions,
		credentials: credentials,
		keys:        keys,
		tx:          tx,
		batchSize:   defaultCleanupBatchSize,
		now:         time.Now,
	}
}

// Now はセッションの状態判定に使う現在時刻を返す。
func (s *SessionService) Now() time.Time {
	return s.now()
}

// GetSession はIDで指定したセッションを取得する。
func (s *SessionService) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	session, err := s.sessions.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding session %s: %w", id, err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return session, nil
}

// SaveNewSession は未保存（NEW）のセッションを保存する。
func (s *SessionService) SaveNewSession(ctx context.Context, session *domain.Session) error {
	if status := session.Status(s.now()); status != domain.SessionStatusNew {
		return fmt.Errorf("saving session %s with status %s: %w", session.ID, status, domain.ErrSessionNotNew)
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return fmt.Errorf("saving session %s: %w", session.ID, err)
	}
	telemetry.GetMetrics().SessionsCreated.Add(ctx, 1)
	return nil
}

// SaveSessionCredential はセッション資格情報を保存する。
func (s *SessionService) SaveSessionCredential(ctx context.Context, cred *domain.SessionCredentialMetadata) error {
	if err := s.credentials.Create(ctx, cred); err != nil {
		return fmt.Errorf("saving session credential: %w", err)
	}
	return nil
}

// GetSessionCredential はIDで指定したセッション資格情報を取得する。
func (s *SessionService) GetSessionCredential(ctx context.Context, id string) (*domain.SessionCredentialMetadata, error) {
	cred, err := s.credentials.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding session credential %s: %w", id, err)
	}
	if cred == nil {
		return nil, fmt.Errorf("%w: session credential %s", domain.ErrCredentialNotFound, id)
	}
	return cred, nil
}

// DeleteSessionCredential はセッション資格情報を削除する。
func (s *SessionService) DeleteSessionCredential(ctx context.Context, id string) error {
	if err := s.credentials.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting session credential %s: %w", id, err)
	}
	return nil
}

// DeleteSession はセッションと、そのセッション資格情報・セッション鍵をひとつのトランザクションで削除する。
func (s *SessionService) DeleteSession(ctx context.Context, session *domain.Session) error {
	cred, err := s.credentials.FindByID(ctx, session.CredentialID)
	if err != nil {
		return fmt.Errorf("finding credential of session %s: %w", session.ID, err)
	}

	err = s.tx.Transaction(ctx, func(ctx context.Context) error {
		if err := s.sessions.Delete(ctx, session.ID); err != nil {
			return fmt.Errorf("deleting session: %w", err)
		}
		if cred == nil {
			return nil
		}
		if err := s.credentials.Delete(ctx, cred.ID); err != nil {
			return fmt.Errorf("deleting session credential %s: %w", cred.ID, err)
		}
		if err := s.keys.DeleteKeyByID(ctx, cred.SessionKeyID); err != nil {
			return fmt.Errorf("deleting session key %s: %w", cred.SessionKeyID, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", session.ID, err)
	}
	return nil
}

// GetExpiredSessions は保持期間を過ぎた期限切れセッションを古い順に返す。
func (s *SessionService) GetExpiredSessions(ctx context.Context, retention time.Duration) ([]*domain.Session, error) {
	sessions, err := s.sessions.FindExpiredBefore(ctx, s.now().Add(-retention), s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("finding expired sessions: %w", err)
	}
	return sessions, nil
}

// CleanupExpiredSessions は保持期間を過ぎたセッションを削除する。
// 1件の失敗はログに残して次のセッションの削除を続ける。
func (s *SessionService) CleanupExpiredSessions(ctx context.Context, retention time.Duration) (cleaned, failed int, err error) {
	sessions, err := s.GetExpiredSessions(ctx, retention)
	if err != nil {
		return 0, 0, err
	}

	m := telemetry.GetMetrics()
	for _, session := range sessions {
		if err := s.DeleteSession(ctx, session); err != nil {
			failed++
			m.SessionCleanupFailures.Add(ctx, 1)
			slog.ErrorContext(ctx, "failed to clean up expired session",
				"operation", "cleanup_sessions",
				"session_id", session.ID,
				"expires_in", session.ExpiresIn,
				"error", err,
			)
			continue
		}
		cleaned++
		m.SessionsCleaned.Add(ctx, 1)
	}

	if cleaned > 0 || failed > 0 {
		slog.InfoContext(ctx, "expired sessions cleaned up",
			"operation", "cleanup_sessions",
			"cleaned", cleaned,
			"failed", failed,
		)
	}
	return cleaned, failed, nil
}
