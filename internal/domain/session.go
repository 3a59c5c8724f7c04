package domain

import "time"

// SessionStatus は署名セッションの状態を表す。
type SessionStatus string

const (
	// SessionStatusNew は未保存のセッションを表す。
	SessionStatusNew SessionStatus = "NEW"
	// SessionStatusActive は有効期限内のセッションを表す。
	SessionStatusActive SessionStatus = "ACTIVE"
	// SessionStatusExpired は有効期限切れのセッションを表す。
	SessionStatusExpired SessionStatus = "EXPIRED"
)

// Session は署名セッションを表す。状態は保存せず ExpiresIn から算出する。
type Session struct {
	ID           string
	CredentialID string
	ExpiresIn    time.Time
	CreatedAt    time.Time

	persisted bool
}

// NewSession は未保存のセッションを生成する。
func NewSession(id, credentialID string, expiresIn time.Time) *Session {
	return &Session{ID: id, CredentialID: credentialID, ExpiresIn: expiresIn}
}

// RestoreSession は保存済みのセッションを復元する。リポジトリからのみ使用する。
func RestoreSession(id, credentialID string, expiresIn, createdAt time.Time) *Session {
	return &Session{
		ID:           id,
		CredentialID: credentialID,
		ExpiresIn:    expiresIn,
		CreatedAt:    createdAt,
		persisted:    true,
	}
}

// Status は指定時刻における状態を返す。
func (s *Session) Status(now time.Time) SessionStatus {
	if !s.persisted {
		return SessionStatusNew
	}
	if s.ExpiresIn.After(now) {
		return SessionStatusActive
	}
	return SessionStatusExpired
}

// MarkPersisted は保存済みとして扱う。
func (s *Session) MarkPersisted() {
	s.persisted = true
}
