package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"remote-signing-service/internal/domain"
)

// 使い捨て鍵の非同期削除の試行回数（初回を含む）
const oneTimeKeyDeleteMaxTries = 3

// TokenProvider は署名種別ごとに署名トークンを用意し、署名後に後始末をする。
type TokenProvider interface {
	GetSigningToken(ctx context.Context, req *domain.SignatureRequest, worker domain.Worker) (domain.SigningToken, error)
	Cleanup(ctx context.Context, token domain.SigningToken)
}

// TokenProviders は署名種別からTokenProviderを引く。
type TokenProviders map[domain.SignatureType]TokenProvider

// PoolKeyLifecycle はトークン作成で使う鍵プール操作のインターフェース。
type PoolKeyLifecycle interface {
	AcquireKey(ctx context.Context, partitionID int, algorithm string) (*domain.SigningKey, error)
	GetKey(ctx context.Context, id string) (*domain.SigningKey, error)
	DeleteKey(ctx context.Context, key *domain.SigningKey) error
}

// CredentialReader は長期資格情報の参照のインターフェース。
type CredentialReader interface {
	GetCredential(ctx context.Context, id string) (*domain.CredentialMetadata, error)
}

// LongTermTokenProvider は保存済みの長期資格情報をトークンとして使う。
type LongTermTokenProvider struct {
	credentials CredentialReader
}

// NewLongTermTokenProvider は新しいLongTermTokenProviderを生成する。
func NewLongTermTokenProvider(credentials CredentialReader) *LongTermTokenProvider {
	return &LongTermTokenProvider{credentials: credentials}
}

// GetSigningToken は資格情報を読み込み、署名修飾子が要求と一致することを確認する。
func (p *LongTermTokenProvider) GetSigningToken(ctx context.Context, req *domain.SignatureRequest, _ domain.Worker) (domain.SigningToken, error) {
	cred, err := p.credentials.GetCredential(ctx, req.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("loading long-term credential: %w", err)
	}
	if cred.SignatureQualifier != "" && req.SignatureQualifier != "" && cred.SignatureQualifier != req.SignatureQualifier {
		return nil, fmt.Errorf("credential %s has signature qualifier %s, requested %s: %w",
			cred.ID, cred.SignatureQualifier, req.SignatureQualifier, domain.ErrSignatureQualifierMismatch)
	}
	return &domain.LongTermToken{Credential: cred}, nil
}

// Cleanup は何もしない。
func (p *LongTermTokenProvider) Cleanup(context.Context, domain.SigningToken) {}

// OneTimeTokenProvider はリクエストごとに鍵と証明書を用意し、署名後に鍵を破棄する。
type OneTimeTokenProvider struct {
	keys    PoolKeyLifecycle
	issuer  CredentialIssuer
	backoff func() backoff.BackOff
	wg      sync.WaitGroup
}

// NewOneTimeTokenProvider は新しいOneTimeTokenProviderを生成する。
func NewOneTimeTokenProvider(keys PoolKeyLifecycle, issuer CredentialIssuer) *OneTimeTokenProvider {
	return &OneTimeTokenProvider{
		keys:   keys,
		issuer: issuer,
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// GetSigningToken は使い捨て鍵を確保し、その鍵に対する証明書を発行する。
func (p *OneTimeTokenProvider) GetSigningToken(ctx context.Context, req *domain.SignatureRequest, worker domain.Worker) (domain.SigningToken, error) {
	if req.SignatureQualifier == "" {
		return nil, fmt.Errorf("creating one-time token: %w", domain.ErrMissingSignatureQualifier)
	}

	key, err := p.keys.AcquireKey(ctx, worker.PartitionID, worker.KeyAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("creating one-time token: %w", err)
	}

	saga := newSaga("one_time_token")
	saga.addCompensation("delete_key", func(ctx context.Context) error {
		return p.keys.DeleteKey(ctx, key)
	})

	issued, err := p.issuer.CreateCredential(ctx, credentialRequestFor(req, key))
	if err != nil {
		err = fmt.Errorf("creating one-time token: %w", err)
		saga.compensate(ctx, err)
		return nil, err
	}

	return &domain.OneTimeToken{Key: key, Credential: issued}, nil
}

// Cleanup は使い捨て鍵をバックグラウンドで削除する。失敗はログに残すだけで呼び出し側には返さない。
func (p *OneTimeTokenProvider) Cleanup(ctx context.Context, token domain.SigningToken) {
	t, ok := token.(*domain.OneTimeToken)
	if !ok || t.Key == nil {
		return
	}

	ctx = context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, p.keys.DeleteKey(ctx, t.Key)
		},
			backoff.WithBackOff(p.backoff()),
			backoff.WithMaxTries(oneTimeKeyDeleteMaxTries),
		)
		if err != nil {
			slog.ErrorContext(ctx, "failed to delete one-time key",
				"operation", "cleanup_one_time_token",
				"alias", t.Key.Alias,
				"error", err,
			)
		}
	}()
}

// Wait は実行中の非同期削除の完了を待つ。
func (p *OneTimeTokenProvider) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionStore はセッショントークン作成で使うセッション操作のインターフェース。
type SessionStore interface {
	Now() time.Time
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	SaveNewSession(ctx context.Context, session *domain.Session) error
	GetSessionCredential(ctx context.Context, id string) (*domain.SessionCredentialMetadata, error)
	SaveSessionCredential(ctx context.Context, cred *domain.SessionCredentialMetadata) error
}

// SessionTokenProvider はセッションIDごとに鍵と証明書を作成し、有効期限まで再利用する。
type SessionTokenProvider struct {
	sessions SessionStore
	keys     PoolKeyLifecycle
	issuer   CredentialIssuer
	tx       Transactor
	locks    *LockRegistry
}

// NewSessionTokenProvider は新しいSessionTokenProviderを生成する。
func NewSessionTokenProvider(sessions SessionStore, keys PoolKeyLifecycle, issuer CredentialIssuer, tx Transactor, locks *LockRegistry) *SessionTokenProvider {
	return &SessionTokenProvider{
		sessions: sessions,
		keys:     keys,
		issuer:   issuer,
		tx:       tx,
		locks:    locks,
	}
}

// GetSigningToken は既存のセッションがあればその鍵と証明書を使い、なければ新しく作成する。
// 同じセッションIDの作成はプロセス内で直列化する。
func (p *SessionTokenProvider) GetSigningToken(ctx context.Context, req *domain.SignatureRequest, worker domain.Worker) (domain.SigningToken, error) {
	if req.SignatureQualifier == "" {
		return nil, fmt.Errorf("creating session token: %w", domain.ErrMissingSignatureQualifier)
	}

	// 作成中は同じセッションIDの要求だけが待たされる
	var token domain.SigningToken
	err := p.locks.WithLock(sessionLockKey(req.SessionID), func() error {
		existing, err := p.existingToken(ctx, req.SessionID)
		if err == nil {
			token = existing
			return nil
		}
		if !errors.Is(err, domain.ErrSessionNotFound) {
			return err
		}

		created, err := p.createSession(ctx, req, worker)
		if err == nil {
			token = created
			return nil
		}

		// 別プロセスが同じIDのセッションを先に保存した場合はそれを使う
		if existing, findErr := p.existingToken(ctx, req.SessionID); findErr == nil {
			slog.WarnContext(ctx, "session was created concurrently, reusing it",
				"operation", "get_session_token",
				"session_id", req.SessionID,
				"error", err,
			)
			token = existing
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting session token for %s: %w", req.SessionID, err)
	}
	// 既存セッションは署名修飾子が違っても作成時の資格情報をそのまま使う
	if q := token.(*domain.SessionToken).Credential.SignatureQualifier; q != req.SignatureQualifier {
		slog.WarnContext(ctx, "session reused with a different signature qualifier",
			"operation", "get_session_token",
			"session_id", req.SessionID,
			"session_qualifier", q,
			"requested_qualifier", req.SignatureQualifier,
		)
	}
	return token, nil
}

// existingToken は保存済みのセッションからトークンを組み立てる。
func (p *SessionTokenProvider) existingToken(ctx context.Context, sessionID string) (*domain.SessionToken, error) {
	session, err := p.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status(p.sessions.Now()) == domain.SessionStatusExpired {
		return nil, fmt.Errorf("%w: %s expired at %s", domain.ErrSessionExpired, session.ID, session.ExpiresIn.Format(time.RFC3339))
	}

	cred, err := p.sessions.GetSessionCredential(ctx, session.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("loading session credential: %w", err)
	}
	key, err := p.keys.GetKey(ctx, cred.SessionKeyID)
	if err != nil {
		return nil, fmt.Errorf("loading session key: %w", err)
	}
	return &domain.SessionToken{Session: session, Key: key, Credential: cred}, nil
}

// createSession は鍵の確保、証明書の発行、セッションの保存を行う。
// 鍵の確保以降に失敗した場合は発行済みの証明書と鍵を取り消す。
func (p *SessionTokenProvider) createSession(ctx context.Context, req *domain.SignatureRequest, worker domain.Worker) (*domain.SessionToken, error) {
	profile, err := p.issuer.Profile(req.SignatureQualifier)
	if err != nil {
		return nil, err
	}
	expiresIn := p.sessions.Now().Add(profile.SessionValidityOffset + profile.SessionValidityPeriod)

	key, err := p.keys.AcquireKey(ctx, worker.PartitionID, worker.KeyAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("acquiring session key: %w", err)
	}

	saga := newSaga("session_token")
	saga.addCompensation("delete_session_key", func(ctx context.Context) error {
		return p.keys.DeleteKey(ctx, key)
	})

	issued, err := p.issuer.CreateCredential(ctx, credentialRequestFor(req, key))
	if err != nil {
		err = fmt.Errorf("issuing session credential: %w", err)
		saga.compensate(ctx, err)
		return nil, err
	}
	saga.addCompensation("revoke_session_certificate", func(ctx context.Context) error {
		return p.issuer.RollbackCredentialCreation(ctx, issued)
	})

	cred := &domain.SessionCredentialMetadata{
		ID:                 uuid.NewString(),
		SessionKeyID:       key.ID,
		EndEntityID:        issued.EndEntity.Username,
		SignatureQualifier: issued.SignatureQualifier,
		MultisignLimit:     issued.MultisignLimit,
		CertificateSerial:  issued.SerialHex(),
		IssuerDN:           issued.IssuerDN(),
		CertificateChain:   issued.CertificateChain,
	}
	session := domain.NewSession(req.SessionID, cred.ID, expiresIn)

	err = p.tx.Transaction(ctx, func(ctx context.Context) error {
		if err := p.sessions.SaveSessionCredential(ctx, cred); err != nil {
			return err
		}
		return p.sessions.SaveNewSession(ctx, session)
	})
	if err != nil {
		err = fmt.Errorf("saving session: %w", err)
		saga.compensate(ctx, err)
		return nil, err
	}

	slog.InfoContext(ctx, "signing session created",
		"operation", "get_session_token",
		"session_id", session.ID,
		"expires_in", session.ExpiresIn,
	)
	return &domain.SessionToken{Session: session, Key: key, Credential: cred, Created: true}, nil
}

// Cleanup は何もしない。セッション鍵は期限切れセッションのクリーンアップで削除する。
func (p *SessionTokenProvider) Cleanup(context.Context, domain.SigningToken) {}

func credentialRequestFor(req *domain.SignatureRequest, key *domain.SigningKey) CredentialRequest {
	return CredentialRequest{
		Key: domain.KeyRef{
			ID:          key.ID,
			PartitionID: key.PartitionID,
			Alias:       key.Alias,
			Algorithm:   key.Algorithm,
		},
		SignatureQualifier: req.SignatureQualifier,
		UserID:             req.UserID,
		AccessToken:        req.AccessToken,
		ClientData:         req.SAD.ClientData,
	}
}
