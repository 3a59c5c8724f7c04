package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"remote-signing-service/internal/domain"
	"remote-signing-service/internal/usecase"
)

// mockSigner はテスト用の署名処理モック。
type mockSigner struct {
	result *domain.SignatureResult
	err    error
	gotReq *domain.SignatureRequest
}

func (m *mockSigner) SignHashes(ctx context.Context, req *domain.SignatureRequest) (*domain.SignatureResult, error) {
	m.gotReq = req
	return m.result, m.err
}

func (m *mockSigner) SignDocuments(ctx context.Context, req *domain.SignatureRequest) (*domain.SignatureResult, error) {
	m.gotReq = req
	return m.result, m.err
}

// mockCredentialManager はテスト用の資格情報管理モック。
type mockCredentialManager struct {
	cred       *domain.CredentialMetadata
	creds      []*domain.CredentialMetadata
	err        error
	gotCreate  usecase.CreateCredentialInput
	gotRekey   usecase.RekeyInput
	gotID      string
	gotUserID  string
	deletedIDs []string
}

func (m *mockCredentialManager) CreateCredential(ctx context.Context, in usecase.CreateCredentialInput) (*domain.CredentialMetadata, error) {
	m.gotCreate = in
	return m.cred, m.err
}

func (m *mockCredentialManager) GetCredential(ctx context.Context, id string) (*domain.CredentialMetadata, error) {
	m.gotID = id
	return m.cred, m.err
}

func (m *mockCredentialManager) ListCredentials(ctx context.Context, userID string) ([]*domain.CredentialMetadata, error) {
	m.gotUserID = userID
	return m.creds, m.err
}

func (m *mockCredentialManager) Rekey(ctx context.Context, id string, in usecase.RekeyInput) (*domain.CredentialMetadata, error) {
	m.gotID = id
	m.gotRekey = in
	return m.cred, m.err
}

func (m *mockCredentialManager) DeleteCredential(ctx context.Context, id string) error {
	if m.err != nil {
		return m.err
	}
	m.deletedIDs = append(m.deletedIDs, id)
	return nil
}

// mockPoolManager はテスト用の鍵プール管理モック。
type mockPoolManager struct {
	statuses  []usecase.PoolStatus
	statusErr error
	results   []usecase.ReplenishResult
}

func (m *mockPoolManager) Status(ctx context.Context) ([]usecase.PoolStatus, error) {
	return m.statuses, m.statusErr
}

func (m *mockPoolManager) Replenish(ctx context.Context) []usecase.ReplenishResult {
	return m.results
}

// mockSessionCleaner はテスト用のセッション削除モック。
type mockSessionCleaner struct {
	cleaned      int
	failed       int
	err          error
	gotRetention time.Duration
}

func (m *mockSessionCleaner) CleanupExpiredSessions(ctx context.Context, retention time.Duration) (int, int, error) {
	m.gotRetention = retention
	return m.cleaned, m.failed, m.err
}

// mockOrphanFinder はテスト用の孤立鍵検索モック。
type mockOrphanFinder struct {
	usage domain.KeyUsage
	keys  []domain.KeyInfo
	err   error
}

func (m *mockOrphanFinder) Usage() domain.KeyUsage { return m.usage }

func (m *mockOrphanFinder) FindOrphanedKeys(ctx context.Context, partitionID int) ([]domain.KeyInfo, error) {
	return m.keys, m.err
}

// mockCRLSource はテスト用のCRL生成モック。
type mockCRLSource struct {
	crl []byte
	err error
}

func (m *mockCRLSource) CreateCRL(ctx context.Context, number int64, nextUpdate time.Duration) ([]byte, error) {
	return m.crl, m.err
}

// withURLParams はchiのURLパラメータをリクエストに設定する。
func withURLParams(req *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}
