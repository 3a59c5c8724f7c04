package usecase

import (
	"context"
	"errors"
	"testing"

	"remote-signing-service/internal/domain"
)

// mockCredentialRepository はテスト用のインメモリ資格情報リポジトリ。
type mockCredentialRepository struct {
	creds     map[string]*domain.CredentialMetadata
	createErr error
	updateErr error
	deleteErr error
}

func newMockCredentialRepository() *mockCredentialRepository {
	return &mockCredentialRepository{creds: make(map[string]*domain.CredentialMetadata)}
}

func (m *mockCredentialRepository) Create(ctx context.Context, c *domain.CredentialMetadata) error {
	if m.createErr != nil {
		return m.createErr
	}
	stored := *c
	m.creds[c.ID] = &stored
	return nil
}

func (m *mockCredentialRepository) FindByID(ctx context.Context, id string) (*domain.CredentialMetadata, error) {
	c, ok := m.creds[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *mockCredentialRepository) FindAllByUserID(ctx context.Context, userID string) ([]*domain.CredentialMetadata, error) {
	var result []*domain.CredentialMetadata
	for _, c := range m.creds {
		if c.UserID == userID {
			cp := *c
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockCredentialRepository) Update(ctx context.Context, c *domain.CredentialMetadata) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	stored := *c
	m.creds[c.ID] = &stored
	return nil
}

func (m *mockCredentialRepository) Delete(ctx context.Context, id string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.creds, id)
	return nil
}

type credentialServiceFixture struct {
	*factoryFixture
	repo *mockCredentialRepository
	svc  *CredentialService
}

func newCredentialServiceFixture(t *testing.T) *credentialServiceFixture {
	t.Helper()
	f := newFactoryFixture(t)
	repo := newMockCredentialRepository()
	return &credentialServiceFixture{
		factoryFixture: f,
		repo:           repo,
		svc:            NewCredentialService(repo, f.hsm, f.factory, testPartitions),
	}
}

func testCreateCredentialInput() CreateCredentialInput {
	return CreateCredentialInput{
		PartitionID:        1,
		Algorithm:          "EC",
		KeySpec:            "P-256",
		SignatureQualifier: "eu_eidas_qes",
		UserID:             "alice",
		Description:        "contract signing",
		AccessToken:        "access-token",
		ClientData:         map[string]string{"org": "Example Corp"},
	}
}

func TestCredentialService_CreateCredential_Success(t *testing.T) {
	f := newCredentialServiceFixture(t)

	cred, err := f.svc.CreateCredential(context.Background(), testCreateCredentialInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.hsm.generated) != 1 || cred.KeyAlias != f.hsm.generated[0] {
		t.Errorf("credential must reference generated key, got %s (generated %v)", cred.KeyAlias, f.hsm.generated)
	}
	if cred.CertificateSerial != f.chain.leaf.SerialNumber.Text(16) {
		t.Errorf("unexpected serial %s", cred.CertificateSerial)
	}
	if cred.MultisignLimit != 3 || cred.UserID != "alice" || cred.Description != "contract signing" {
		t.Errorf("unexpected credential: %+v", cred)
	}
	if _, ok := f.repo.creds[cred.ID]; !ok {
		t.Error("credential must be saved")
	}
}

func TestCredentialService_CreateCredential_IssuanceFailureRemovesKey(t *testing.T) {
	f := newCredentialServiceFixture(t)
	f.hsm.importErr = errBoom

	_, err := f.svc.CreateCredential(context.Background(), testCreateCredentialInput())
	if !errors.Is(err, errBoom) {
		t.Fatalf("want errBoom, got %v", err)
	}
	if got := f.hsm.removedAliases(); len(got) != 1 || got[0] != f.hsm.generated[0] {
		t.Errorf("generated key must be removed, got %v", got)
	}
	if len(f.ca.revocations) != 1 {
		t.Errorf("issued certificate must be revoked once, got %d", len(f.ca.revocations))
	}
	if len(f.repo.creds) != 0 {
		t.Error("no credential must be saved")
	}
}

func TestCredentialService_CreateCredential_SaveFailureCompensates(t *testing.T) {
	f := newCredentialServiceFixture(t)
	f.repo.createErr = errBoom
	// 補償の失敗は元のエラーを置き換えない
	f.ca.revokeErr = errors.New("revocation unavailable")

	_, err := f.svc.CreateCredential(context.Background(), testCreateCredentialInput())
	if !errors.Is(err, errBoom) {
		t.Fatalf("want errBoom, got %v", err)
	}
	if len(f.ca.revocations) != 1 {
		t.Errorf("want 1 revocation, got %d", len(f.ca.revocations))
	}
	if got := f.hsm.removedAliases(); len(got) != 1 {
		t.Errorf("generated key must be removed, got %v", got)
	}
}

func TestCredentialService_CreateCredential_Validation(t *testing.T) {
	f := newCredentialServiceFixture(t)

	in := testCreateCredentialInput()
	in.SignatureQualifier = ""
	if _, err := f.svc.CreateCredential(context.Background(), in); !errors.Is(err, domain.ErrMissingSignatureQualifier) {
		t.Errorf("want ErrMissingSignatureQualifier, got %v", err)
	}

	in = testCreateCredentialInput()
	in.SignatureQualifier = "unknown"
	if _, err := f.svc.CreateCredential(context.Background(), in); !errors.Is(err, domain.ErrSignatureQualifierNotFound) {
		t.Errorf("want ErrSignatureQualifierNotFound, got %v", err)
	}

	in = testCreateCredentialInput()
	in.PartitionID = 42
	if _, err := f.svc.CreateCredential(context.Background(), in); !errors.Is(err, domain.ErrPartitionNotFound) {
		t.Errorf("want ErrPartitionNotFound, got %v", err)
	}

	if len(f.hsm.generated) != 0 {
		t.Errorf("no key must be generated for invalid input, got %v", f.hsm.generated)
	}
}

func TestCredentialService_Rekey_Success(t *testing.T) {
	ctx := context.Background()
	f := newCredentialServiceFixture(t)

	cred, err := f.svc.CreateCredential(ctx, testCreateCredentialInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	oldAlias := cred.KeyAlias
	oldSerial := cred.CertificateSerial

	rekeyed, err := f.svc.Rekey(ctx, cred.ID, RekeyInput{
		PartitionID: 2,
		Algorithm:   "RSA",
		KeySpec:     "2048",
		AccessToken: "access-token",
		ClientData:  map[string]string{"org": "Example Corp"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rekeyed.ID != cred.ID {
		t.Errorf("rekey must keep credential id")
	}
	if rekeyed.KeyAlias == oldAlias || rekeyed.PartitionID != 2 || rekeyed.KeyAlgorithm != "RSA" {
		t.Errorf("unexpected rekeyed credential: %+v", rekeyed)
	}
	if rekeyed.SignatureQualifier != "eu_eidas_qes" {
		t.Errorf("signature qualifier must be kept, got %s", rekeyed.SignatureQualifier)
	}

	if got := f.hsm.removedAliases(); len(got) != 1 || got[0] != oldAlias {
		t.Errorf("old key must be removed, got %v", got)
	}
	if len(f.ca.revocations) != 1 || f.ca.revocations[0].serial != oldSerial || f.ca.revocations[0].reason != domain.RevocationSuperseded {
		t.Errorf("old certificate must be revoked as superseded, got %v", f.ca.revocations)
	}
	if stored := f.repo.creds[cred.ID]; stored.KeyAlias != rekeyed.KeyAlias {
		t.Errorf("stored credential must reference new key, got %s", stored.KeyAlias)
	}
}

func TestCredentialService_Rekey_SaveFailureKeepsOldKey(t *testing.T) {
	ctx := context.Background()
	f := newCredentialServiceFixture(t)

	cred, err := f.svc.CreateCredential(ctx, testCreateCredentialInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.repo.updateErr = errBoom

	if _, err := f.svc.Rekey(ctx, cred.ID, RekeyInput{AccessToken: "access-token", ClientData: map[string]string{"org": "X"}}); !errors.Is(err, errBoom) {
		t.Fatalf("want errBoom, got %v", err)
	}

	removed := f.hsm.removedAliases()
	if len(removed) != 1 || removed[0] == cred.KeyAlias {
		t.Errorf("only the new key must be removed, got %v", removed)
	}
	if f.repo.creds[cred.ID].KeyAlias != cred.KeyAlias {
		t.Error("stored credential must keep the old key")
	}
	// 新しい証明書だけが失効する
	if len(f.ca.revocations) != 1 || f.ca.revocations[0].reason != domain.RevocationCessationOfOperation {
		t.Errorf("want revocation of new certificate only, got %v", f.ca.revocations)
	}
}

func TestCredentialService_Rekey_NotFound(t *testing.T) {
	f := newCredentialServiceFixture(t)

	_, err := f.svc.Rekey(context.Background(), "missing", RekeyInput{})
	if !errors.Is(err, domain.ErrCredentialNotFound) {
		t.Errorf("want ErrCredentialNotFound, got %v", err)
	}
}

func TestCredentialService_DeleteCredential(t *testing.T) {
	ctx := context.Background()
	f := newCredentialServiceFixture(t)

	cred, err := f.svc.CreateCredential(ctx, testCreateCredentialInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 失効の失敗は削除を妨げない
	f.ca.revokeErr = errBoom

	if err := f.svc.DeleteCredential(ctx, cred.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.ca.revocations) != 1 {
		t.Errorf("want 1 revocation attempt, got %d", len(f.ca.revocations))
	}
	if got := f.hsm.removedAliases(); len(got) != 1 || got[0] != cred.KeyAlias {
		t.Errorf("key must be removed, got %v", got)
	}
	if _, err := f.svc.GetCredential(ctx, cred.ID); !errors.Is(err, domain.ErrCredentialNotFound) {
		t.Errorf("want ErrCredentialNotFound, got %v", err)
	}
}

func TestCredentialService_ListCredentials(t *testing.T) {
	ctx := context.Background()
	f := newCredentialServiceFixture(t)

	for i := 0; i < 2; i++ {
		if _, err := f.svc.CreateCredential(ctx, testCreateCredentialInput()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	creds, err := f.svc.ListCredentials(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(creds) != 2 {
		t.Errorf("want 2 credentials, got %d", len(creds))
	}
	if others, _ := f.svc.ListCredentials(ctx, "bob"); len(others) != 0 {
		t.Errorf("want no credentials for bob, got %d", len(others))
	}
}
