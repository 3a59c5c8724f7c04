package usecase

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/google/uuid"

	"remote-signing-service/internal/domain"
)

var errBoom = errors.New("boom")

// fakeTransactor はトランザクションを張らずにfnを実行する。
type fakeTransactor struct {
	calls int
}

func (f *fakeTransactor) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	f.calls++
	return fn(ctx)
}

// memKeyRepository はテスト用のインメモリ鍵リポジトリ。
type memKeyRepository struct {
	mu        sync.Mutex
	keys      map[string]*domain.SigningKey
	seq       int
	createErr error
	findErr   error
	deleteErr error
	deleted   []string
}

func newMemKeyRepository() *memKeyRepository {
	return &memKeyRepository{keys: make(map[string]*domain.SigningKey)}
}

func (m *memKeyRepository) Create(ctx context.Context, key *domain.SigningKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	m.seq++
	key.CreatedAt = time.Unix(int64(m.seq), 0)
	stored := *key
	m.keys[key.ID] = &stored
	return nil
}

func (m *memKeyRepository) FindByID(ctx context.Context, id string) (*domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, nil
	}
	c := *k
	return &c, nil
}

func (m *memKeyRepository) matching(usage domain.KeyUsage, partitionID int, algorithm string, onlyFree bool) []*domain.SigningKey {
	var keys []*domain.SigningKey
	for _, k := range m.keys {
		if k.Usage == usage && k.PartitionID == partitionID && k.Algorithm == algorithm && (!onlyFree || !k.InUse) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys
}

func (m *memKeyRepository) FindFirstUsable(ctx context.Context, usage domain.KeyUsage, partitionID int, algorithm string) (*domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	keys := m.matching(usage, partitionID, algorithm, true)
	if len(keys) == 0 {
		return nil, nil
	}
	c := *keys[0]
	return &c, nil
}

func (m *memKeyRepository) ClaimKey(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.InUse {
		return false, nil
	}
	k.InUse = true
	k.AcquiredAt = &at
	return true, nil
}

func (m *memKeyRepository) CountUsable(ctx context.Context, usage domain.KeyUsage, partitionID int, algorithm string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.matching(usage, partitionID, algorithm, true))), nil
}

func (m *memKeyRepository) CountAll(ctx context.Context, usage domain.KeyUsage, partitionID int, algorithm string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.matching(usage, partitionID, algorithm, false))), nil
}

func (m *memKeyRepository) FindInUseAcquiredBefore(ctx context.Context, usage domain.KeyUsage, before time.Time, limit int) ([]*domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []*domain.SigningKey
	for _, k := range m.keys {
		if k.Usage == usage && k.InUse && k.AcquiredAt != nil && k.AcquiredAt.Before(before) {
			c := *k
			keys = append(keys, &c)
		}
	}
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (m *memKeyRepository) ExistsByAlias(ctx context.Context, alias string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.Alias == alias {
			return true, nil
		}
	}
	return false, nil
}

func (m *memKeyRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.keys, id)
	m.deleted = append(m.deleted, id)
	return nil
}

// mockHSMClient はテスト用のモックHSMクライアント。
type mockHSMClient struct {
	mu           sync.Mutex
	generateErr  error
	csrErr       error
	importErr    error
	removeErr    error
	removeFails  int // 残りの失敗回数。0ならremoveErrに従う
	generated    []string
	csrRequests  []string // subject DN
	imported     []string
	removed      []string
	removeCalls  int
	existingKeys map[string]bool
	remoteKeys   []domain.KeyInfo
	queryErr     error
}

func (m *mockHSMClient) GenerateKey(ctx context.Context, partition domain.CryptoPartition, alias, algorithm, spec string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generateErr != nil {
		return "", m.generateErr
	}
	m.generated = append(m.generated, alias)
	return alias, nil
}

func (m *mockHSMClient) GenerateCSR(ctx context.Context, partition domain.CryptoPartition, alias, subjectDN, signatureAlgorithm string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.csrErr != nil {
		return nil, m.csrErr
	}
	m.csrRequests = append(m.csrRequests, subjectDN)
	return []byte("csr:" + alias), nil
}

func (m *mockHSMClient) ImportCertificateChain(ctx context.Context, partition domain.CryptoPartition, alias string, chain [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.importErr != nil {
		return m.importErr
	}
	m.imported = append(m.imported, alias)
	return nil
}

func (m *mockHSMClient) RemoveKey(ctx context.Context, partition domain.CryptoPartition, alias string, okIfMissing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeCalls++
	if m.removeFails > 0 {
		m.removeFails--
		return errBoom
	}
	if m.removeErr != nil {
		return m.removeErr
	}
	if m.existingKeys != nil && !m.existingKeys[alias] && !okIfMissing {
		return errors.New("key not found")
	}
	m.removed = append(m.removed, alias)
	return nil
}

func (m *mockHSMClient) QueryKeys(ctx context.Context, partition domain.CryptoPartition, filter string) ([]domain.KeyInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	var keys []domain.KeyInfo
	for _, k := range m.remoteKeys {
		if strings.HasPrefix(k.Alias, filter) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *mockHSMClient) removedAliases() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}

type revocation struct {
	serial string
	issuer string
	reason domain.RevocationReason
}

// mockCAClient はテスト用のモック認証局クライアント。
type mockCAClient struct {
	mu          sync.Mutex
	chain       []byte
	createEEErr error
	signErr     error
	revokeErr   error
	endEntities []domain.EndEntity
	revocations []revocation
}

func (m *mockCAClient) CreateEndEntity(ctx context.Context, ee domain.EndEntity) (*domain.EndEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createEEErr != nil {
		return nil, m.createEEErr
	}
	m.endEntities = append(m.endEntities, ee)
	return &ee, nil
}

func (m *mockCAClient) SignCertificateRequest(ctx context.Context, ee domain.EndEntity, csr []byte) ([]byte, error) {
	if m.signErr != nil {
		return nil, m.signErr
	}
	return m.chain, nil
}

func (m *mockCAClient) RevokeCertificate(ctx context.Context, serialHex, issuerDN string, reason domain.RevocationReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revocations = append(m.revocations, revocation{serial: serialHex, issuer: issuerDN, reason: reason})
	return m.revokeErr
}

// mockUserInfoClient はテスト用のモック利用者情報クライアント。
type mockUserInfoClient struct {
	attrs  map[string]string
	err    error
	tokens []string
}

func (m *mockUserInfoClient) GetUserInfo(ctx context.Context, accessToken string) (map[string]string, error) {
	m.tokens = append(m.tokens, accessToken)
	return m.attrs, m.err
}

// testChain はテスト用のCA証明書と末端証明書、そのPKCS#7を保持する。
type testChain struct {
	ca   *x509.Certificate
	leaf *x509.Certificate
	p7   []byte
}

// newTestChain はCA証明書と末端証明書を作り、PKCS#7（CA証明書が先頭）にまとめる。
func newTestChain(t *testing.T) testChain {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate CA key: %v", err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA", Organization: []string{"Example"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("failed to create CA certificate: %v", err)
	}
	ca, _ := x509.ParseCertificate(caDER)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate leaf key: %v", err)
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(0x1a2b3c),
		Subject:      pkix.Name{CommonName: "Alice"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, ca, &leafKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("failed to create leaf certificate: %v", err)
	}
	leaf, _ := x509.ParseCertificate(leafDER)

	p7, err := pkcs7.DegenerateCertificate(append(append([]byte{}, caDER...), leafDER...))
	if err != nil {
		t.Fatalf("failed to build PKCS#7: %v", err)
	}
	return testChain{ca: ca, leaf: leaf, p7: p7}
}

var testPartitions = domain.Partitions{
	{
		ID:      1,
		Name:    "p1",
		KeyRing: "projects/test/locations/global/keyRings/p1",
		Profiles: []domain.KeyPoolProfile{
			{Algorithm: "EC", KeySpec: "P-256", DesiredPoolSize: 5, MaxKeysGeneratedPerReplenish: 2, KeyAliasPrefix: "ot", Usage: domain.KeyUsageOneTime},
			{Algorithm: "EC", KeySpec: "P-256", DesiredPoolSize: 5, KeyAliasPrefix: "ss", Usage: domain.KeyUsageSession},
		},
	},
	{
		ID:      2,
		Name:    "p2",
		KeyRing: "projects/test/locations/global/keyRings/p2",
		Profiles: []domain.KeyPoolProfile{
			{Algorithm: "RSA", KeySpec: "2048", DesiredPoolSize: 3, KeyAliasPrefix: "ot", Usage: domain.KeyUsageOneTime},
		},
	},
}

var testProfiles = SignatureQualifierProfiles{
	"eu_eidas_qes": {
		Name:                     "eu_eidas_qes",
		DistinguishedNamePattern: "CN=${user.name},O=${clientData.org},SERIALNUMBER=${key.alias}",
		SubjectAltNamePattern:    "rfc822Name=${user.email}",
		UsernamePattern:          "${key.alias}",
		CSRSignatureAlgorithm:    "SHA256withECDSA",
		MultisignLimit:           3,
		CertificateProfile:       "QES",
		EndEntityProfile:         "QES_EE",
		CAName:                   "TestCA",
		SessionValidityOffset:    0,
		SessionValidityPeriod:    time.Hour,
	},
}
