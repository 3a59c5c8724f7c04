package infra

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/digitorus/pkcs7"

	"remote-signing-service/internal/domain"
)

// ErrEnrollmentRejected はエンドエンティティ未登録またはワンタイムパスワード不一致を表す。
var ErrEnrollmentRejected = errors.New("enrollment rejected")

// LocalCA はファイルに保存したCA鍵で証明書を発行する開発用の認証局。
// 本番ではEJBCA等の外部CAを使う。
type LocalCA struct {
	caKey    crypto.Signer
	caCert   *x509.Certificate
	validity time.Duration
	now      func() time.Time

	mu          sync.Mutex
	endEntities map[string]domain.EndEntity
	issued      map[string]bool
	revoked     map[string]revocation
}

type revocation struct {
	reason domain.RevocationReason
	at     time.Time
}

// NewLocalCA はPEM形式のCA秘密鍵と証明書からLocalCAを生成する。
func NewLocalCA(caKeyPath, caCertPath string, validity time.Duration) (*LocalCA, error) {
	keyData, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA key file: %w", err)
	}
	certData, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA cert file: %w", err)
	}
	return NewLocalCAFromPEM(keyData, certData, validity)
}

// NewLocalCAFromPEM はPEMデータからLocalCAを生成する。
func NewLocalCAFromPEM(keyPEM, certPEM []byte, validity time.Duration) (*LocalCA, error) {
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("decoding CA key PEM: no PEM block")
	}
	caKey, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA private key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("decoding CA cert PEM: no PEM block")
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	pub, ok := caKey.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(caCert.PublicKey) {
		return nil, fmt.Errorf("CA key and certificate do not match")
	}

	return &LocalCA{
		caKey:       caKey,
		caCert:      caCert,
		validity:    validity,
		now:         time.Now,
		endEntities: make(map[string]domain.EndEntity),
		issued:      make(map[string]bool),
		revoked:     make(map[string]revocation),
	}, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return signer, nil
}

// CreateEndEntity はエンドエンティティを登録する。同じユーザー名の登録は上書きする。
func (ca *LocalCA) CreateEndEntity(ctx context.Context, ee domain.EndEntity) (*domain.EndEntity, error) {
	if ee.Username == "" {
		return nil, fmt.Errorf("creating end entity: empty username")
	}
	if _, err := ParseDN(ee.SubjectDN); err != nil {
		return nil, fmt.Errorf("creating end entity %s: %w", ee.Username, err)
	}
	if _, err := ParseSubjectAltName(ee.SubjectAltName); err != nil {
		return nil, fmt.Errorf("creating end entity %s: %w", ee.Username, err)
	}

	ca.mu.Lock()
	ca.endEntities[ee.Username] = ee
	ca.mu.Unlock()

	registered := ee
	registered.Password = ""
	return &registered, nil
}

// SignCertificateRequest はCSRに署名し、証明書とCA証明書をPKCS#7（DER）で返す。
// ワンタイムパスワードは一度の発行で無効になる。
func (ca *LocalCA) SignCertificateRequest(ctx context.Context, ee domain.EndEntity, csrDER []byte) ([]byte, error) {
	registered, err := ca.consumeEnrollment(ee)
	if err != nil {
		return nil, err
	}

	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, fmt.Errorf("parsing CSR: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("verifying CSR signature: %w", err)
	}

	subject, err := ParseDN(registered.SubjectDN)
	if err != nil {
		return nil, fmt.Errorf("parsing subject DN: %w", err)
	}
	san, err := ParseSubjectAltName(registered.SubjectAltName)
	if err != nil {
		return nil, fmt.Errorf("parsing subject alternative name: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}

	now := ca.now()
	template := &x509.Certificate{
		SerialNumber:   serial,
		Subject:        subject,
		NotBefore:      now.Add(-time.Minute),
		NotAfter:       now.Add(ca.validity),
		KeyUsage:       x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		EmailAddresses: san.EmailAddresses,
		DNSNames:       san.DNSNames,
		URIs:           san.URIs,
	}

	leafDER, err := x509.CreateCertificate(rand.Reader, template, ca.caCert, csr.PublicKey, ca.caKey)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}

	chain, err := pkcs7.DegenerateCertificate(append(leafDER, ca.caCert.Raw...))
	if err != nil {
		return nil, fmt.Errorf("encoding certificate chain: %w", err)
	}

	ca.mu.Lock()
	ca.issued[serial.Text(16)] = true
	ca.mu.Unlock()
	return chain, nil
}

func (ca *LocalCA) consumeEnrollment(ee domain.EndEntity) (domain.EndEntity, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	registered, ok := ca.endEntities[ee.Username]
	if !ok {
		return domain.EndEntity{}, fmt.Errorf("%w: unknown end entity %s", ErrEnrollmentRejected, ee.Username)
	}
	if registered.Password == "" || subtle.ConstantTimeCompare([]byte(registered.Password), []byte(ee.Password)) != 1 {
		return domain.EndEntity{}, fmt.Errorf("%w: invalid one-time password for %s", ErrEnrollmentRejected, ee.Username)
	}
	registered.Password = ""
	ca.endEntities[ee.Username] = registered
	return registered, nil
}

// RevokeCertificate は証明書を失効させる。失効済みの証明書は理由を更新しない。
func (ca *LocalCA) RevokeCertificate(ctx context.Context, serialHex, issuerDN string, reason domain.RevocationReason) error {
	if issuerDN != ca.caCert.Subject.String() {
		return fmt.Errorf("revoking certificate %s: unknown issuer %q", serialHex, issuerDN)
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	if !ca.issued[serialHex] {
		return fmt.Errorf("revoking certificate %s: certificate not issued by this CA", serialHex)
	}
	if _, ok := ca.revoked[serialHex]; !ok {
		ca.revoked[serialHex] = revocation{reason: reason, at: ca.now()}
	}
	return nil
}

// RevocationStatus は証明書の失効状態と理由を返す。
func (ca *LocalCA) RevocationStatus(serialHex string) (domain.RevocationReason, bool) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	r, ok := ca.revoked[serialHex]
	return r.reason, ok
}

// CreateCRL は現在の失効情報から証明書失効リスト（DER）を生成する。
func (ca *LocalCA) CreateCRL(ctx context.Context, number int64, nextUpdate time.Duration) ([]byte, error) {
	now := ca.now()
	ca.mu.Lock()
	entries := make([]x509.RevocationListEntry, 0, len(ca.revoked))
	for serialHex, r := range ca.revoked {
		serial, ok := new(big.Int).SetString(serialHex, 16)
		if !ok {
			continue
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: r.at,
			ReasonCode:     int(r.reason),
		})
	}
	ca.mu.Unlock()

	crl, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    big.NewInt(number),
		ThisUpdate:                now,
		NextUpdate:                now.Add(nextUpdate),
		RevokedCertificateEntries: entries,
	}, ca.caCert, ca.caKey)
	if err != nil {
		return nil, fmt.Errorf("creating CRL: %w", err)
	}
	return crl, nil
}
