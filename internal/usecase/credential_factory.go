package usecase

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/digitorus/pkcs7"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"remote-signing-service/internal/domain"
)

// エンドエンティティ登録用ワンタイムパスワードのバイト長
const otpBytes = 18

// CredentialRequest は証明書発行に必要な入力をまとめたもの。
type CredentialRequest struct {
	Key                domain.KeyRef
	SignatureQualifier string
	UserID             string
	AccessToken        string
	ClientData         map[string]string
	TokenAttributes    map[string]string
}

// SignatureQualifierProfiles は署名修飾子名をキーとするプロファイル集合。
type SignatureQualifierProfiles map[string]domain.SignatureQualifierProfile

// Get は名前に一致するプロファイルを返す。
func (p SignatureQualifierProfiles) Get(name string) (domain.SignatureQualifierProfile, error) {
	profile, ok := p[name]
	if !ok {
		return domain.SignatureQualifierProfile{}, fmt.Errorf("%w: %s", domain.ErrSignatureQualifierNotFound, name)
	}
	return profile, nil
}

// CredentialFactory はHSM上の鍵に対して認証局から証明書を発行し、HSMへ取り込む。
type CredentialFactory struct {
	hsm        HSMClient
	ca         CAClient
	userInfo   UserInfoClient
	profiles   SignatureQualifierProfiles
	partitions domain.Partitions
	newOTP     func() (string, error)
}

// NewCredentialFactory は新しいCredentialFactoryを生成する。
func NewCredentialFactory(hsm HSMClient, ca CAClient, userInfo UserInfoClient, profiles SignatureQualifierProfiles, partitions domain.Partitions) *CredentialFactory {
	return &CredentialFactory{
		hsm:        hsm,
		ca:         ca,
		userInfo:   userInfo,
		profiles:   profiles,
		partitions: partitions,
		newOTP:     generateOTP,
	}
}

// Profile は署名修飾子プロファイルを返す。
func (f *CredentialFactory) Profile(name string) (domain.SignatureQualifierProfile, error) {
	return f.profiles.Get(name)
}

// CreateCredential は鍵に対する証明書を発行する。
// 証明書の発行後に失敗した場合は、その証明書を失効させてから元のエラーを返す。
func (f *CredentialFactory) CreateCredential(ctx context.Context, req CredentialRequest) (issued *domain.IssuedCredential, err error) {
	ctx, span := tracer.Start(ctx, "CredentialFactory.CreateCredential", trace.WithAttributes(
		attribute.String("key.alias", req.Key.Alias),
		attribute.String("signature_qualifier", req.SignatureQualifier),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	partition, ok := f.partitions.Find(req.Key.PartitionID)
	if !ok {
		return nil, fmt.Errorf("creating credential: %w: %d", domain.ErrPartitionNotFound, req.Key.PartitionID)
	}

	userAttrs, err := f.resolveUserInfo(ctx, req.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating credential: resolving user info: %w", err)
	}

	profile, err := f.profiles.Get(req.SignatureQualifier)
	if err != nil {
		return nil, fmt.Errorf("creating credential: %w", err)
	}

	values := patternValues(req, userAttrs)
	subjectDN, err := renderPattern(profile.DistinguishedNamePattern, values)
	if err != nil {
		return nil, fmt.Errorf("creating credential: rendering distinguished name: %w", err)
	}
	subjectAltName, err := renderPattern(profile.SubjectAltNamePattern, values)
	if err != nil {
		return nil, fmt.Errorf("creating credential: rendering subject alternative name: %w", err)
	}
	username := req.Key.Alias
	if profile.UsernamePattern != "" {
		if username, err = renderPattern(profile.UsernamePattern, values); err != nil {
			return nil, fmt.Errorf("creating credential: rendering username: %w", err)
		}
	}

	otp, err := f.newOTP()
	if err != nil {
		return nil, fmt.Errorf("creating credential: generating one-time password: %w", err)
	}

	endEntity, err := f.ca.CreateEndEntity(ctx, domain.EndEntity{
		Username:           username,
		Password:           otp,
		SubjectDN:          subjectDN,
		SubjectAltName:     subjectAltName,
		CertificateProfile: profile.CertificateProfile,
		EndEntityProfile:   profile.EndEntityProfile,
		CAName:             profile.CAName,
	})
	if err != nil {
		return nil, fmt.Errorf("creating credential: creating end entity %s: %w", username, err)
	}

	csr, err := f.hsm.GenerateCSR(ctx, partition, req.Key.Alias, subjectDN, profile.CSRSignatureAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("creating credential: generating CSR for key %s: %w", req.Key.Alias, err)
	}

	p7, err := f.ca.SignCertificateRequest(ctx, *endEntity, csr)
	if err != nil {
		return nil, fmt.Errorf("creating credential: signing certificate request for %s: %w", username, err)
	}

	cert, chain, err := parseCertificateChain(p7)
	if err != nil {
		return nil, fmt.Errorf("creating credential: parsing certificate chain: %w", err)
	}

	issued = &domain.IssuedCredential{
		EndEntity:          *endEntity,
		Certificate:        cert,
		CertificateChain:   chain,
		SignatureQualifier: profile.Name,
		MultisignLimit:     profile.MultisignLimit,
	}

	s := newSaga("create_credential")
	s.addCompensation("revoke_certificate", func(ctx context.Context) error {
		return f.ca.RevokeCertificate(ctx, issued.SerialHex(), issued.IssuerDN(), domain.RevocationCessationOfOperation)
	})

	if err := f.hsm.ImportCertificateChain(ctx, partition, req.Key.Alias, chain); err != nil {
		err = fmt.Errorf("creating credential: importing certificate chain for key %s: %w", req.Key.Alias, err)
		s.compensate(ctx, err)
		return nil, err
	}

	return issued, nil
}

// RollbackCredentialCreation は発行済みの証明書を失効させる。
// 呼び出し側の後続処理が失敗した場合に使う。
func (f *CredentialFactory) RollbackCredentialCreation(ctx context.Context, issued *domain.IssuedCredential) error {
	if issued == nil || issued.Certificate == nil {
		return nil
	}
	if err := f.ca.RevokeCertificate(ctx, issued.SerialHex(), issued.IssuerDN(), domain.RevocationCessationOfOperation); err != nil {
		return fmt.Errorf("revoking certificate %s: %w", issued.SerialHex(), err)
	}
	return nil
}

// RevokeCertificate は保存済み資格情報の証明書を指定理由で失効させる。
func (f *CredentialFactory) RevokeCertificate(ctx context.Context, serialHex, issuerDN string, reason domain.RevocationReason) error {
	if serialHex == "" {
		return nil
	}
	if err := f.ca.RevokeCertificate(ctx, serialHex, issuerDN, reason); err != nil {
		return fmt.Errorf("revoking certificate %s: %w", serialHex, err)
	}
	return nil
}

func (f *CredentialFactory) resolveUserInfo(ctx context.Context, accessToken string) (map[string]string, error) {
	if f.userInfo == nil || accessToken == "" {
		return map[string]string{}, nil
	}
	return f.userInfo.GetUserInfo(ctx, accessToken)
}

// patternValues はDN等のパターン展開に使う値を組み立てる。
func patternValues(req CredentialRequest, userAttrs map[string]string) map[string]string {
	values := map[string]string{
		"key.alias":     req.Key.Alias,
		"key.id":        req.Key.ID,
		"key.algorithm": req.Key.Algorithm,
		"userId":        req.UserID,
	}
	for k, v := range req.ClientData {
		values["clientData."+k] = v
	}
	for k, v := range userAttrs {
		values["user."+k] = v
	}
	for k, v := range req.TokenAttributes {
		values["token."+k] = v
	}
	return values
}

// renderPattern は ${name} 形式のプレースホルダを展開する。未定義の名前はエラーとする。
func renderPattern(pattern string, values map[string]string) (string, error) {
	var missing []string
	out := os.Expand(pattern, func(name string) string {
		v, ok := values[name]
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("%w: unknown placeholders %s", domain.ErrPatternRendering, strings.Join(missing, ", "))
	}
	return out, nil
}

// parseCertificateChain はPKCS#7から末端証明書と、末端証明書を先頭にしたDERのチェーンを取り出す。
func parseCertificateChain(der []byte) (*x509.Certificate, [][]byte, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing PKCS#7: %w", err)
	}
	if len(p7.Certificates) == 0 {
		return nil, nil, fmt.Errorf("PKCS#7 contains no certificates")
	}

	leaf := endEntityCertificate(p7.Certificates)
	chain := [][]byte{leaf.Raw}
	for _, c := range p7.Certificates {
		if c != leaf {
			chain = append(chain, c.Raw)
		}
	}
	return leaf, chain, nil
}

// endEntityCertificate はチェーン内で他の証明書を発行していない証明書を返す。
func endEntityCertificate(certs []*x509.Certificate) *x509.Certificate {
	for _, c := range certs {
		issuesOther := false
		for _, other := range certs {
			if other != c && bytes.Equal(other.RawIssuer, c.RawSubject) {
				issuesOther = true
				break
			}
		}
		if !issuesOther {
			return c
		}
	}
	return certs[0]
}

func generateOTP() (string, error) {
	b := make([]byte, otpBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
