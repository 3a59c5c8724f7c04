package domain

import (
	"crypto/x509"
	"time"
)

// SignatureQualifierProfile は署名修飾子ごとの証明書発行方針を表す。
type SignatureQualifierProfile struct {
	Name                     string
	DistinguishedNamePattern string
	SubjectAltNamePattern    string
	UsernamePattern          string
	CSRSignatureAlgorithm    string
	MultisignLimit           int
	CertificateProfile       string
	EndEntityProfile         string
	CAName                   string
	SessionValidityOffset    time.Duration
	SessionValidityPeriod    time.Duration
}

// CredentialMetadata は長期クレデンシャルのメタデータを表す。
type CredentialMetadata struct {
	ID                 string
	PartitionID        int
	KeyAlias           string
	KeyAlgorithm       string
	KeySpec            string
	EndEntityID        string
	SignatureQualifier string
	MultisignLimit     int
	CertificateSerial  string
	IssuerDN           string
	CertificateChain   [][]byte // DER、先頭がエンドエンティティ証明書
	UserID             string
	Description        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SessionCredentialMetadata はセッションに紐づくクレデンシャルのメタデータを表す。
type SessionCredentialMetadata struct {
	ID                 string
	SessionKeyID       string
	EndEntityID        string
	SignatureQualifier string
	MultisignLimit     int
	CertificateSerial  string
	IssuerDN           string
	CertificateChain   [][]byte
	CreatedAt          time.Time
}

// EndEntity はCAに登録するエンドエンティティを表す。
type EndEntity struct {
	Username           string
	Password           string
	SubjectDN          string
	SubjectAltName     string
	CertificateProfile string
	EndEntityProfile   string
	CAName             string
}

// IssuedCredential は証明書発行サーガの結果を表す。
type IssuedCredential struct {
	EndEntity          EndEntity
	Certificate        *x509.Certificate
	CertificateChain   [][]byte
	SignatureQualifier string
	MultisignLimit     int
}

// SerialHex は証明書シリアル番号を16進文字列で返す。
func (c *IssuedCredential) SerialHex() string {
	if c == nil || c.Certificate == nil {
		return ""
	}
	return c.Certificate.SerialNumber.Text(16)
}

// IssuerDN は発行者DNを返す。
func (c *IssuedCredential) IssuerDN() string {
	if c == nil || c.Certificate == nil {
		return ""
	}
	return c.Certificate.Issuer.String()
}

// KeyRef は証明書発行の対象となる鍵を表す。
type KeyRef struct {
	ID          string
	PartitionID int
	Alias       string
	Algorithm   string
}

// RevocationReason はRFC 5280の失効理由コードを表す。
type RevocationReason int

const (
	RevocationUnspecified          RevocationReason = 0
	RevocationKeyCompromise        RevocationReason = 1
	RevocationSuperseded           RevocationReason = 4
	RevocationCessationOfOperation RevocationReason = 5
)
