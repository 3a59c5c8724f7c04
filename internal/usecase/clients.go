// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"

	"go.opentelemetry.io/otel"

	"remote-signing-service/internal/domain"
)

var tracer = otel.Tracer("remote-signing-service/internal/usecase")

// HSMClient は鍵生成・CSR生成・証明書インポートを行うHSMのインターフェース。
type HSMClient interface {
	GenerateKey(ctx context.Context, partition domain.CryptoPartition, alias, algorithm, spec string) (string, error)
	GenerateCSR(ctx context.Context, partition domain.CryptoPartition, alias, subjectDN, signatureAlgorithm string) ([]byte, error)
	ImportCertificateChain(ctx context.Context, partition domain.CryptoPartition, alias string, chain [][]byte) error
	RemoveKey(ctx context.Context, partition domain.CryptoPartition, alias string, okIfMissing bool) error
	QueryKeys(ctx context.Context, partition domain.CryptoPartition, filter string) ([]domain.KeyInfo, error)
}

// CAClient は証明書の発行と失効を行う認証局のインターフェース。
type CAClient interface {
	CreateEndEntity(ctx context.Context, ee domain.EndEntity) (*domain.EndEntity, error)
	// SignCertificateRequest はPKCS#7（DER）形式の証明書チェーンを返す。
	SignCertificateRequest(ctx context.Context, ee domain.EndEntity, csr []byte) ([]byte, error)
	RevokeCertificate(ctx context.Context, serialHex, issuerDN string, reason domain.RevocationReason) error
}

// UserInfoClient はアクセストークンから利用者属性を取得するインターフェース。
type UserInfoClient interface {
	GetUserInfo(ctx context.Context, accessToken string) (map[string]string, error)
}

// SigningBackend は実際の署名処理を行うワーカーのインターフェース。
type SigningBackend interface {
	SignHashes(ctx context.Context, token domain.SigningToken, hashes [][]byte, signAlgorithm string) ([][]byte, error)
	SignDocuments(ctx context.Context, token domain.SigningToken, documents []domain.Document, req *domain.SignatureRequest) ([][]byte, error)
}

// Transactor は複数リポジトリ操作をひとつのトランザクションにまとめる。
type Transactor interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
