package infra

import (
	"context"
	"crypto"
	"fmt"

	"remote-signing-service/internal/domain"
)

// 署名アルゴリズムOIDとダイジェストのハッシュ関数の対応
var signAlgorithmHashes = map[string]crypto.Hash{
	"1.2.840.10045.4.3.2":   crypto.SHA256, // ecdsa-with-SHA256
	"1.2.840.10045.4.3.3":   crypto.SHA384, // ecdsa-with-SHA384
	"1.2.840.10045.4.3.4":   crypto.SHA512, // ecdsa-with-SHA512
	"1.2.840.113549.1.1.11": crypto.SHA256, // sha256WithRSAEncryption
	"1.2.840.113549.1.1.12": crypto.SHA384, // sha384WithRSAEncryption
	"1.2.840.113549.1.1.13": crypto.SHA512, // sha512WithRSAEncryption
}

// KMSHashSigner はCloud KMSの鍵でハッシュ値に署名する署名バックエンド。
// 文書署名（AdES形式への組み込み）は扱わない。
type KMSHashSigner struct {
	kms        *KMSClient
	partitions domain.Partitions
}

// NewKMSHashSigner は新しいKMSHashSignerを生成する。
func NewKMSHashSigner(kms *KMSClient, partitions domain.Partitions) *KMSHashSigner {
	return &KMSHashSigner{kms: kms, partitions: partitions}
}

// SignHashes はトークンの鍵で各ハッシュ値に署名する。
func (s *KMSHashSigner) SignHashes(ctx context.Context, token domain.SigningToken, hashes [][]byte, signAlgorithm string) ([][]byte, error) {
	hash, ok := signAlgorithmHashes[signAlgorithm]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported signature algorithm %s", domain.ErrInvalidRequest, signAlgorithm)
	}
	partition, ok := s.partitions.Find(token.PartitionID())
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrPartitionNotFound, token.PartitionID())
	}

	name := cryptoKeyVersionName(partition, token.KeyAlias())
	signatures := make([][]byte, len(hashes))
	for i, digest := range hashes {
		if len(digest) != hash.Size() {
			return nil, fmt.Errorf("%w: hash %d has %d bytes, want %d", domain.ErrInvalidRequest, i, len(digest), hash.Size())
		}
		sig, err := s.kms.sign(ctx, name, digest, hash)
		if err != nil {
			return nil, err
		}
		signatures[i] = sig
	}
	return signatures, nil
}

// SignDocuments は対応しない。
func (s *KMSHashSigner) SignDocuments(ctx context.Context, token domain.SigningToken, documents []domain.Document, req *domain.SignatureRequest) ([][]byte, error) {
	return nil, fmt.Errorf("%w: document signing", domain.ErrOperationNotSupported)
}

// SupportedSignAlgorithm はこのバックエンドが扱える署名アルゴリズムOIDかを返す。
func SupportedSignAlgorithm(oid string) bool {
	_, ok := signAlgorithmHashes[oid]
	return ok
}
