package infra

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
	"time"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/cenkalti/backoff/v5"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/fieldmaskpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"remote-signing-service/internal/domain"
)

const (
	managedByLabel  = "managed-by"
	managedByValue  = "remote-signing-service"
	certSerialLabel = "cert-serial"

	// 生成直後の鍵はPENDING_GENERATIONを経てENABLEDになる
	keyReadyTimeout = 30 * time.Second
)

var errKeyPending = errors.New("key version is pending generation")

// kmsAPI は利用するCloud KMS操作。テストではフェイクに差し替える。
type kmsAPI interface {
	CreateCryptoKey(ctx context.Context, req *kmspb.CreateCryptoKeyRequest) (*kmspb.CryptoKey, error)
	UpdateCryptoKey(ctx context.Context, req *kmspb.UpdateCryptoKeyRequest) (*kmspb.CryptoKey, error)
	ListCryptoKeys(ctx context.Context, req *kmspb.ListCryptoKeysRequest) ([]*kmspb.CryptoKey, error)
	GetCryptoKeyVersion(ctx context.Context, req *kmspb.GetCryptoKeyVersionRequest) (*kmspb.CryptoKeyVersion, error)
	DestroyCryptoKeyVersion(ctx context.Context, req *kmspb.DestroyCryptoKeyVersionRequest) (*kmspb.CryptoKeyVersion, error)
	GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest) (*kmspb.PublicKey, error)
	AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest) (*kmspb.AsymmetricSignResponse, error)
	Close() error
}

// gcpKMS はKeyManagementClientをkmsAPIに合わせる。
type gcpKMS struct {
	client *kms.KeyManagementClient
}

func (g gcpKMS) CreateCryptoKey(ctx context.Context, req *kmspb.CreateCryptoKeyRequest) (*kmspb.CryptoKey, error) {
	return g.client.CreateCryptoKey(ctx, req)
}

func (g gcpKMS) UpdateCryptoKey(ctx context.Context, req *kmspb.UpdateCryptoKeyRequest) (*kmspb.CryptoKey, error) {
	return g.client.UpdateCryptoKey(ctx, req)
}

func (g gcpKMS) ListCryptoKeys(ctx context.Context, req *kmspb.ListCryptoKeysRequest) ([]*kmspb.CryptoKey, error) {
	it := g.client.ListCryptoKeys(ctx, req)
	var keys []*kmspb.CryptoKey
	for {
		key, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (g gcpKMS) GetCryptoKeyVersion(ctx context.Context, req *kmspb.GetCryptoKeyVersionRequest) (*kmspb.CryptoKeyVersion, error) {
	return g.client.GetCryptoKeyVersion(ctx, req)
}

func (g gcpKMS) DestroyCryptoKeyVersion(ctx context.Context, req *kmspb.DestroyCryptoKeyVersionRequest) (*kmspb.CryptoKeyVersion, error) {
	return g.client.DestroyCryptoKeyVersion(ctx, req)
}

func (g gcpKMS) GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest) (*kmspb.PublicKey, error) {
	return g.client.GetPublicKey(ctx, req)
}

func (g gcpKMS) AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest) (*kmspb.AsymmetricSignResponse, error) {
	return g.client.AsymmetricSign(ctx, req)
}

func (g gcpKMS) Close() error {
	return g.client.Close()
}

// KMSClient はCloud KMSをHSMとして扱うクライアント。パーティションはキーリングに対応する。
type KMSClient struct {
	api        kmsAPI
	newBackOff func() backoff.BackOff
}

// NewKMSClient はアプリケーションデフォルト認証でKMSClientを生成する。
func NewKMSClient(ctx context.Context) (*KMSClient, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}
	return newKMSClient(gcpKMS{client: client}), nil
}

func newKMSClient(api kmsAPI) *KMSClient {
	return &KMSClient{
		api: api,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

// Close はKMSクライアントを閉じる。
func (c *KMSClient) Close() error {
	return c.api.Close()
}

func cryptoKeyName(partition domain.CryptoPartition, alias string) string {
	return partition.KeyRing + "/cryptoKeys/" + alias
}

func cryptoKeyVersionName(partition domain.CryptoPartition, alias string) string {
	return cryptoKeyName(partition, alias) + "/cryptoKeyVersions/1"
}

// kmsAlgorithm は鍵アルゴリズムと鍵仕様をCloud KMSの署名アルゴリズムに対応づける。
func kmsAlgorithm(algorithm, spec string) (kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm, error) {
	switch strings.ToUpper(algorithm) {
	case "EC", "ECDSA":
		switch strings.ToLower(spec) {
		case "p-256", "secp256r1", "prime256v1":
			return kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256, nil
		case "p-384", "secp384r1":
			return kmspb.CryptoKeyVersion_EC_SIGN_P384_SHA384, nil
		}
	case "RSA":
		switch spec {
		case "2048":
			return kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_2048_SHA256, nil
		case "3072":
			return kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_3072_SHA256, nil
		case "4096":
			return kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_4096_SHA256, nil
		}
	}
	return 0, fmt.Errorf("unsupported key algorithm %s with spec %s", algorithm, spec)
}

// GenerateKey はキーリングに署名用の鍵を作成し、利用可能になるまで待つ。
func (c *KMSClient) GenerateKey(ctx context.Context, partition domain.CryptoPartition, alias, algorithm, spec string) (string, error) {
	algo, err := kmsAlgorithm(algorithm, spec)
	if err != nil {
		return "", err
	}

	_, err = c.api.CreateCryptoKey(ctx, &kmspb.CreateCryptoKeyRequest{
		Parent:      partition.KeyRing,
		CryptoKeyId: alias,
		CryptoKey: &kmspb.CryptoKey{
			Purpose: kmspb.CryptoKey_ASYMMETRIC_SIGN,
			VersionTemplate: &kmspb.CryptoKeyVersionTemplate{
				Algorithm:       algo,
				ProtectionLevel: kmspb.ProtectionLevel_HSM,
			},
			Labels: map[string]string{managedByLabel: managedByValue},
		},
	})
	if err != nil {
		return "", fmt.Errorf("creating crypto key %s: %w", alias, err)
	}

	if err := c.waitForEnabled(ctx, cryptoKeyVersionName(partition, alias)); err != nil {
		return "", fmt.Errorf("waiting for crypto key %s: %w", alias, err)
	}
	return alias, nil
}

func (c *KMSClient) waitForEnabled(ctx context.Context, versionName string) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		version, err := c.api.GetCryptoKeyVersion(ctx, &kmspb.GetCryptoKeyVersionRequest{Name: versionName})
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		switch version.State {
		case kmspb.CryptoKeyVersion_ENABLED:
			return struct{}{}, nil
		case kmspb.CryptoKeyVersion_PENDING_GENERATION:
			return struct{}{}, errKeyPending
		default:
			return struct{}{}, backoff.Permanent(fmt.Errorf("key version in unexpected state %s", version.State))
		}
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxElapsedTime(keyReadyTimeout))
	return err
}

// GenerateCSR は鍵で署名したPKCS#10証明書署名要求（DER）を生成する。
// 署名アルゴリズムが空の場合は鍵に応じた既定のアルゴリズムを使う。
func (c *KMSClient) GenerateCSR(ctx context.Context, partition domain.CryptoPartition, alias, subjectDN, signatureAlgorithm string) ([]byte, error) {
	subject, err := ParseDN(subjectDN)
	if err != nil {
		return nil, fmt.Errorf("parsing subject DN: %w", err)
	}
	sigAlg, err := csrSignatureAlgorithm(signatureAlgorithm)
	if err != nil {
		return nil, err
	}

	signer, err := c.Signer(ctx, partition, alias)
	if err != nil {
		return nil, err
	}

	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            subject,
		SignatureAlgorithm: sigAlg,
	}, signer)
	if err != nil {
		return nil, fmt.Errorf("creating CSR for %s: %w", alias, err)
	}
	return csr, nil
}

func csrSignatureAlgorithm(name string) (x509.SignatureAlgorithm, error) {
	switch strings.ToUpper(name) {
	case "":
		return x509.UnknownSignatureAlgorithm, nil
	case "SHA256WITHECDSA":
		return x509.ECDSAWithSHA256, nil
	case "SHA384WITHECDSA":
		return x509.ECDSAWithSHA384, nil
	case "SHA256WITHRSA":
		return x509.SHA256WithRSA, nil
	case "SHA384WITHRSA":
		return x509.SHA384WithRSA, nil
	case "SHA512WITHRSA":
		return x509.SHA512WithRSA, nil
	}
	return 0, fmt.Errorf("unsupported CSR signature algorithm %s", name)
}

// ImportCertificateChain は証明書が鍵に対応することを確かめ、鍵に証明書シリアルを記録する。
// 証明書チェーン自体はクレデンシャルのメタデータとして保存される。
func (c *KMSClient) ImportCertificateChain(ctx context.Context, partition domain.CryptoPartition, alias string, chain [][]byte) error {
	if len(chain) == 0 {
		return fmt.Errorf("importing certificate chain for %s: empty chain", alias)
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return fmt.Errorf("parsing certificate for %s: %w", alias, err)
	}

	pub, err := c.publicKey(ctx, cryptoKeyVersionName(partition, alias))
	if err != nil {
		return err
	}
	keyPub, ok := pub.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !keyPub.Equal(leaf.PublicKey) {
		return fmt.Errorf("certificate %s does not match key %s", leaf.SerialNumber.Text(16), alias)
	}

	_, err = c.api.UpdateCryptoKey(ctx, &kmspb.UpdateCryptoKeyRequest{
		CryptoKey: &kmspb.CryptoKey{
			Name: cryptoKeyName(partition, alias),
			Labels: map[string]string{
				managedByLabel:  managedByValue,
				certSerialLabel: leaf.SerialNumber.Text(16),
			},
		},
		UpdateMask: &fieldmaskpb.FieldMask{Paths: []string{"labels"}},
	})
	if err != nil {
		return fmt.Errorf("labeling crypto key %s: %w", alias, err)
	}
	return nil
}

// RemoveKey は鍵バージョンを破棄する。Cloud KMSの鍵自体は削除できないため、破棄済みも削除済みとして扱う。
func (c *KMSClient) RemoveKey(ctx context.Context, partition domain.CryptoPartition, alias string, okIfMissing bool) error {
	_, err := c.api.DestroyCryptoKeyVersion(ctx, &kmspb.DestroyCryptoKeyVersionRequest{
		Name: cryptoKeyVersionName(partition, alias),
	})
	switch status.Code(err) {
	case codes.OK:
		return nil
	case codes.NotFound:
		if okIfMissing {
			return nil
		}
		return fmt.Errorf("%w: %s", domain.ErrKeyNotFound, alias)
	case codes.FailedPrecondition:
		// 破棄予定または破棄済み
		return nil
	default:
		return fmt.Errorf("destroying crypto key %s: %w", alias, err)
	}
}

// QueryKeys はキーリング内の利用可能な鍵のうち、エイリアスがfilterで始まるものを返す。
func (c *KMSClient) QueryKeys(ctx context.Context, partition domain.CryptoPartition, filter string) ([]domain.KeyInfo, error) {
	keys, err := c.api.ListCryptoKeys(ctx, &kmspb.ListCryptoKeysRequest{
		Parent: partition.KeyRing,
		Filter: "labels." + managedByLabel + "=" + managedByValue,
	})
	if err != nil {
		return nil, fmt.Errorf("listing crypto keys in %s: %w", partition.KeyRing, err)
	}

	var infos []domain.KeyInfo
	for _, key := range keys {
		alias := key.Name[strings.LastIndex(key.Name, "/")+1:]
		if !strings.HasPrefix(alias, filter) {
			continue
		}
		version, err := c.api.GetCryptoKeyVersion(ctx, &kmspb.GetCryptoKeyVersionRequest{Name: key.Name + "/cryptoKeyVersions/1"})
		if err != nil {
			if status.Code(err) == codes.NotFound {
				continue
			}
			return nil, fmt.Errorf("getting key version of %s: %w", alias, err)
		}
		if version.State == kmspb.CryptoKeyVersion_DESTROYED || version.State == kmspb.CryptoKeyVersion_DESTROY_SCHEDULED {
			continue
		}

		info := domain.KeyInfo{Alias: alias}
		if key.VersionTemplate != nil {
			info.Algorithm = key.VersionTemplate.Algorithm.String()
		}
		if key.CreateTime != nil {
			info.CreatedAt = key.CreateTime.AsTime()
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Signer は鍵をcrypto.Signerとして返す。
func (c *KMSClient) Signer(ctx context.Context, partition domain.CryptoPartition, alias string) (crypto.Signer, error) {
	name := cryptoKeyVersionName(partition, alias)
	pub, err := c.publicKey(ctx, name)
	if err != nil {
		return nil, err
	}
	return &kmsSigner{ctx: ctx, client: c, name: name, pub: pub}, nil
}

func (c *KMSClient) publicKey(ctx context.Context, versionName string) (crypto.PublicKey, error) {
	resp, err := c.api.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{Name: versionName})
	if err != nil {
		return nil, fmt.Errorf("getting public key %s: %w", versionName, err)
	}
	block, _ := pem.Decode([]byte(resp.Pem))
	if block == nil {
		return nil, fmt.Errorf("decoding public key %s: no PEM block", versionName)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key %s: %w", versionName, err)
	}
	return pub, nil
}

// sign はダイジェストに署名する。送受信データはCRC32Cで検証する。
func (c *KMSClient) sign(ctx context.Context, versionName string, digest []byte, hash crypto.Hash) ([]byte, error) {
	d := &kmspb.Digest{}
	switch hash {
	case crypto.SHA256:
		d.Digest = &kmspb.Digest_Sha256{Sha256: digest}
	case crypto.SHA384:
		d.Digest = &kmspb.Digest_Sha384{Sha384: digest}
	case crypto.SHA512:
		d.Digest = &kmspb.Digest_Sha512{Sha512: digest}
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %v", hash)
	}

	resp, err := c.api.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name:         versionName,
		Digest:       d,
		DigestCrc32C: wrapperspb.Int64(crc32c(digest)),
	})
	if err != nil {
		return nil, fmt.Errorf("signing with %s: %w", versionName, err)
	}
	if resp.SignatureCrc32C != nil && resp.SignatureCrc32C.Value != crc32c(resp.Signature) {
		return nil, fmt.Errorf("signing with %s: signature checksum mismatch", versionName)
	}
	return resp.Signature, nil
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func crc32c(data []byte) int64 {
	return int64(crc32.Checksum(data, crc32cTable))
}

// kmsSigner はCloud KMSの鍵によるcrypto.Signer。
type kmsSigner struct {
	ctx    context.Context
	client *KMSClient
	name   string
	pub    crypto.PublicKey
}

func (s *kmsSigner) Public() crypto.PublicKey {
	return s.pub
}

func (s *kmsSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.client.sign(s.ctx, s.name, digest, opts.HashFunc())
}
