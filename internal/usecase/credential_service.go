package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"remote-signing-service/internal/domain"
)

// 長期資格情報の鍵エイリアスのプレフィックス
const longTermKeyAliasPrefix = "ltc"

// CredentialRepository は長期資格情報のデータアクセスのインターフェース。
type CredentialRepository interface {
	Create(ctx context.Context, c *domain.CredentialMetadata) error
	FindByID(ctx context.Context, id string) (*domain.CredentialMetadata, error)
	FindAllByUserID(ctx context.Context, userID string) ([]*domain.CredentialMetadata, error)
	Update(ctx context.Context, c *domain.CredentialMetadata) error
	Delete(ctx context.Context, id string) error
}

// CredentialIssuer は鍵に対する証明書の発行と取り消しを行う。
type CredentialIssuer interface {
	Profile(name string) (domain.SignatureQualifierProfile, error)
	CreateCredential(ctx context.Context, req CredentialRequest) (*domain.IssuedCredential, error)
	RollbackCredentialCreation(ctx context.Context, issued *domain.IssuedCredential) error
	RevokeCertificate(ctx context.Context, serialHex, issuerDN string, reason domain.RevocationReason) error
}

// CreateCredentialInput は長期資格情報の作成要求。
type CreateCredentialInput struct {
	PartitionID        int
	Algorithm          string
	KeySpec            string
	SignatureQualifier string
	UserID             string
	Description        string
	AccessToken        string
	ClientData         map[string]string
	TokenAttributes    map[string]string
}

// RekeyInput は長期資格情報の鍵更新要求。ゼロ値の項目は現在の値を引き継ぐ。
type RekeyInput struct {
	PartitionID     int
	Algorithm       string
	KeySpec         string
	AccessToken     string
	ClientData      map[string]string
	TokenAttributes map[string]string
}

// CredentialService は長期資格情報（鍵と証明書の組）のライフサイクルを管理する。
type CredentialService struct {
	repo       CredentialRepository
	hsm        HSMClient
	issuer     CredentialIssuer
	partitions domain.Partitions
}

// NewCredentialService は新しいCredentialServiceを生成する。
func NewCredentialService(repo CredentialRepository, hsm HSMClient, issuer CredentialIssuer, partitions domain.Partitions) *CredentialService {
	return &CredentialService{
		repo:       repo,
		hsm:        hsm,
		issuer:     issuer,
		partitions: partitions,
	}
}

// CreateCredential は鍵を生成して証明書を発行し、資格情報として保存する。
// 鍵生成後のいずれかの処理が失敗した場合は、発行済み証明書の失効と鍵の削除を行う。
func (s *CredentialService) CreateCredential(ctx context.Context, in CreateCredentialInput) (*domain.CredentialMetadata, error) {
	if in.SignatureQualifier == "" {
		return nil, fmt.Errorf("creating credential: %w", domain.ErrMissingSignatureQualifier)
	}
	if _, err := s.issuer.Profile(in.SignatureQualifier); err != nil {
		return nil, fmt.Errorf("creating credential: %w", err)
	}
	partition, ok := s.partitions.Find(in.PartitionID)
	if !ok {
		return nil, fmt.Errorf("creating credential: %w: %d", domain.ErrPartitionNotFound, in.PartitionID)
	}

	id := uuid.NewString()
	saga := newSaga("create_long_term_credential")

	alias, err := s.hsm.GenerateKey(ctx, partition, NewKeyAlias(longTermKeyAliasPrefix), in.Algorithm, in.KeySpec)
	if err != nil {
		return nil, fmt.Errorf("creating credential: generating key in partition %s: %w", partition.Name, err)
	}
	saga.addCompensation("remove_key", func(ctx context.Context) error {
		return s.hsm.RemoveKey(ctx, partition, alias, true)
	})

	issued, err := s.issuer.CreateCredential(ctx, CredentialRequest{
		Key:                domain.KeyRef{ID: id, PartitionID: partition.ID, Alias: alias, Algorithm: in.Algorithm},
		SignatureQualifier: in.SignatureQualifier,
		UserID:             in.UserID,
		AccessToken:        in.AccessToken,
		ClientData:         in.ClientData,
		TokenAttributes:    in.TokenAttributes,
	})
	if err != nil {
		err = fmt.Errorf("creating credential %s: %w", id, err)
		saga.compensate(ctx, err)
		return nil, err
	}
	saga.addCompensation("revoke_certificate", func(ctx context.Context) error {
		return s.issuer.RollbackCredentialCreation(ctx, issued)
	})

	cred := &domain.CredentialMetadata{
		ID:                 id,
		PartitionID:        partition.ID,
		KeyAlias:           alias,
		KeyAlgorithm:       in.Algorithm,
		KeySpec:            in.KeySpec,
		EndEntityID:        issued.EndEntity.Username,
		SignatureQualifier: issued.SignatureQualifier,
		MultisignLimit:     issued.MultisignLimit,
		CertificateSerial:  issued.SerialHex(),
		IssuerDN:           issued.IssuerDN(),
		CertificateChain:   issued.CertificateChain,
		UserID:             in.UserID,
		Description:        in.Description,
	}
	if err := s.repo.Create(ctx, cred); err != nil {
		err = fmt.Errorf("saving credential %s: %w", id, err)
		saga.compensate(ctx, err)
		return nil, err
	}

	slog.InfoContext(ctx, "credential created",
		"operation", "create_credential",
		"credential_id", id,
		"partition", partition.Name,
		"signature_qualifier", cred.SignatureQualifier,
	)
	return cred, nil
}

// GetCredential はIDで指定した資格情報を取得する。
func (s *CredentialService) GetCredential(ctx context.Context, id string) (*domain.CredentialMetadata, error) {
	cred, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding credential %s: %w", id, err)
	}
	if cred == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrCredentialNotFound, id)
	}
	return cred, nil
}

// ListCredentials は利用者の資格情報一覧を取得する。
func (s *CredentialService) ListCredentials(ctx context.Context, userID string) ([]*domain.CredentialMetadata, error) {
	creds, err := s.repo.FindAllByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing credentials of %s: %w", userID, err)
	}
	return creds, nil
}

// Rekey は新しい鍵と証明書で資格情報を更新する。
// 旧鍵の削除と旧証明書の失効は、新しい鍵と証明書が保存された後にだけ行う。
func (s *CredentialService) Rekey(ctx context.Context, id string, in RekeyInput) (*domain.CredentialMetadata, error) {
	cred, err := s.GetCredential(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("rekeying credential: %w", err)
	}

	oldPartition, ok := s.partitions.Find(cred.PartitionID)
	if !ok {
		return nil, fmt.Errorf("rekeying credential %s: %w: %d", id, domain.ErrPartitionNotFound, cred.PartitionID)
	}
	destPartition := oldPartition
	if in.PartitionID != 0 {
		if destPartition, ok = s.partitions.Find(in.PartitionID); !ok {
			return nil, fmt.Errorf("rekeying credential %s: %w: %d", id, domain.ErrPartitionNotFound, in.PartitionID)
		}
	}
	algorithm := cred.KeyAlgorithm
	if in.Algorithm != "" {
		algorithm = in.Algorithm
	}
	spec := cred.KeySpec
	if in.KeySpec != "" {
		spec = in.KeySpec
	}

	saga := newSaga("rekey_credential")

	alias, err := s.hsm.GenerateKey(ctx, destPartition, NewKeyAlias(longTermKeyAliasPrefix), algorithm, spec)
	if err != nil {
		return nil, fmt.Errorf("rekeying credential %s: generating key in partition %s: %w", id, destPartition.Name, err)
	}
	saga.addCompensation("remove_new_key", func(ctx context.Context) error {
		return s.hsm.RemoveKey(ctx, destPartition, alias, true)
	})

	issued, err := s.issuer.CreateCredential(ctx, CredentialRequest{
		Key:                domain.KeyRef{ID: cred.ID, PartitionID: destPartition.ID, Alias: alias, Algorithm: algorithm},
		SignatureQualifier: cred.SignatureQualifier,
		UserID:             cred.UserID,
		AccessToken:        in.AccessToken,
		ClientData:         in.ClientData,
		TokenAttributes:    in.TokenAttributes,
	})
	if err != nil {
		err = fmt.Errorf("rekeying credential %s: %w", id, err)
		saga.compensate(ctx, err)
		return nil, err
	}
	saga.addCompensation("revoke_new_certificate", func(ctx context.Context) error {
		return s.issuer.RollbackCredentialCreation(ctx, issued)
	})

	old := *cred
	cred.PartitionID = destPartition.ID
	cred.KeyAlias = alias
	cred.KeyAlgorithm = algorithm
	cred.KeySpec = spec
	cred.EndEntityID = issued.EndEntity.Username
	cred.MultisignLimit = issued.MultisignLimit
	cred.CertificateSerial = issued.SerialHex()
	cred.IssuerDN = issued.IssuerDN()
	cred.CertificateChain = issued.CertificateChain

	if err := s.repo.Update(ctx, cred); err != nil {
		err = fmt.Errorf("saving rekeyed credential %s: %w", id, err)
		saga.compensate(ctx, err)
		return nil, err
	}

	// ここから先の失敗は新しい資格情報の利用に影響しないためログのみ
	cleanupCtx := context.WithoutCancel(ctx)
	if err := s.hsm.RemoveKey(cleanupCtx, oldPartition, old.KeyAlias, true); err != nil {
		slog.ErrorContext(ctx, "failed to remove previous key after rekey",
			"operation", "rekey_credential",
			"credential_id", id,
			"alias", old.KeyAlias,
			"error", err,
		)
	}
	if err := s.issuer.RevokeCertificate(cleanupCtx, old.CertificateSerial, old.IssuerDN, domain.RevocationSuperseded); err != nil {
		slog.ErrorContext(ctx, "failed to revoke previous certificate after rekey",
			"operation", "rekey_credential",
			"credential_id", id,
			"serial", old.CertificateSerial,
			"error", err,
		)
	}

	slog.InfoContext(ctx, "credential rekeyed",
		"operation", "rekey_credential",
		"credential_id", id,
		"partition", destPartition.Name,
	)
	return cred, nil
}

// DeleteCredential は証明書を失効させ（失敗はログのみ）、鍵とレコードを削除する。
func (s *CredentialService) DeleteCredential(ctx context.Context, id string) error {
	cred, err := s.GetCredential(ctx, id)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	partition, ok := s.partitions.Find(cred.PartitionID)
	if !ok {
		return fmt.Errorf("deleting credential %s: %w: %d", id, domain.ErrPartitionNotFound, cred.PartitionID)
	}

	if err := s.issuer.RevokeCertificate(ctx, cred.CertificateSerial, cred.IssuerDN, domain.RevocationCessationOfOperation); err != nil {
		slog.ErrorContext(ctx, "failed to revoke certificate of deleted credential",
			"operation", "delete_credential",
			"credential_id", id,
			"serial", cred.CertificateSerial,
			"error", err,
		)
	}
	if err := s.hsm.RemoveKey(ctx, partition, cred.KeyAlias, true); err != nil {
		return fmt.Errorf("deleting credential %s: removing key %s: %w", id, cred.KeyAlias, err)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting credential %s: %w", id, err)
	}

	slog.InfoContext(ctx, "credential deleted",
		"operation", "delete_credential",
		"credential_id", id,
	)
	return nil
}
