package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"remote-signing-service/internal/domain"
)

// Profiles はパーティション・署名修飾子・署名ワーカーの設定を表す。
type Profiles struct {
	Partitions          []PartitionConfig          `yaml:"partitions"`
	SignatureQualifiers []SignatureQualifierConfig `yaml:"signatureQualifiers"`
	Workers             []WorkerConfig             `yaml:"workers"`
}

// PartitionConfig はパーティションの設定。
type PartitionConfig struct {
	ID      int          `yaml:"id"`
	Name    string       `yaml:"name"`
	KeyRing string       `yaml:"keyRing"`
	Pools   []PoolConfig `yaml:"pools"`
}

// PoolConfig は鍵プールの設定。
type PoolConfig struct {
	Usage                        string `yaml:"usage"`
	Algorithm                    string `yaml:"algorithm"`
	KeySpec                      string `yaml:"keySpec"`
	DesiredPoolSize              int    `yaml:"desiredPoolSize"`
	MaxKeysGeneratedPerReplenish int    `yaml:"maxKeysGeneratedPerReplenish"`
	KeyAliasPrefix               string `yaml:"keyAliasPrefix"`
}

// SignatureQualifierConfig は署名修飾子の設定。
type SignatureQualifierConfig struct {
	Name                     string        `yaml:"name"`
	DistinguishedNamePattern string        `yaml:"distinguishedNamePattern"`
	SubjectAltNamePattern    string        `yaml:"subjectAltNamePattern"`
	UsernamePattern          string        `yaml:"usernamePattern"`
	CSRSignatureAlgorithm    string        `yaml:"csrSignatureAlgorithm"`
	MultisignLimit           int           `yaml:"multisignLimit"`
	CertificateProfile       string        `yaml:"certificateProfile"`
	EndEntityProfile         string        `yaml:"endEntityProfile"`
	CAName                   string        `yaml:"caName"`
	SessionValidityOffset    time.Duration `yaml:"sessionValidityOffset"`
	SessionValidityPeriod    time.Duration `yaml:"sessionValidityPeriod"`
}

// WorkerConfig は署名ワーカーの設定。
type WorkerConfig struct {
	Name                string   `yaml:"name"`
	PartitionID         int      `yaml:"partitionId"`
	KeyAlgorithm        string   `yaml:"keyAlgorithm"`
	KeySpec             string   `yaml:"keySpec"`
	SignatureAlgorithms []string `yaml:"signatureAlgorithms"`
	SignatureFormats    []string `yaml:"signatureFormats"`
	Operations          []string `yaml:"operations"`
}

// LoadProfiles はYAMLファイルからプロファイル設定を読み込み、検証する。
func LoadProfiles(path string) (*Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profiles file: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles はYAMLデータからプロファイル設定を読み込み、検証する。
func ParseProfiles(data []byte) (*Profiles, error) {
	var p Profiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profiles: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate は設定の整合性を検証する。問題はすべてまとめて返す。
func (p *Profiles) Validate() error {
	var errs []error

	partitionIDs := make(map[int]bool)
	for _, part := range p.Partitions {
		if partitionIDs[part.ID] {
			errs = append(errs, fmt.Errorf("partition %d: duplicate id", part.ID))
		}
		partitionIDs[part.ID] = true
		if part.KeyRing == "" {
			errs = append(errs, fmt.Errorf("partition %d: keyRing is required", part.ID))
		}
		pools := make(map[string]bool)
		for _, pool := range part.Pools {
			key := pool.Usage + "/" + pool.Algorithm
			if pools[key] {
				errs = append(errs, fmt.Errorf("partition %d: duplicate pool %s", part.ID, key))
			}
			pools[key] = true
			if !domain.KeyUsage(pool.Usage).Valid() {
				errs = append(errs, fmt.Errorf("partition %d: unknown pool usage %q", part.ID, pool.Usage))
			}
			if pool.Algorithm == "" || pool.KeySpec == "" {
				errs = append(errs, fmt.Errorf("partition %d: pool %s needs algorithm and keySpec", part.ID, key))
			}
			if pool.KeyAliasPrefix == "" {
				errs = append(errs, fmt.Errorf("partition %d: pool %s needs keyAliasPrefix", part.ID, key))
			}
			if pool.DesiredPoolSize < 0 || pool.MaxKeysGeneratedPerReplenish < 0 {
				errs = append(errs, fmt.Errorf("partition %d: pool %s has negative size", part.ID, key))
			}
		}
	}

	qualifiers := make(map[string]bool)
	for _, q := range p.SignatureQualifiers {
		if q.Name == "" {
			errs = append(errs, errors.New("signature qualifier: name is required"))
			continue
		}
		if qualifiers[q.Name] {
			errs = append(errs, fmt.Errorf("signature qualifier %s: duplicate name", q.Name))
		}
		qualifiers[q.Name] = true
		if q.DistinguishedNamePattern == "" {
			errs = append(errs, fmt.Errorf("signature qualifier %s: distinguishedNamePattern is required", q.Name))
		}
		if q.MultisignLimit < 1 {
			errs = append(errs, fmt.Errorf("signature qualifier %s: multisignLimit must be at least 1", q.Name))
		}
	}

	for _, w := range p.Workers {
		if !partitionIDs[w.PartitionID] {
			errs = append(errs, fmt.Errorf("worker %s: unknown partition %d", w.Name, w.PartitionID))
		}
		if len(w.Operations) == 0 {
			errs = append(errs, fmt.Errorf("worker %s: no operations", w.Name))
		}
		for _, op := range w.Operations {
			if op != string(domain.OperationSignHash) && op != string(domain.OperationSignDoc) {
				errs = append(errs, fmt.Errorf("worker %s: unknown operation %q", w.Name, op))
			}
		}
	}

	return errors.Join(errs...)
}

// CryptoPartitions はパーティション設定をドメインモデルに変換する。
func (p *Profiles) CryptoPartitions() domain.Partitions {
	partitions := make(domain.Partitions, 0, len(p.Partitions))
	for _, part := range p.Partitions {
		profiles := make([]domain.KeyPoolProfile, 0, len(part.Pools))
		for _, pool := range part.Pools {
			profiles = append(profiles, domain.KeyPoolProfile{
				Algorithm:                    pool.Algorithm,
				KeySpec:                      pool.KeySpec,
				DesiredPoolSize:              pool.DesiredPoolSize,
				MaxKeysGeneratedPerReplenish: pool.MaxKeysGeneratedPerReplenish,
				KeyAliasPrefix:               pool.KeyAliasPrefix,
				Usage:                        domain.KeyUsage(pool.Usage),
			})
		}
		partitions = append(partitions, domain.CryptoPartition{
			ID:       part.ID,
			Name:     part.Name,
			KeyRing:  part.KeyRing,
			Profiles: profiles,
		})
	}
	return partitions
}

// QualifierProfiles は署名修飾子名をキーとするプロファイルを返す。
func (p *Profiles) QualifierProfiles() map[string]domain.SignatureQualifierProfile {
	profiles := make(map[string]domain.SignatureQualifierProfile, len(p.SignatureQualifiers))
	for _, q := range p.SignatureQualifiers {
		profiles[q.Name] = domain.SignatureQualifierProfile{
			Name:                     q.Name,
			DistinguishedNamePattern: q.DistinguishedNamePattern,
			SubjectAltNamePattern:    q.SubjectAltNamePattern,
			UsernamePattern:          q.UsernamePattern,
			CSRSignatureAlgorithm:    q.CSRSignatureAlgorithm,
			MultisignLimit:           q.MultisignLimit,
			CertificateProfile:       q.CertificateProfile,
			EndEntityProfile:         q.EndEntityProfile,
			CAName:                   q.CAName,
			SessionValidityOffset:    q.SessionValidityOffset,
			SessionValidityPeriod:    q.SessionValidityPeriod,
		}
	}
	return profiles
}

// SigningWorkers はワーカー設定をドメインモデルに変換する。
func (p *Profiles) SigningWorkers() []domain.Worker {
	workers := make([]domain.Worker, 0, len(p.Workers))
	for _, w := range p.Workers {
		ops := make([]domain.Operation, 0, len(w.Operations))
		for _, op := range w.Operations {
			ops = append(ops, domain.Operation(op))
		}
		workers = append(workers, domain.Worker{
			Name:                w.Name,
			PartitionID:         w.PartitionID,
			KeyAlgorithm:        w.KeyAlgorithm,
			KeySpec:             w.KeySpec,
			SignatureAlgorithms: w.SignatureAlgorithms,
			SignatureFormats:    w.SignatureFormats,
			Operations:          ops,
		})
	}
	return workers
}
