package domain

// SigningToken はリクエスト単位で「どの鍵と証明書で署名するか」を表す。
// 実体は LongTermToken / OneTimeToken / SessionToken のいずれか。
type SigningToken interface {
	Type() SignatureType
	KeyAlias() string
	PartitionID() int
	CertificateChain() [][]byte
	CanSignData(documents, authorized int) bool
}

// canSign は複数署名上限が文書数と認可数の両方を満たすか判定する。
func canSign(multisign, documents, authorized int) bool {
	return multisign >= documents && multisign >= authorized
}

// LongTermToken は既存の長期クレデンシャルによるトークン。
type LongTermToken struct {
	Credential *CredentialMetadata
}

func (t *LongTermToken) Type() SignatureType        { return SignatureTypeLongTerm }
func (t *LongTermToken) KeyAlias() string           { return t.Credential.KeyAlias }
func (t *LongTermToken) PartitionID() int           { return t.Credential.PartitionID }
func (t *LongTermToken) CertificateChain() [][]byte { return t.Credential.CertificateChain }

// CanSignData は文書数と認可数が複数署名上限以内かを返す。
func (t *LongTermToken) CanSignData(documents, authorized int) bool {
	return canSign(t.Credential.MultisignLimit, documents, authorized)
}

// OneTimeToken は使い捨て鍵と証明書によるトークン。
type OneTimeToken struct {
	Key        *SigningKey
	Credential *IssuedCredential
}

func (t *OneTimeToken) Type() SignatureType        { return SignatureTypeOneTime }
func (t *OneTimeToken) KeyAlias() string           { return t.Key.Alias }
func (t *OneTimeToken) PartitionID() int           { return t.Key.PartitionID }
func (t *OneTimeToken) CertificateChain() [][]byte { return t.Credential.CertificateChain }

// CanSignData は文書数と認可数が複数署名上限以内かを返す。
func (t *OneTimeToken) CanSignData(documents, authorized int) bool {
	return canSign(t.Credential.MultisignLimit, documents, authorized)
}

// SessionToken はセッション鍵とセッションクレデンシャルによるトークン。
type SessionToken struct {
	Session    *Session
	Key        *SigningKey
	Credential *SessionCredentialMetadata
	Created    bool // このリクエストでセッションを新規作成したか
}

func (t *SessionToken) Type() SignatureType        { return SignatureTypeSession }
func (t *SessionToken) KeyAlias() string           { return t.Key.Alias }
func (t *SessionToken) PartitionID() int           { return t.Key.PartitionID }
func (t *SessionToken) CertificateChain() [][]byte { return t.Credential.CertificateChain }

// CanSignData は文書数と認可数が複数署名上限以内かを返す。
func (t *SessionToken) CanSignData(documents, authorized int) bool {
	return canSign(t.Credential.MultisignLimit, documents, authorized)
}
