package domain

// SignatureType は署名トークンの取得方式を表す。
type SignatureType string

const (
	SignatureTypeLongTerm SignatureType = "LONG_TERM"
	SignatureTypeOneTime  SignatureType = "ONE_TIME"
	SignatureTypeSession  SignatureType = "SESSION"
)

// SignatureTypeParams は署名方式の判定に使うリクエスト項目。空文字は未指定を表す。
type SignatureTypeParams struct {
	SessionID          string
	SignatureQualifier string
	CredentialID       string
}

// DecideSignatureType はリクエスト項目から署名方式を判定する。
func DecideSignatureType(p SignatureTypeParams) (SignatureType, error) {
	hasSession := p.SessionID != ""
	hasQualifier := p.SignatureQualifier != ""
	hasCredential := p.CredentialID != ""

	switch {
	case hasSession && hasCredential:
		return "", ErrSessionAndCredentialMutuallyExclusive
	case hasSession && !hasQualifier:
		return "", ErrMissingSignatureQualifier
	case hasSession:
		return SignatureTypeSession, nil
	case hasQualifier && hasCredential:
		return SignatureTypeLongTerm, nil
	case hasQualifier:
		return SignatureTypeOneTime, nil
	case hasCredential:
		return SignatureTypeLongTerm, nil
	default:
		return "", ErrMissingSignatureParameters
	}
}
