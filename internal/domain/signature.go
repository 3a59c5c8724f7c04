package domain

// Operation は署名ワーカーが扱う処理種別を表す。
type Operation string

const (
	OperationSignHash Operation = "sign_hash"
	OperationSignDoc  Operation = "sign_doc"
)

// Worker は署名バックエンドの能力を表す。
type Worker struct {
	Name                string
	PartitionID         int
	KeyAlgorithm        string
	KeySpec             string
	SignatureAlgorithms []string
	SignatureFormats    []string
	Operations          []Operation
}

// Supports はワーカーが処理種別・署名アルゴリズム・署名形式に対応するかを返す。
// 空のアルゴリズムや形式は条件なしとして扱う。
func (w *Worker) Supports(op Operation, signAlgo, format string) bool {
	return contains(w.Operations, op) &&
		(signAlgo == "" || contains(w.SignatureAlgorithms, signAlgo)) &&
		(format == "" || contains(w.SignatureFormats, format))
}

func contains[T comparable](items []T, v T) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}

// SignatureActivationData はクライアントが提示した認可情報（検証済み）を表す。
type SignatureActivationData struct {
	NumSignatures int
	ClientData    map[string]string
}

// Document は署名対象の文書を表す。
type Document struct {
	Name    string
	Content []byte
}

// SignatureRequest は署名リクエストを表す。
type SignatureRequest struct {
	SessionID            string
	SignatureQualifier   string
	CredentialID         string
	UserID               string
	AccessToken          string
	SAD                  SignatureActivationData
	SignAlgorithm        string
	HashAlgorithm        string
	SignatureFormat      string
	Hashes               [][]byte
	Documents            []Document
	ReturnValidationInfo bool
}

// SignatureTypeParams は署名方式の判定用項目を返す。
func (r *SignatureRequest) SignatureTypeParams() SignatureTypeParams {
	return SignatureTypeParams{
		SessionID:          r.SessionID,
		SignatureQualifier: r.SignatureQualifier,
		CredentialID:       r.CredentialID,
	}
}

// SignatureResult は署名結果を表す。
type SignatureResult struct {
	Signatures       [][]byte
	SignatureType    SignatureType
	CertificateChain [][]byte // ReturnValidationInfo 指定時のみ
}
