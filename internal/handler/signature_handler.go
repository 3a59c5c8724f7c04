// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"remote-signing-service/internal/domain"
	"remote-signing-service/internal/middleware"
	"remote-signing-service/pkg/httputil"
)

// Signer は署名処理のインターフェース。
type Signer interface {
	SignHashes(ctx context.Context, req *domain.SignatureRequest) (*domain.SignatureResult, error)
	SignDocuments(ctx context.Context, req *domain.SignatureRequest) (*domain.SignatureResult, error)
}

// SignatureHandler は署名APIのハンドラ。
type SignatureHandler struct {
	signer Signer
}

// NewSignatureHandler は新しいSignatureHandlerを生成する。
func NewSignatureHandler(signer Signer) *SignatureHandler {
	return &SignatureHandler{signer: signer}
}

// signatureParams はsignHashとsignDocで共通の項目。
// SADはここでは検証せず、numSignaturesとclientDataを検証済みの値として扱う。
type signatureParams struct {
	CredentialID         string            `json:"credentialID"`
	SessionID            string            `json:"sessionID"`
	SignatureQualifier   string            `json:"signatureQualifier"`
	SAD                  string            `json:"SAD"`
	NumSignatures        int               `json:"numSignatures"`
	ClientData           map[string]string `json:"clientData"`
	SignAlgo             string            `json:"signAlgo"`
	HashAlgorithmOID     string            `json:"hashAlgorithmOID"`
	ReturnValidationInfo bool              `json:"returnValidationInfo"`
}

// SignHashRequest はsignHashのリクエスト形式。
type SignHashRequest struct {
	signatureParams
	Hashes []string `json:"hashes"`
}

// SignDocRequest はsignDocのリクエスト形式。
type SignDocRequest struct {
	signatureParams
	SignatureFormat string            `json:"signatureFormat"`
	Documents       []DocumentRequest `json:"documents"`
}

// DocumentRequest は署名対象の文書。
type DocumentRequest struct {
	Name     string `json:"name"`
	Document string `json:"document"`
}

// ValidationInfo は検証用の証明書チェーン（base64 DER）。
type ValidationInfo struct {
	Certificates []string `json:"certificates"`
}

// SignHashResponse はsignHashのレスポンス形式。
type SignHashResponse struct {
	Signatures     []string        `json:"signatures"`
	SignatureType  string          `json:"signatureType"`
	ValidationInfo *ValidationInfo `json:"validationInfo,omitempty"`
}

// SignDocResponse はsignDocのレスポンス形式。
type SignDocResponse struct {
	DocumentWithSignature []string        `json:"documentWithSignature"`
	SignatureType         string          `json:"signatureType"`
	ValidationInfo        *ValidationInfo `json:"validationInfo,omitempty"`
}

func (p signatureParams) toRequest(ctx context.Context) *domain.SignatureRequest {
	return &domain.SignatureRequest{
		SessionID:          p.SessionID,
		SignatureQualifier: p.SignatureQualifier,
		CredentialID:       p.CredentialID,
		UserID:             middleware.UserID(ctx),
		AccessToken:        middleware.AccessToken(ctx),
		SAD: domain.SignatureActivationData{
			NumSignatures: p.NumSignatures,
			ClientData:    p.ClientData,
		},
		SignAlgorithm:        p.SignAlgo,
		HashAlgorithm:        p.HashAlgorithmOID,
		ReturnValidationInfo: p.ReturnValidationInfo,
	}
}

func decodeBase64List(name string, values []string) ([][]byte, error) {
	out := make([][]byte, len(values))
	for i, v := range values {
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s[%d] is not valid base64", domain.ErrInvalidRequest, name, i)
		}
		out[i] = b
	}
	return out, nil
}

func encodeBase64List(values [][]byte) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = base64.StdEncoding.EncodeToString(v)
	}
	return out
}

func validationInfo(result *domain.SignatureResult) *ValidationInfo {
	if result.CertificateChain == nil {
		return nil
	}
	return &ValidationInfo{Certificates: encodeBase64List(result.CertificateChain)}
}

func (h *SignatureHandler) audit(ctx context.Context, op string, req *domain.SignatureRequest, count int, result *domain.SignatureResult, err error) {
	entry := middleware.AuditLog{
		Operation:    op,
		UserID:       req.UserID,
		CredentialID: req.CredentialID,
		SessionID:    req.SessionID,
		Count:        count,
		Result:       middleware.ResultSuccess,
	}
	if err != nil {
		entry.Result = middleware.ResultFailed
	} else {
		entry.SignatureType = string(result.SignatureType)
	}
	middleware.WriteAuditLog(ctx, entry)
}

// SignHash はハッシュ値に署名する。
func (h *SignatureHandler) SignHash(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body SignHashRequest
	if err := httputil.DecodeJSON(w, r, &body); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req := body.toRequest(ctx)
	hashes, err := decodeBase64List("hashes", body.Hashes)
	if err != nil {
		writeError(ctx, w, "SIGN_HASH", err)
		return
	}
	req.Hashes = hashes

	result, err := h.signer.SignHashes(ctx, req)
	h.audit(ctx, "SIGN_HASH", req, len(hashes), result, err)
	if err != nil {
		writeError(ctx, w, "SIGN_HASH", err)
		return
	}

	httputil.JSON(w, http.StatusOK, SignHashResponse{
		Signatures:     encodeBase64List(result.Signatures),
		SignatureType:  string(result.SignatureType),
		ValidationInfo: validationInfo(result),
	})
}

// SignDoc は文書に署名する。
func (h *SignatureHandler) SignDoc(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body SignDocRequest
	if err := httputil.DecodeJSON(w, r, &body); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req := body.toRequest(ctx)
	req.SignatureFormat = body.SignatureFormat
	for i, d := range body.Documents {
		content, err := base64.StdEncoding.DecodeString(d.Document)
		if err != nil {
			writeError(ctx, w, "SIGN_DOC", fmt.Errorf("%w: documents[%d] is not valid base64", domain.ErrInvalidRequest, i))
			return
		}
		req.Documents = append(req.Documents, domain.Document{Name: d.Name, Content: content})
	}

	result, err := h.signer.SignDocuments(ctx, req)
	h.audit(ctx, "SIGN_DOC", req, len(req.Documents), result, err)
	if err != nil {
		writeError(ctx, w, "SIGN_DOC", err)
		return
	}

	httputil.JSON(w, http.StatusOK, SignDocResponse{
		DocumentWithSignature: encodeBase64List(result.Signatures),
		SignatureType:         string(result.SignatureType),
		ValidationInfo:        validationInfo(result),
	})
}
