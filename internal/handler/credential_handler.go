package handler

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"remote-signing-service/internal/domain"
	"remote-signing-service/internal/middleware"
	"remote-signing-service/internal/usecase"
	"remote-signing-service/pkg/httputil"
)

// CredentialManager は長期資格情報の管理のインターフェース。
type CredentialManager interface {
	CreateCredential(ctx context.Context, in usecase.CreateCredentialInput) (*domain.CredentialMetadata, error)
	GetCredential(ctx context.Context, id string) (*domain.CredentialMetadata, error)
	ListCredentials(ctx context.Context, userID string) ([]*domain.CredentialMetadata, error)
	Rekey(ctx context.Context, id string, in usecase.RekeyInput) (*domain.CredentialMetadata, error)
	DeleteCredential(ctx context.Context, id string) error
}

// CredentialHandler は資格情報APIのハンドラ。
type CredentialHandler struct {
	credentials CredentialManager
}

// NewCredentialHandler は新しいCredentialHandlerを生成する。
func NewCredentialHandler(credentials CredentialManager) *CredentialHandler {
	return &CredentialHandler{credentials: credentials}
}

// CreateCredentialRequest は資格情報作成のリクエスト形式。
type CreateCredentialRequest struct {
	PartitionID        int               `json:"partitionId"`
	KeyAlgorithm       string            `json:"keyAlgorithm"`
	KeySpec            string            `json:"keySpec"`
	SignatureQualifier string            `json:"signatureQualifier"`
	Description        string            `json:"description"`
	ClientData         map[string]string `json:"clientData"`
}

// RekeyRequest は鍵更新のリクエスト形式。省略した項目は現在の値を引き継ぐ。
type RekeyRequest struct {
	PartitionID  int               `json:"partitionId"`
	KeyAlgorithm string            `json:"keyAlgorithm"`
	KeySpec      string            `json:"keySpec"`
	ClientData   map[string]string `json:"clientData"`
}

// CredentialInfoRequest は資格情報参照のリクエスト形式。
type CredentialInfoRequest struct {
	CredentialID string `json:"credentialID"`
	Certificates string `json:"certificates"` // none | single | chain
}

// CredentialInfoResponse は資格情報のレスポンス形式。
type CredentialInfoResponse struct {
	CredentialID       string   `json:"credentialID"`
	Description        string   `json:"description,omitempty"`
	SignatureQualifier string   `json:"signatureQualifier,omitempty"`
	Key                KeyInfo  `json:"key"`
	Cert               CertInfo `json:"cert"`
	Multisign          int      `json:"multisign"`
	CreatedAt          string   `json:"createdAt"`
	UpdatedAt          string   `json:"updatedAt"`
}

// KeyInfo は資格情報の鍵の情報。
type KeyInfo struct {
	Status    string `json:"status"`
	Algorithm string `json:"algo"`
	Spec      string `json:"spec"`
	Partition int    `json:"partitionId"`
}

// CertInfo は資格情報の証明書の情報。
type CertInfo struct {
	SerialNumber string   `json:"serialNumber"`
	IssuerDN     string   `json:"issuerDN"`
	Certificates []string `json:"certificates,omitempty"`
}

// CredentialListResponse は資格情報一覧のレスポンス形式。
type CredentialListResponse struct {
	CredentialIDs []string `json:"credentialIDs"`
}

func toCredentialInfo(c *domain.CredentialMetadata, certificates string) CredentialInfoResponse {
	resp := CredentialInfoResponse{
		CredentialID:       c.ID,
		Description:        c.Description,
		SignatureQualifier: c.SignatureQualifier,
		Key: KeyInfo{
			Status:    "enabled",
			Algorithm: c.KeyAlgorithm,
			Spec:      c.KeySpec,
			Partition: c.PartitionID,
		},
		Cert: CertInfo{
			SerialNumber: c.CertificateSerial,
			IssuerDN:     c.IssuerDN,
		},
		Multisign: c.MultisignLimit,
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
		UpdatedAt: c.UpdatedAt.Format(time.RFC3339),
	}
	switch certificates {
	case "none":
	case "chain":
		resp.Cert.Certificates = encodeBase64List(c.CertificateChain)
	default:
		if len(c.CertificateChain) > 0 {
			resp.Cert.Certificates = []string{base64.StdEncoding.EncodeToString(c.CertificateChain[0])}
		}
	}
	return resp
}

// CreateCredential は鍵を生成して証明書を発行し、長期資格情報として保存する。
func (h *CredentialHandler) CreateCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.UserID(ctx)

	var body CreateCredentialRequest
	if err := httputil.DecodeJSON(w, r, &body); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	cred, err := h.credentials.CreateCredential(ctx, usecase.CreateCredentialInput{
		PartitionID:        body.PartitionID,
		Algorithm:          body.KeyAlgorithm,
		KeySpec:            body.KeySpec,
		SignatureQualifier: body.SignatureQualifier,
		UserID:             userID,
		Description:        body.Description,
		AccessToken:        middleware.AccessToken(ctx),
		ClientData:         body.ClientData,
	})
	if err != nil {
		middleware.WriteAuditLog(ctx, middleware.AuditLog{Operation: "CREATE_CREDENTIAL", UserID: userID, Result: middleware.ResultFailed})
		writeError(ctx, w, "CREATE_CREDENTIAL", err)
		return
	}

	middleware.WriteAuditLog(ctx, middleware.AuditLog{Operation: "CREATE_CREDENTIAL", UserID: userID, CredentialID: cred.ID, Result: middleware.ResultSuccess})
	httputil.JSON(w, http.StatusCreated, toCredentialInfo(cred, "chain"))
}

// ListCredentials は利用者の資格情報ID一覧を返す。
func (h *CredentialHandler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.UserID(ctx)
	if userID == "" {
		httputil.Error(w, http.StatusBadRequest, "invalid_request", "missing user id")
		return
	}

	creds, err := h.credentials.ListCredentials(ctx, userID)
	if err != nil {
		writeError(ctx, w, "LIST_CREDENTIALS", err)
		return
	}

	resp := CredentialListResponse{CredentialIDs: make([]string, len(creds))}
	for i, c := range creds {
		resp.CredentialIDs[i] = c.ID
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// GetCredentialInfo は資格情報の鍵と証明書の情報を返す。
func (h *CredentialHandler) GetCredentialInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body CredentialInfoRequest
	if err := httputil.DecodeJSON(w, r, &body); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if body.CredentialID == "" {
		httputil.Error(w, http.StatusBadRequest, "invalid_request", "missing credentialID")
		return
	}

	cred, err := h.credentials.GetCredential(ctx, body.CredentialID)
	if err != nil {
		writeError(ctx, w, "GET_CREDENTIAL_INFO", err)
		return
	}
	httputil.JSON(w, http.StatusOK, toCredentialInfo(cred, body.Certificates))
}

// Rekey は資格情報の鍵と証明書を更新する。
func (h *CredentialHandler) Rekey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "credential_id")
	userID := middleware.UserID(ctx)

	var body RekeyRequest
	if err := httputil.DecodeJSON(w, r, &body); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	cred, err := h.credentials.Rekey(ctx, id, usecase.RekeyInput{
		PartitionID: body.PartitionID,
		Algorithm:   body.KeyAlgorithm,
		KeySpec:     body.KeySpec,
		AccessToken: middleware.AccessToken(ctx),
		ClientData:  body.ClientData,
	})
	if err != nil {
		middleware.WriteAuditLog(ctx, middleware.AuditLog{Operation: "REKEY_CREDENTIAL", UserID: userID, CredentialID: id, Result: middleware.ResultFailed})
		writeError(ctx, w, "REKEY_CREDENTIAL", err)
		return
	}

	middleware.WriteAuditLog(ctx, middleware.AuditLog{Operation: "REKEY_CREDENTIAL", UserID: userID, CredentialID: id, Result: middleware.ResultSuccess})
	httputil.JSON(w, http.StatusOK, toCredentialInfo(cred, "chain"))
}

// DeleteCredential は証明書を失効させ、鍵と資格情報を削除する。
func (h *CredentialHandler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "credential_id")
	userID := middleware.UserID(ctx)

	if err := h.credentials.DeleteCredential(ctx, id); err != nil {
		middleware.WriteAuditLog(ctx, middleware.AuditLog{Operation: "DELETE_CREDENTIAL", UserID: userID, CredentialID: id, Result: middleware.ResultFailed})
		writeError(ctx, w, "DELETE_CREDENTIAL", err)
		return
	}

	middleware.WriteAuditLog(ctx, middleware.AuditLog{Operation: "DELETE_CREDENTIAL", UserID: userID, CredentialID: id, Result: middleware.ResultSuccess})
	w.WriteHeader(http.StatusNoContent)
}
