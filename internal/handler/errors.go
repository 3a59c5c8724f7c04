package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"remote-signing-service/internal/domain"
	"remote-signing-service/pkg/httputil"
)

// errorMappings はドメインエラーとHTTPステータス・エラーコードの対応。先頭から順に判定する。
var errorMappings = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrCredentialNotFound, http.StatusNotFound, "invalid_credential"},
	{domain.ErrSessionNotFound, http.StatusNotFound, "invalid_session"},
	{domain.ErrSessionExpired, http.StatusBadRequest, "expired_session"},
	{domain.ErrSignatureQualifierNotFound, http.StatusBadRequest, "invalid_signature_qualifier"},
	{domain.ErrSignatureQualifierMismatch, http.StatusBadRequest, "invalid_signature_qualifier"},
	{domain.ErrSessionAndCredentialMutuallyExclusive, http.StatusBadRequest, "invalid_request"},
	{domain.ErrMissingSignatureQualifier, http.StatusBadRequest, "invalid_request"},
	{domain.ErrMissingSignatureParameters, http.StatusBadRequest, "invalid_request"},
	{domain.ErrMultisignLimitExceeded, http.StatusBadRequest, "multisign_limit_exceeded"},
	{domain.ErrNoMatchingWorker, http.StatusBadRequest, "unsupported_algorithm"},
	{domain.ErrPartitionNotFound, http.StatusBadRequest, "invalid_request"},
	{domain.ErrPoolProfileNotFound, http.StatusBadRequest, "invalid_request"},
	{domain.ErrPatternRendering, http.StatusBadRequest, "invalid_request"},
	{domain.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{domain.ErrOperationNotSupported, http.StatusNotImplemented, "not_supported"},
	{domain.ErrNoUsableKey, http.StatusServiceUnavailable, "temporarily_unavailable"},
}

// writeError はエラーに対応するステータスでエラーレスポンスを返す。
// 想定外のエラーは詳細を返さずにログへ出力する。
func writeError(ctx context.Context, w http.ResponseWriter, operation string, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			httputil.Error(w, m.status, m.code, err.Error())
			return
		}
	}
	slog.ErrorContext(ctx, "request failed", "operation", operation, "error", err)
	httputil.Error(w, http.StatusInternalServerError, "server_error", "internal server error")
}
