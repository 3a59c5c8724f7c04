// Package middleware はHTTPミドルウェアと監査ログを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// 監査ログの結果
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// AuditLog は署名・資格情報操作の監査ログ。
type AuditLog struct {
	Operation     string `json:"operation"`
	UserID        string `json:"user_id,omitempty"`
	CredentialID  string `json:"credential_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	SignatureType string `json:"signature_type,omitempty"`
	Count         int    `json:"count,omitempty"`
	Result        string `json:"result"`
}

// WriteAuditLog は監査ログを出力する。
func WriteAuditLog(ctx context.Context, entry AuditLog) {
	attrs := []any{
		"operation", entry.Operation,
		"result", entry.Result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	}
	if entry.UserID != "" {
		attrs = append(attrs, "user_id", entry.UserID)
	}
	if entry.CredentialID != "" {
		attrs = append(attrs, "credential_id", entry.CredentialID)
	}
	if entry.SessionID != "" {
		attrs = append(attrs, "session_id", entry.SessionID)
	}
	if entry.SignatureType != "" {
		attrs = append(attrs, "signature_type", entry.SignatureType)
	}
	if entry.Count > 0 {
		attrs = append(attrs, "count", entry.Count)
	}
	slog.InfoContext(ctx, "audit", attrs...)
}
