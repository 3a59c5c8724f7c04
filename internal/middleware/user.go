package middleware

import (
	"context"
	"net/http"
	"strings"
)

// UserIDHeader は前段の認証ゲートウェイが設定する利用者IDのヘッダー。
const UserIDHeader = "X-User-ID"

type ctxKey int

const (
	userIDKey ctxKey = iota
	accessTokenKey
)

// Caller は利用者IDとBearerトークンをコンテキストに格納する。トークンの検証は行わない。
func Caller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if userID := r.Header.Get(UserIDHeader); userID != "" {
			ctx = context.WithValue(ctx, userIDKey, userID)
		}
		if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
			ctx = context.WithValue(ctx, accessTokenKey, token)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID はコンテキストの利用者IDを返す。
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// AccessToken はコンテキストのアクセストークンを返す。
func AccessToken(ctx context.Context) string {
	v, _ := ctx.Value(accessTokenKey).(string)
	return v
}
