package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"remote-signing-service/config"
	"remote-signing-service/internal/middleware"
)

// Handlers はルーターに登録するハンドラの組。
type Handlers struct {
	Signature  *SignatureHandler
	Credential *CredentialHandler
	Admin      *AdminHandler
}

// NewRouter はルーターを生成する。トレーシング有効時はリクエストをスパンとして記録する。
func NewRouter(h Handlers, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Caller)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// ルート定義
	r.Route("/csc/v2", func(r chi.Router) {
		r.Post("/signatures/signHash", h.Signature.SignHash)
		r.Post("/signatures/signDoc", h.Signature.SignDoc)

		r.Post("/credentials", h.Credential.CreateCredential)
		r.Post("/credentials/list", h.Credential.ListCredentials)
		r.Post("/credentials/info", h.Credential.GetCredentialInfo)
		r.Post("/credentials/{credential_id}/rekey", h.Credential.Rekey)
		r.Delete("/credentials/{credential_id}", h.Credential.DeleteCredential)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/key-pools", h.Admin.GetPoolStatus)
		r.Post("/key-pools/replenish", h.Admin.ReplenishPools)
		r.Get("/partitions/{partition_id}/orphaned-keys", h.Admin.ListOrphanedKeys)
		r.Post("/sessions/cleanup", h.Admin.CleanupSessions)
		r.Get("/crl", h.Admin.GetCRL)
	})

	if cfg.OtelEnabled {
		return otelhttp.NewHandler(r, cfg.OtelServiceName)
	}
	return r
}
