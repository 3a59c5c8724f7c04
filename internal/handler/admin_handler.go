package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"remote-signing-service/internal/domain"
	"remote-signing-service/internal/usecase"
	"remote-signing-service/pkg/httputil"
)

// PoolManager は鍵プールの状態参照と補充のインターフェース。
type PoolManager interface {
	Status(ctx context.Context) ([]usecase.PoolStatus, error)
	Replenish(ctx context.Context) []usecase.ReplenishResult
}

// SessionCleaner は期限切れセッションの削除のインターフェース。
type SessionCleaner interface {
	CleanupExpiredSessions(ctx context.Context, retention time.Duration) (cleaned, failed int, err error)
}

// OrphanFinder はHSMにだけ残った鍵を探すインターフェース。
type OrphanFinder interface {
	Usage() domain.KeyUsage
	FindOrphanedKeys(ctx context.Context, partitionID int) ([]domain.KeyInfo, error)
}

// CRLSource は証明書失効リストを生成するインターフェース。
type CRLSource interface {
	CreateCRL(ctx context.Context, number int64, nextUpdate time.Duration) ([]byte, error)
}

// CRLの次回更新までの期間
const crlNextUpdate = 24 * time.Hour

// AdminHandler は運用向けAPIのハンドラ。
type AdminHandler struct {
	pools     PoolManager
	sessions  SessionCleaner
	orphans   []OrphanFinder
	crl       CRLSource
	retention time.Duration
}

// NewAdminHandler は新しいAdminHandlerを生成する。crlはnilでもよい。
func NewAdminHandler(pools PoolManager, sessions SessionCleaner, retention time.Duration, crl CRLSource, orphans ...OrphanFinder) *AdminHandler {
	return &AdminHandler{
		pools:     pools,
		sessions:  sessions,
		orphans:   orphans,
		crl:       crl,
		retention: retention,
	}
}

// PoolStatusResponse はプール状態のレスポンス形式。
type PoolStatusResponse struct {
	Partition   string `json:"partition"`
	PartitionID int    `json:"partitionId"`
	Algorithm   string `json:"algorithm"`
	Usage       string `json:"usage"`
	Desired     int    `json:"desired"`
	Usable      int    `json:"usable"`
	Total       int    `json:"total"`
}

// ReplenishResponse はプール補充結果のレスポンス形式。
type ReplenishResponse struct {
	Partition    string `json:"partition"`
	Algorithm    string `json:"algorithm"`
	Usage        string `json:"usage"`
	UsableBefore int    `json:"usableBefore"`
	Requested    int    `json:"requested"`
	Generated    int    `json:"generated"`
	Error        string `json:"error,omitempty"`
}

// CleanupResponse は削除処理の結果のレスポンス形式。
type CleanupResponse struct {
	Cleaned int `json:"cleaned"`
	Failed  int `json:"failed"`
}

// OrphanedKeyResponse はHSMにだけ残った鍵のレスポンス形式。
type OrphanedKeyResponse struct {
	Alias     string `json:"alias"`
	Usage     string `json:"usage"`
	Algorithm string `json:"algorithm"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// GetPoolStatus は全プールの鍵数を返す。
func (h *AdminHandler) GetPoolStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.pools.Status(r.Context())
	if err != nil {
		writeError(r.Context(), w, "GET_POOL_STATUS", err)
		return
	}

	resp := make([]PoolStatusResponse, len(statuses))
	for i, s := range statuses {
		resp[i] = PoolStatusResponse{
			Partition:   s.Partition,
			PartitionID: s.PartitionID,
			Algorithm:   s.Algorithm,
			Usage:       string(s.Usage),
			Desired:     s.Desired,
			Usable:      s.Usable,
			Total:       s.Total,
		}
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// ReplenishPools は全プールを補充する。プールごとの失敗は結果に含めて返す。
func (h *AdminHandler) ReplenishPools(w http.ResponseWriter, r *http.Request) {
	results := h.pools.Replenish(r.Context())

	resp := make([]ReplenishResponse, len(results))
	for i, res := range results {
		resp[i] = ReplenishResponse{
			Partition:    res.Partition,
			Algorithm:    res.Algorithm,
			Usage:        string(res.Usage),
			UsableBefore: res.UsableBefore,
			Requested:    res.Requested,
			Generated:    res.Generated,
		}
		if res.Err != nil {
			resp[i].Error = res.Err.Error()
		}
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// CleanupSessions は保持期間を過ぎた期限切れセッションを削除する。
func (h *AdminHandler) CleanupSessions(w http.ResponseWriter, r *http.Request) {
	cleaned, failed, err := h.sessions.CleanupExpiredSessions(r.Context(), h.retention)
	if err != nil {
		writeError(r.Context(), w, "CLEANUP_SESSIONS", err)
		return
	}
	httputil.JSON(w, http.StatusOK, CleanupResponse{Cleaned: cleaned, Failed: failed})
}

// ListOrphanedKeys はパーティション内でDBに記録のないプール鍵を返す。
func (h *AdminHandler) ListOrphanedKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	partitionID, err := strconv.Atoi(chi.URLParam(r, "partition_id"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid_request", "invalid partition id")
		return
	}

	resp := []OrphanedKeyResponse{}
	for _, finder := range h.orphans {
		keys, err := finder.FindOrphanedKeys(ctx, partitionID)
		if err != nil {
			writeError(ctx, w, "LIST_ORPHANED_KEYS", err)
			return
		}
		for _, k := range keys {
			item := OrphanedKeyResponse{Alias: k.Alias, Usage: string(finder.Usage()), Algorithm: k.Algorithm}
			if !k.CreatedAt.IsZero() {
				item.CreatedAt = k.CreatedAt.Format(time.RFC3339)
			}
			resp = append(resp, item)
		}
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// GetCRL は証明書失効リストをDERで返す。番号は生成時刻から決める。
func (h *AdminHandler) GetCRL(w http.ResponseWriter, r *http.Request) {
	if h.crl == nil {
		httputil.Error(w, http.StatusNotFound, "not_found", "CRL is not available")
		return
	}
	crl, err := h.crl.CreateCRL(r.Context(), time.Now().Unix(), crlNextUpdate)
	if err != nil {
		writeError(r.Context(), w, "GET_CRL", err)
		return
	}
	w.Header().Set("Content-Type", "application/pkix-crl")
	w.WriteHeader(http.StatusOK)
	w.Write(crl)
}
