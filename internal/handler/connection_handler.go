package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/calsync/internal/connection"
	"github.com/hitoshi/calsync/internal/middleware"
	"github.com/hitoshi/calsync/internal/model"
)

// ConnectionServiceInterface は接続ハンドラーが必要とするサービスインターフェース。
type ConnectionServiceInterface interface {
	// BeginOAuth はOAuth接続フローを開始し、認可URLを返す。
	BeginOAuth(userID string, p model.Provider, label string) (string, error)
	// CompleteOAuth は認可コードを交換して接続を作成する。
	CompleteOAuth(ctx context.Context, state, code string) (*model.CalendarConnection, error)
	// ConnectCalDAV はCalDAV系の接続を検証のうえ作成する。
	ConnectCalDAV(ctx context.Context, userID string, p model.Provider, input connection.CalDAVInput) (*model.CalendarConnection, error)
	// List はユーザーの全接続を返す。
	List(ctx context.Context, userID string) ([]*model.CalendarConnection, error)
	// Get は接続1件を取得する。
	Get(ctx context.Context, userID, connectionID string) (*model.CalendarConnection, error)
	// SetSyncEnabled は同期フラグを更新する。
	SetSyncEnabled(ctx context.Context, userID, connectionID string, enabled bool) error
	// Remove は接続を削除する。プロバイダー側の取り消しはベストエフォート。
	Remove(ctx context.Context, userID, connectionID string) error
	// TokenStatus はトークン状態のビューを返す。
	TokenStatus(ctx context.Context, userID, connectionID string) (model.TokenStatus, error)
	// RefreshNow は手動リフレッシュを実行し、失敗は即座に返す。
	RefreshNow(ctx context.Context, userID, connectionID string) (model.TokenStatus, error)
}

// ConnectionHandler はカレンダー接続管理のHTTPハンドラー。
type ConnectionHandler struct {
	service ConnectionServiceInterface
}

// NewConnectionHandler はConnectionHandlerを生成する。
func NewConnectionHandler(service ConnectionServiceInterface) *ConnectionHandler {
	return &ConnectionHandler{service: service}
}

// beginOAuthRequest はOAuth接続開始リクエストのボディ。
type beginOAuthRequest struct {
	Provider string `json:"provider"`
	Label    string `json:"label"`
}

// connectCalDAVRequest はCalDAV接続リクエストのボディ。
type connectCalDAVRequest struct {
	Provider     string `json:"provider"`
	URL          string `json:"url"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	CalendarName string `json:"calendar_name"`
	Label        string `json:"label"`
}

// setSyncEnabledRequest は同期フラグ更新リクエストのボディ。
type setSyncEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// connectionResponse は接続情報のAPIレスポンス。認証情報は含めない。
type connectionResponse struct {
	ID           string `json:"id"`
	Provider     string `json:"provider"`
	AccountEmail string `json:"account_email"`
	Label        string `json:"label"`
	IsPrimary    bool   `json:"is_primary"`
	SyncEnabled  bool   `json:"sync_enabled"`
	NeedsReauth  bool   `json:"needs_reauth"`
	LastSyncedAt string `json:"last_synced_at,omitempty"`
}

// tokenStatusResponse はトークン状態のAPIレスポンス。
type tokenStatusResponse struct {
	ConnectionID       string `json:"connection_id"`
	Provider           string `json:"provider"`
	IsExpired          bool   `json:"is_expired"`
	NeedsRefresh       bool   `json:"needs_refresh"`
	NeedsReauth        bool   `json:"needs_reauth"`
	TimeUntilExpirySec int64  `json:"time_until_expiry_sec"`
	RefreshCount       int    `json:"refresh_count"`
	LastRefreshedAt    string `json:"last_refreshed_at,omitempty"`
}

// BeginOAuth はOAuth接続フローを開始する。
// POST /api/connections/oauth
func (h *ConnectionHandler) BeginOAuth(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req beginOAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	authURL, err := h.service.BeginOAuth(userID, model.Provider(req.Provider), req.Label)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"auth_url": authURL})
}

// CompleteOAuth はプロバイダーからのリダイレクトを処理して接続を作成する。
// GET /api/connections/oauth/callback
func (h *ConnectionHandler) CompleteOAuth(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "stateとcodeが必要です。",
			Category: "validation",
			Action:   "接続フローを最初からやり直してください。",
		})
		return
	}

	conn, err := h.service.CompleteOAuth(r.Context(), state, code)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toConnectionResponse(conn))
}

// ConnectCalDAV はCalDAV系の接続を作成する。
// POST /api/connections/caldav
func (h *ConnectionHandler) ConnectCalDAV(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req connectCalDAVRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	conn, err := h.service.ConnectCalDAV(r.Context(), userID, model.Provider(req.Provider), connection.CalDAVInput{
		URL:          req.URL,
		Username:     req.Username,
		Password:     req.Password,
		CalendarName: req.CalendarName,
		Label:        req.Label,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toConnectionResponse(conn))
}

// List はユーザーの接続一覧を返す。
// GET /api/connections
func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	conns, err := h.service.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	responses := make([]connectionResponse, 0, len(conns))
	for _, conn := range conns {
		responses = append(responses, toConnectionResponse(conn))
	}
	writeJSON(w, http.StatusOK, responses)
}

// Get は接続1件の詳細を返す。
// GET /api/connections/:id
func (h *ConnectionHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	conn, err := h.service.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toConnectionResponse(conn))
}

// SetSyncEnabled は同期フラグを更新する。
// PATCH /api/connections/:id/sync
func (h *ConnectionHandler) SetSyncEnabled(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req setSyncEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	if err := h.service.SetSyncEnabled(r.Context(), userID, chi.URLParam(r, "id"), req.Enabled); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Remove は接続を削除する。
// DELETE /api/connections/:id
func (h *ConnectionHandler) Remove(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	if err := h.service.Remove(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TokenStatus はトークン状態を返す。
// GET /api/connections/:id/token
func (h *ConnectionHandler) TokenStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	status, err := h.service.TokenStatus(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTokenStatusResponse(status))
}

// RefreshNow は手動リフレッシュを実行する。
// POST /api/connections/:id/refresh
func (h *ConnectionHandler) RefreshNow(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	status, err := h.service.RefreshNow(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTokenStatusResponse(status))
}

func toConnectionResponse(conn *model.CalendarConnection) connectionResponse {
	resp := connectionResponse{
		ID:           conn.ID,
		Provider:     string(conn.Provider),
		AccountEmail: conn.AccountEmail,
		Label:        conn.Label,
		IsPrimary:    conn.IsPrimary,
		SyncEnabled:  conn.SyncEnabled,
		NeedsReauth:  conn.NeedsReauth,
	}
	if !conn.LastSyncedAt.IsZero() {
		resp.LastSyncedAt = conn.LastSyncedAt.Format(time.RFC3339)
	}
	return resp
}

func toTokenStatusResponse(status model.TokenStatus) tokenStatusResponse {
	resp := tokenStatusResponse{
		ConnectionID:       status.ConnectionID,
		Provider:           string(status.Provider),
		IsExpired:          status.IsExpired,
		NeedsRefresh:       status.NeedsRefresh,
		NeedsReauth:        status.NeedsReauth,
		TimeUntilExpirySec: int64(status.TimeUntilExpiry.Seconds()),
		RefreshCount:       status.RefreshCount,
	}
	if !status.LastRefreshedAt.IsZero() {
		resp.LastRefreshedAt = status.LastRefreshedAt.Format(time.RFC3339)
	}
	return resp
}
