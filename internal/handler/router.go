package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/calsync/internal/middleware"
)

// HealthChecker はヘルスチェックでのDB疎通確認に使うインターフェース。
type HealthChecker interface {
	Ping() error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 運用エンドポイント
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 接続管理
	ConnectionService ConnectionServiceInterface

	// 空き状況
	AvailabilityService AvailabilityServiceInterface

	// イベント書き込み
	EventService EventServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORSMiddleware → IdentityMiddleware → RateLimitMiddleware(GeneralMiddleware)
//
// OAuthコールバックはプロバイダーからのリダイレクトで届くため、
// 識別ヘッダーを要求するチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	// CORS ミドルウェアを最上位に適用（全ルートに効く）
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	connHandler := NewConnectionHandler(deps.ConnectionService)
	availHandler := NewAvailabilityHandler(deps.AvailabilityService)
	eventHandler := NewEventHandler(deps.EventService)

	// --- 識別ヘッダー不要のルート ---

	// ヘルスチェック（DB疎通を含む）
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if deps.HealthChecker != nil {
			if err := deps.HealthChecker.Ping(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Prometheusスクレイプ
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// OAuthコールバック（stateで接続フローと突き合わせる）
	r.Get("/api/connections/oauth/callback", connHandler.CompleteOAuth)

	// --- 識別ヘッダーが必要なルート ---
	// ミドルウェアスタック: Identity → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware())
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 接続管理
		r.Route("/api/connections", func(r chi.Router) {
			r.Get("/", connHandler.List)
			r.Post("/oauth", connHandler.BeginOAuth)
			r.Post("/caldav", connHandler.ConnectCalDAV)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", connHandler.Get)
				r.Delete("/", connHandler.Remove)
				r.Patch("/sync", connHandler.SetSyncEnabled)
				r.Get("/token", connHandler.TokenStatus)
				r.Post("/refresh", connHandler.RefreshNow)
			})
		})

		// 空き状況照会
		r.Get("/api/availability", availHandler.Query)

		// イベント書き込み（書き込み専用レート制限を追加）
		r.Route("/api/events", func(r chi.Router) {
			r.With(deps.RateLimiter.MutationMiddleware()).Post("/", eventHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.With(deps.RateLimiter.MutationMiddleware()).Put("/", eventHandler.Update)
				r.With(deps.RateLimiter.MutationMiddleware()).Delete("/", eventHandler.Delete)
			})
		})
	})

	return r
}
