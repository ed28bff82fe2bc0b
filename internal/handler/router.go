package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/photodump/internal/middleware"
)

// HealthChecker はヘルスチェックで疎通を確認する依存先。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	StatusRecorder    middleware.HTTPStatusRecorder
	Workspaces        middleware.WorkspaceStore
	WorkspaceCookie   middleware.WorkspaceCookieConfig
	CSRFConfig        middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 運用
	HealthChecker  HealthChecker // nilの場合は常に正常を返す
	MetricsHandler http.Handler  // nilの場合は/metricsを公開しない

	// ハンドラー
	AuthConfig    AuthHandlerConfig
	ImageFetcher  ImageFetcher
	Sanitizer     DisplayNameSanitizer
	PhotoConfig   PhotoHandlerConfig
	ProfileConfig ProfileHandlerConfig
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Workspace → CSRF
//
// 認証が必要なルートにはRequireAuthenticatedと一般レート制限を追加し、
// アップロード系のルートにはさらにアップロード用のレート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthConfig)
	stateHandler := NewStateHandler()
	photoHandler := NewPhotoHandler(deps.ImageFetcher, deps.PhotoConfig)
	profileHandler := NewProfileHandler(deps.Sanitizer, deps.ProfileConfig)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewWorkspaceMiddleware(deps.Workspaces))

		// 認証ルート（OAuthフロー）
		r.Route("/auth", func(r chi.Router) {
			r.With(middleware.NewEnsureWorkspaceMiddleware(deps.Workspaces, deps.WorkspaceCookie)).
				Get("/login", authHandler.Login)
			r.Get("/callback", authHandler.Callback)
			r.With(middleware.NewCSRFMiddleware(deps.CSRFConfig), middleware.RequireAuthenticated).
				Post("/logout", authHandler.Logout)
		})

		r.Route("/api", func(r chi.Router) {
			r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

			// 未認証でも参照できるルート
			r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))
			r.Get("/state", stateHandler.State)

			// --- 認証が必要なルート ---
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAuthenticated)
				r.Use(deps.RateLimiter.GeneralMiddleware())

				r.Post("/activity", stateHandler.Activity)

				r.Route("/photos", func(r chi.Router) {
					r.Get("/", photoHandler.ListPhotos)
					r.With(deps.RateLimiter.UploadMiddleware()).Post("/", photoHandler.UploadPhotos)

					r.Route("/{id}", func(r chi.Router) {
						r.Delete("/", photoHandler.DeletePhoto)
						r.Get("/content", photoHandler.PhotoContent)
					})
				})

				r.Route("/profile", func(r chi.Router) {
					r.Put("/display-name", profileHandler.UpdateDisplayName)
					r.With(deps.RateLimiter.UploadMiddleware()).Put("/avatar", profileHandler.UpdateAvatar)
				})
			})
		})
	})

	return r
}

// healthHandler はヘルスチェックのハンドラーを返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
