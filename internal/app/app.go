package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/photodump/internal/auth"
	"github.com/hitoshi/photodump/internal/config"
	"github.com/hitoshi/photodump/internal/database"
	"github.com/hitoshi/photodump/internal/gallery"
	"github.com/hitoshi/photodump/internal/handler"
	"github.com/hitoshi/photodump/internal/logger"
	"github.com/hitoshi/photodump/internal/metrics"
	"github.com/hitoshi/photodump/internal/middleware"
	"github.com/hitoshi/photodump/internal/profile"
	"github.com/hitoshi/photodump/internal/repository"
	"github.com/hitoshi/photodump/internal/security"
	"github.com/hitoshi/photodump/internal/storage"
	"github.com/hitoshi/photodump/internal/supabase"
)

// callbackPath はOAuthプロバイダーからのリダイレクトを受け取るパス。
const callbackPath = "/auth/callback"

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルを反映する
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. メトリクス
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// 2. BaaSクライアント（レイテンシを計測する）
	endpoint := supabase.Endpoint{BaseURL: cfg.SupabaseURL, AnonKey: cfg.SupabaseAnonKey}
	httpClient := &http.Client{
		Timeout:   cfg.HTTPTimeout,
		Transport: collector.InstrumentTransport(http.DefaultTransport),
	}

	// 3. プロフィールの保存先（DATABASE_URL設定時はPostgreSQLへ直接接続する）
	var db *sql.DB
	newProfiles := func(tokens repository.TokenSource) repository.ProfileRepository {
		return repository.NewRESTProfileRepo(endpoint, httpClient, tokens)
	}
	if cfg.DatabaseURL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, err := database.Connect(connectCtx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer conn.Close()
		db = conn
		profiles := repository.NewPostgresProfileRepo(db)
		newProfiles = func(repository.TokenSource) repository.ProfileRepository { return profiles }
		slog.Info("database connection established",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
	}

	// 4. ワークスペース
	factory := &WorkspaceFactory{
		Provider: auth.NewBaaSProvider(endpoint, httpClient),
		AuthConfig: auth.ServiceConfig{
			Provider:    cfg.OAuthProvider,
			RedirectURL: cfg.BaseURL + callbackPath,
		},
		NewStorage: func(tokens storage.TokenSource) repository.ObjectStorage {
			return storage.NewClient(endpoint, tokens, slog.Default())
		},
		NewProfiles: newProfiles,
		Gallery: gallery.Config{
			Bucket:          cfg.PhotosBucket,
			PageSize:        cfg.GalleryPageSize,
			SignedURLExpiry: cfg.SignedURLExpiry,
			SignConcurrency: cfg.SignConcurrency,
		},
		Profile:     profile.Config{AvatarBucket: cfg.AvatarsBucket},
		IdleTimeout: cfg.IdleTimeout,
		Metrics:     collector,
		Logger:      slog.Default(),
	}
	registry := NewRegistry(factory.New, RegistryConfig{TTL: cfg.WorkspaceTTL}, collector, slog.Default())
	defer registry.Shutdown()

	// 5. セキュリティ
	guard := security.NewSSRFGuard()
	fetcher := security.NewImageFetcher(guard, cfg.HTTPTimeout, cfg.MaxUploadSize)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.DefaultRateLimiterConfig().WithUploadPerMinute(cfg.UploadRatePerMin),
	)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:         slog.Default(),
		StatusRecorder: collector,
		Workspaces:     registry,
		WorkspaceCookie: middleware.WorkspaceCookieConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
			MaxAge:       int(cfg.WorkspaceTTL / time.Second),
		},
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		MetricsHandler:    metrics.Handler(reg),
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:      cfg.BaseURL,
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
		},
		ImageFetcher:  fetcher,
		Sanitizer:     security.NewDisplayNameSanitizer(),
		PhotoConfig:   handler.PhotoHandlerConfig{MaxUploadSize: cfg.MaxUploadSize},
		ProfileConfig: handler.ProfileHandlerConfig{MaxAvatarSize: cfg.MaxUploadSize},
	}
	if db != nil {
		deps.HealthChecker = db
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.HTTPTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrate")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
