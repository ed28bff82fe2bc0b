package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// BaaS
	SupabaseURL     string `env:"SUPABASE_URL,notEmpty"`
	SupabaseAnonKey string `env:"SUPABASE_ANON_KEY,notEmpty"`

	// Database（設定時はprofilesテーブルへ直接接続する）
	DatabaseURL string `env:"DATABASE_URL"`

	// OAuth
	OAuthProvider string `env:"OAUTH_PROVIDER" envDefault:"google"`

	// Session
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"15m"`
	WorkspaceTTL time.Duration `env:"WORKSPACE_TTL" envDefault:"24h"`

	// Gallery
	PhotosBucket    string        `env:"PHOTOS_BUCKET" envDefault:"photos"`
	AvatarsBucket   string        `env:"AVATARS_BUCKET" envDefault:"avatars"`
	SignedURLExpiry time.Duration `env:"SIGNED_URL_EXPIRY" envDefault:"60s"`
	GalleryPageSize int           `env:"GALLERY_PAGE_SIZE" envDefault:"100"`
	SignConcurrency int           `env:"SIGN_CONCURRENCY" envDefault:"10"`
	MaxUploadSize   int64         `env:"MAX_UPLOAD_SIZE" envDefault:"20971520"`

	// Rate Limit
	UploadRatePerMin int `env:"UPLOAD_RATE_PER_MIN" envDefault:"30"`

	// HTTP
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL,notEmpty"`

	// Cookie
	CookieSecure bool
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:5173"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := validateBaseURL("SUPABASE_URL", cfg.SupabaseURL); err != nil {
		return nil, err
	}
	if err := validateBaseURL("BASE_URL", cfg.BaseURL); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout <= 0 {
		return nil, fmt.Errorf("IDLE_TIMEOUT must be positive: %s", cfg.IdleTimeout)
	}
	if cfg.SignedURLExpiry < time.Second {
		return nil, fmt.Errorf("SIGNED_URL_EXPIRY must be at least 1s: %s", cfg.SignedURLExpiry)
	}

	cfg.SupabaseURL = strings.TrimRight(cfg.SupabaseURL, "/")
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	return cfg, nil
}

// validateBaseURL は値がhttpまたはhttpsの絶対URLであることを検証する。
func validateBaseURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s must be an absolute http(s) URL: %q", name, raw)
	}
	return nil
}
