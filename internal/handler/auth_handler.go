package handler

import (
	"log/slog"
	"net/http"
)

const (
	pkceVerifierCookie = "pkce_verifier"
	pkceCookiePath     = "/auth"
	pkceCookieMaxAge   = 600 // 10分
)

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL      string // サインイン完了後のリダイレクト先（ブラウザアプリのURL）
	CookieDomain string
	CookieSecure bool
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	config AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{config: config}
}

// Login はOAuthフローを開始する。
// PKCE検証子をCookieに保存し、プロバイダーの認可画面へリダイレクトする。
// GET /auth/login?provider=google
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFromRequest(w, r)
	if !ok {
		return
	}

	redirectURL, verifier, err := ws.SignIn(r.URL.Query().Get("provider"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.setVerifierCookie(w, verifier, pkceCookieMaxAge)
	http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// 失敗はワークスペースのエラー状態に記録され、成功・失敗のどちらでもフロントエンドへリダイレクトする。
// GET /auth/callback?code=xxx
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	// 検証子は1回限り
	var verifier string
	if cookie, err := r.Cookie(pkceVerifierCookie); err == nil {
		verifier = cookie.Value
	}
	h.setVerifierCookie(w, "", -1)

	ws, ok := workspaceFromRequest(w, r)
	if !ok {
		return
	}

	if desc := r.URL.Query().Get("error_description"); desc != "" {
		slog.Warn("oauth provider returned error",
			slog.String("error", r.URL.Query().Get("error")),
			slog.String("description", desc),
		)
	}

	if err := ws.CompleteSignIn(r.Context(), r.URL.Query().Get("code"), verifier); err != nil {
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
	}

	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// Logout は明示的なサインアウトを行う。
// ワークスペース自体は破棄せず、未認証状態で再利用する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFromRequest(w, r)
	if !ok {
		return
	}

	if err := ws.SignOut(r.Context()); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) setVerifierCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     pkceVerifierCookie,
		Value:    value,
		Path:     pkceCookiePath,
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
