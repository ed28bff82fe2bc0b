// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/photodump/internal/model"
)

const workspaceCookieName = "workspace_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// workspaceContextKey はリクエストコンテキストにワークスペースを格納するためのキー。
var workspaceContextKey = contextKey("workspace")

// Workspace はミドルウェアが必要とするワークスペースの最小限のインターフェース。
// UserIDは未認証の場合に空文字列を返す。
type Workspace interface {
	ID() string
	UserID() string
}

// WorkspaceStore はワークスペースの検索と生成に必要なインターフェース。
type WorkspaceStore interface {
	// Lookup はIDに対応するワークスペースを返す。参照により有効期限が延長される。
	Lookup(id string) (Workspace, bool)
	// Create は新しいワークスペースを生成して登録する。
	Create() (Workspace, error)
}

// WorkspaceCookieConfig はワークスペースCookieの設定。
type WorkspaceCookieConfig struct {
	CookieSecure bool
	CookieDomain string
	MaxAge       int // 秒
}

// NewWorkspaceMiddleware はHTTP Only Cookieからワークスペースを読み取り、
// 存在する場合はリクエストコンテキストに注入するミドルウェアを返す。
// ワークスペースが無いリクエストもそのまま通過させる。
func NewWorkspaceMiddleware(store WorkspaceStore) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(workspaceCookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			ws, ok := store.Lookup(cookie.Value)
			if !ok {
				// 期限切れで破棄済みのワークスペース
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithWorkspace(r.Context(), ws)))
		})
	}
}

// NewEnsureWorkspaceMiddleware はワークスペースが無い場合に新規作成し、
// Cookieを設定するミドルウェアを返す。サインイン開始時に使用する。
func NewEnsureWorkspaceMiddleware(store WorkspaceStore, config WorkspaceCookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := WorkspaceFromContext(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}

			ws, err := store.Create()
			if err != nil {
				slog.Error("failed to create workspace", slog.String("error", err.Error()))
				WriteInternalServerError(w)
				return
			}

			http.SetCookie(w, &http.Cookie{
				Name:     workspaceCookieName,
				Value:    ws.ID(),
				Path:     "/",
				Domain:   config.CookieDomain,
				MaxAge:   config.MaxAge,
				HttpOnly: true,
				Secure:   config.CookieSecure,
				SameSite: http.SameSiteLaxMode,
			})

			next.ServeHTTP(w, r.WithContext(ContextWithWorkspace(r.Context(), ws)))
		})
	}
}

// RequireAuthenticated は認証済みワークスペースを必須とするミドルウェア。
// 未認証リクエストには401 Unauthorizedを返す。
func RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := UserIDFromContext(r.Context()); err != nil {
			WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WorkspaceFromContext はリクエストコンテキストからワークスペースを取得する。
func WorkspaceFromContext(ctx context.Context) (Workspace, bool) {
	ws, ok := ctx.Value(workspaceContextKey).(Workspace)
	return ws, ok && ws != nil
}

// ContextWithWorkspace はコンテキストにワークスペースを注入する。
// リクエストログ用のホルダーがあればそこにも記録する。
func ContextWithWorkspace(ctx context.Context, ws Workspace) context.Context {
	if h, ok := ctx.Value(requestLogContextKey).(*requestLog); ok {
		h.workspace = ws
	}
	return context.WithValue(ctx, workspaceContextKey, ws)
}

// UserIDFromContext はリクエストコンテキストのワークスペースから認証済みユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	ws, ok := WorkspaceFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("workspace not found in context")
	}
	userID := ws.UserID()
	if userID == "" {
		return "", fmt.Errorf("workspace is not authenticated")
	}
	return userID, nil
}
