// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/photodump/internal/middleware"
	"github.com/hitoshi/photodump/internal/model"
	"github.com/hitoshi/photodump/internal/profile"
	"github.com/hitoshi/photodump/internal/security"
)

// Workspace はハンドラーが必要とするワークスペースのインターフェース。
// 各操作は開始時にエラー状態をクリアし、失敗時にエラー状態へ記録する。
type Workspace interface {
	middleware.Workspace

	// SignIn はOAuthサインインを開始し、リダイレクト先URLとPKCE検証子を返す。
	SignIn(provider string) (redirectURL, verifier string, err error)
	// CompleteSignIn は認可コードをセッションに交換する。
	CompleteSignIn(ctx context.Context, code, verifier string) error
	// SignOut は明示的なサインアウトを行う。
	SignOut(ctx context.Context) error
	// RecordActivity はユーザー操作を記録してアイドルタイマーをリセットする。
	RecordActivity(event string) error
	// Snapshot は現在の表示状態を返す。
	Snapshot() model.WorkspaceState

	// Images は現在のギャラリーのスナップショットを返す。
	Images() []model.ImageEntry
	// Refresh はギャラリーをリモートから再読み込みする。
	Refresh(ctx context.Context) ([]model.ImageEntry, error)
	// Upload は画像をアップロードし、再読み込み後のギャラリーを返す。
	Upload(ctx context.Context, files []model.File) ([]model.ImageEntry, error)
	// Delete は画像を削除する。確認が無い、または同じ画像の削除が実行中の場合はfalseを返す。
	Delete(ctx context.Context, imageID string, confirmed bool) (bool, error)
	// ImageURL は画像に新しい署名付きURLを発行する。
	ImageURL(ctx context.Context, imageID string) (string, error)

	// UpdateDisplayName は表示名を更新する。
	UpdateDisplayName(ctx context.Context, name string) (*model.Profile, error)
	// UpdateAvatar はアバター画像を更新する。
	UpdateAvatar(ctx context.Context, file model.File) (*model.Profile, error)
}

// ImageFetcher は署名付きURLから画像を取得するインターフェース。
type ImageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*security.Image, error)
}

// DisplayNameSanitizer は表示名を無害化するインターフェース。
type DisplayNameSanitizer interface {
	Sanitize(raw string) string
}

// workspaceFromRequest はリクエストコンテキストからワークスペースを取り出す。
// 見つからない場合は401を書き込みfalseを返す。
func workspaceFromRequest(w http.ResponseWriter, r *http.Request) (Workspace, bool) {
	mw, ok := middleware.WorkspaceFromContext(r.Context())
	if !ok {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return nil, false
	}
	ws, ok := mw.(Workspace)
	if !ok {
		slog.Error("workspace does not implement handler.Workspace")
		middleware.WriteInternalServerError(w)
		return nil, false
	}
	return ws, true
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はワークスペースから返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthorized, model.ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeImageNotFound:
		return http.StatusNotFound
	case model.ErrCodeConfirmationRequired:
		return http.StatusPreconditionRequired
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeCSRFInvalid:
		return http.StatusForbidden
	case model.ErrCodeAvatarUploadFailed:
		if errors.Is(apiErr, profile.ErrAvatarUploadInProgress) {
			return http.StatusConflict
		}
		return http.StatusBadGateway
	case model.ErrCodeSignOutFailed,
		model.ErrCodeProfileFetchFailed,
		model.ErrCodeProfileCreateFailed,
		model.ErrCodeProfileUpdateFailed,
		model.ErrCodeImageListFailed,
		model.ErrCodeImageSignFailed,
		model.ErrCodeImageFetchFailed,
		model.ErrCodeImageUploadFailed,
		model.ErrCodeImageDeleteFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
