package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/photodump/internal/middleware"
	"github.com/hitoshi/photodump/internal/model"
)

// avatarFormField はアバター画像を受け取るフォームフィールド名。
const avatarFormField = "file"

// avatarContentTypes はアバターとして受け付ける画像形式。
var avatarContentTypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/gif":  {},
}

// ProfileHandlerConfig はプロフィールハンドラーの設定。
type ProfileHandlerConfig struct {
	MaxAvatarSize int64 // アバター画像の上限（バイト）
}

// ProfileHandler はプロフィール更新のHTTPハンドラー。
type ProfileHandler struct {
	sanitizer DisplayNameSanitizer
	config    ProfileHandlerConfig
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(sanitizer DisplayNameSanitizer, config ProfileHandlerConfig) *ProfileHandler {
	if config.MaxAvatarSize <= 0 {
		config.MaxAvatarSize = 20 << 20
	}
	return &ProfileHandler{
		sanitizer: sanitizer,
		config:    config,
	}
}

// updateDisplayNameRequest は表示名更新リクエストのボディ。
type updateDisplayNameRequest struct {
	DisplayName string `json:"display_name"`
}

// UpdateDisplayName は表示名を更新する。
// HTMLタグを除去した結果が空になる表示名は受け付けない。
// PUT /api/profile/display-name
func (h *ProfileHandler) UpdateDisplayName(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFromRequest(w, r)
	if !ok {
		return
	}

	var req updateDisplayNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}

	name := h.sanitizer.Sanitize(req.DisplayName)
	if name == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("表示名が空です"))
		return
	}

	profile, err := ws.UpdateDisplayName(r.Context(), name)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeProfile(w, profile)
}

// UpdateAvatar はアバター画像を更新する。PNG、JPEG、GIFのみ受け付ける。
// PUT /api/profile/avatar
func (h *ProfileHandler) UpdateAvatar(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFromRequest(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxAvatarSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeMultipartError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File[avatarFormField]
	if len(headers) == 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("ファイルが選択されていません"))
		return
	}

	file, err := readMultipartFile(headers[0])
	if err != nil {
		slog.Error("failed to read avatar file", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("ファイルの読み込みに失敗しました"))
		return
	}
	if _, ok := avatarContentTypes[file.DetectedContentType()]; !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError(fmt.Sprintf("対応していない画像形式です: %s", file.DetectedContentType())))
		return
	}

	profile, err := ws.UpdateAvatar(r.Context(), file)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeProfile(w, profile)
}

// writeProfile は更新後のプロフィールを返す。プロフィールが無い場合は内部エラーとする。
func writeProfile(w http.ResponseWriter, profile *model.Profile) {
	if profile == nil {
		slog.Error("profile missing after update")
		middleware.WriteInternalServerError(w)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}
