package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/photodump/internal/middleware"
	"github.com/hitoshi/photodump/internal/model"
)

const (
	// uploadFormField はギャラリーへのアップロードでファイルを受け取るフォームフィールド名。
	uploadFormField = "files"

	// multipartMemory はマルチパート解析時にメモリに保持する上限。超過分は一時ファイルに書き出される。
	multipartMemory = 8 << 20
)

// PhotoHandlerConfig は写真ハンドラーの設定。
type PhotoHandlerConfig struct {
	MaxUploadSize int64 // 1リクエストあたりのアップロード上限（バイト）
}

// PhotoHandler はギャラリー関連のHTTPハンドラー。
type PhotoHandler struct {
	fetcher ImageFetcher
	config  PhotoHandlerConfig
}

// NewPhotoHandler はPhotoHandlerを生成する。
func NewPhotoHandler(fetcher ImageFetcher, config PhotoHandlerConfig) *PhotoHandler {
	if config.MaxUploadSize <= 0 {
		config.MaxUploadSize = 20 << 20
	}
	return &PhotoHandler{
		fetcher: fetcher,
		config:  config,
	}
}

// photoResponse は画像1件のAPIレスポンス。
// 署名付きURLは返さず、画像プロキシのパスを返す。
type photoResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// photoListResponse は画像一覧のAPIレスポンス。
type photoListResponse struct {
	Images []photoResponse `json:"images"`
}

func newPhotoResponses(images []model.ImageEntry) []photoResponse {
	out := make([]photoResponse, len(images))
	for i, img := range images {
		out[i] = photoResponse{ID: img.ID, Name: img.Name, URL: photoContentPath(img.ID)}
	}
	return out
}

func newPhotoListResponse(images []model.ImageEntry) photoListResponse {
	return photoListResponse{Images: newPhotoResponses(images)}
}

// photoContentPath は画像プロキシのパスを返す。
func photoContentPath(id string) string {
	return "/api/photos/" + url.PathEscape(id) + "/content"
}

// ListPhotos は現在のギャラリーを返す。refresh=trueの場合はリモートから再読み込みする。
// GET /api/photos
func (h *PhotoHandler) ListPhotos(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFromRequest(w, r)
	if !ok {
		return
	}

	images := ws.Images()
	if r.URL.Query().Get("refresh") == "true" {
		var err error
		images, err = ws.Refresh(r.Context())
		if err != nil {
			handleServiceError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, newPhotoListResponse(images))
}

// UploadPhotos はマルチパートで受け取った画像をまとめてアップロードする。
// POST /api/photos
func (h *PhotoHandler) UploadPhotos(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFromRequest(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeMultipartError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File[uploadFormField]
	if len(headers) == 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("ファイルが選択されていません"))
		return
	}

	files := make([]model.File, 0, len(headers))
	for _, fh := range headers {
		file, err := readMultipartFile(fh)
		if err != nil {
			slog.Error("failed to read uploaded file",
				slog.String("file", fh.Filename),
				slog.String("error", err.Error()),
			)
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("ファイルの読み込みに失敗しました"))
			return
		}
		if !strings.HasPrefix(file.DetectedContentType(), "image/") {
			writeAPIErrorResponse(w, http.StatusBadRequest,
				model.NewInvalidRequestError(fmt.Sprintf("画像ファイルではありません: %s", file.Name)))
			return
		}
		files = append(files, file)
	}

	images, err := ws.Upload(r.Context(), files)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newPhotoListResponse(images))
}

// DeletePhoto は画像を削除する。
// X-Confirm-Delete: true ヘッダーまたは confirm=true クエリで削除の確認を示す必要がある。
// DELETE /api/photos/{id}
func (h *PhotoHandler) DeletePhoto(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFromRequest(w, r)
	if !ok {
		return
	}

	confirmed := isConfirmed(r)
	deleted, err := ws.Delete(r.Context(), chi.URLParam(r, "id"), confirmed)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	switch {
	case deleted:
		w.WriteHeader(http.StatusNoContent)
	case !confirmed:
		writeAPIErrorResponse(w, http.StatusPreconditionRequired, model.NewConfirmationRequiredError())
	default:
		// 同じ画像の削除が実行中
		w.WriteHeader(http.StatusAccepted)
	}
}

// PhotoContent は画像をプロキシして返す。
// 署名付きURLをブラウザに渡さないため、リクエストごとに新しいURLを発行してサーバー側で取得する。
// GET /api/photos/{id}/content
func (h *PhotoHandler) PhotoContent(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFromRequest(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	signedURL, err := ws.ImageURL(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	img, err := h.fetcher.Fetch(r.Context(), signedURL)
	if err != nil {
		slog.Error("failed to fetch image",
			slog.String("image_id", id),
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusBadGateway, model.NewImageFetchFailedError(id, err))
		return
	}

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Disposition", "inline")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img.Data); err != nil {
		slog.Warn("failed to write image response", slog.String("error", err.Error()))
	}
}

// isConfirmed はリクエストが削除の確認を含むかを判定する。
func isConfirmed(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get(middleware.ConfirmDeleteHeader), "true") {
		return true
	}
	return r.URL.Query().Get("confirm") == "true"
}

// readMultipartFile はアップロードされたファイルを読み込む。
func readMultipartFile(fh *multipart.FileHeader) (model.File, error) {
	f, err := fh.Open()
	if err != nil {
		return model.File{}, fmt.Errorf("failed to open %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return model.File{}, fmt.Errorf("failed to read %s: %w", fh.Filename, err)
	}

	contentType := fh.Header.Get("Content-Type")
	if contentType == "application/octet-stream" {
		// 内容から判定させる
		contentType = ""
	}

	return model.File{
		Name:        fh.Filename,
		ContentType: contentType,
		Data:        data,
	}, nil
}

// writeMultipartError はマルチパート解析エラーをレスポンスに変換する。
func writeMultipartError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeAPIErrorResponse(w, http.StatusRequestEntityTooLarge,
			model.NewInvalidRequestError(fmt.Sprintf("ファイルサイズが上限（%dバイト）を超えています", maxErr.Limit)))
		return
	}
	writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("マルチパートの解析に失敗しました"))
}
