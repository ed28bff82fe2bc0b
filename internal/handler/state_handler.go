package handler

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/photodump/internal/middleware"
	"github.com/hitoshi/photodump/internal/model"
)

// StateHandler はワークスペースの表示状態とユーザー操作の記録を扱うHTTPハンドラー。
type StateHandler struct{}

// NewStateHandler はStateHandlerを生成する。
func NewStateHandler() *StateHandler {
	return &StateHandler{}
}

// stateResponse はワークスペースの表示状態のAPIレスポンス。
type stateResponse struct {
	Authenticated   bool                 `json:"authenticated"`
	User            *model.WorkspaceUser `json:"user"`
	Profile         *model.Profile       `json:"profile"`
	Images          []photoResponse      `json:"images"`
	Loading         bool                 `json:"isLoading"`
	UploadingAvatar bool                 `json:"isUploadingAvatar"`
	Error           *model.ErrorBanner   `json:"error"`
}

func newStateResponse(state model.WorkspaceState) stateResponse {
	return stateResponse{
		Authenticated:   state.Authenticated,
		User:            state.User,
		Profile:         state.Profile,
		Images:          newPhotoResponses(state.Images),
		Loading:         state.Loading,
		UploadingAvatar: state.UploadingAvatar,
		Error:           state.Error,
	}
}

// activityRequest はユーザー操作記録リクエストのボディ。
type activityRequest struct {
	Event string `json:"event"`
}

// State は現在のワークスペースの表示状態を返す。
// ワークスペースが無い場合は未認証の空の状態を返す。
// GET /api/state
func (h *StateHandler) State(w http.ResponseWriter, r *http.Request) {
	mw, ok := middleware.WorkspaceFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, newStateResponse(model.WorkspaceState{}))
		return
	}
	ws, ok := mw.(Workspace)
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, newStateResponse(ws.Snapshot()))
}

// Activity はユーザー操作を記録し、アイドルタイマーをリセットする。
// POST /api/activity
func (h *StateHandler) Activity(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspaceFromRequest(w, r)
	if !ok {
		return
	}

	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}

	if err := ws.RecordActivity(req.Event); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
