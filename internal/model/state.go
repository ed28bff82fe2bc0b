package model

// ErrorBanner はエラー状態として画面に表示するエラー1件を表す。
type ErrorBanner struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WorkspaceUser はワークスペースの状態に含めるログインユーザー情報。
type WorkspaceUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// WorkspaceState はワークスペース1つ分の表示状態のスナップショット。
type WorkspaceState struct {
	Authenticated   bool           `json:"authenticated"`
	User            *WorkspaceUser `json:"user"`
	Profile         *Profile       `json:"profile"`
	Images          []ImageEntry   `json:"images"`
	Loading         bool           `json:"isLoading"`
	UploadingAvatar bool           `json:"isUploadingAvatar"`
	Error           *ErrorBanner   `json:"error"`
}
