// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// Errには原因となったエラーを保持し、errors.Is/Asで辿れるようにする。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ（エラーバナーにそのまま表示する）
	Category string // カテゴリ: auth, validation, profile, gallery, system
	Action   string // ユーザー向け対処方法
	Err      error  // 原因エラー
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeAuthFailed           = "AUTH_FAILED"
	ErrCodeSignOutFailed        = "SIGN_OUT_FAILED"
	ErrCodeProfileFetchFailed   = "PROFILE_FETCH_FAILED"
	ErrCodeProfileCreateFailed  = "PROFILE_CREATE_FAILED"
	ErrCodeProfileUpdateFailed  = "PROFILE_UPDATE_FAILED"
	ErrCodeAvatarUploadFailed   = "AVATAR_UPLOAD_FAILED"
	ErrCodeImageListFailed      = "IMAGE_LIST_FAILED"
	ErrCodeImageSignFailed      = "IMAGE_SIGN_FAILED"
	ErrCodeImageFetchFailed     = "IMAGE_FETCH_FAILED"
	ErrCodeImageUploadFailed    = "IMAGE_UPLOAD_FAILED"
	ErrCodeImageDeleteFailed    = "IMAGE_DELETE_FAILED"
	ErrCodeImageNotFound        = "IMAGE_NOT_FOUND"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeConfirmationRequired = "CONFIRMATION_REQUIRED"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeCSRFInvalid          = "CSRF_TOKEN_INVALID"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// causeMessage は原因エラーのメッセージを取り出す。
func causeMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// NewAuthFailedError はサインイン失敗エラーを生成する。
func NewAuthFailedError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  fmt.Sprintf("Sign-in failed: %s", causeMessage(err)),
		Category: "auth",
		Action:   "もう一度サインインしてください。",
		Err:      err,
	}
}

// NewSignOutFailedError はサインアウト失敗エラーを生成する。
func NewSignOutFailedError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeSignOutFailed,
		Message:  fmt.Sprintf("Sign-out failed: %s", causeMessage(err)),
		Category: "auth",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      err,
	}
}

// NewProfileFetchFailedError はプロフィール取得失敗エラーを生成する。
func NewProfileFetchFailedError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeProfileFetchFailed,
		Message:  fmt.Sprintf("Profile fetch/create failed: %s", causeMessage(err)),
		Category: "profile",
		Action:   "ページを再読み込みしてください。",
		Err:      err,
	}
}

// NewProfileCreateFailedError はプロフィール作成失敗エラーを生成する。
func NewProfileCreateFailedError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeProfileCreateFailed,
		Message:  fmt.Sprintf("Profile fetch/create failed: %s", causeMessage(err)),
		Category: "profile",
		Action:   "ページを再読み込みしてください。",
		Err:      err,
	}
}

// NewProfileUpdateFailedError はプロフィール更新失敗エラーを生成する。
func NewProfileUpdateFailedError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeProfileUpdateFailed,
		Message:  fmt.Sprintf("Profile update failed: %s", causeMessage(err)),
		Category: "profile",
		Action:   "入力内容を確認して再度お試しください。",
		Err:      err,
	}
}

// NewAvatarUploadFailedError はアバターアップロード失敗エラーを生成する。
func NewAvatarUploadFailedError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeAvatarUploadFailed,
		Message:  fmt.Sprintf("Upload failed. Message: %s", causeMessage(err)),
		Category: "profile",
		Action:   "PNG、JPEG、GIFのいずれかの画像を選択して再度お試しください。",
		Err:      err,
	}
}

// NewImageListFailedError は画像一覧取得失敗エラーを生成する。
func NewImageListFailedError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeImageListFailed,
		Message:  fmt.Sprintf("Image fetch failed: %s", causeMessage(err)),
		Category: "gallery",
		Action:   "しばらく待ってから再読み込みしてください。",
		Err:      err,
	}
}

// NewImageSignFailedError は署名付きURL発行失敗エラーを生成する。
// 一覧取得中は致命的ではなく、該当画像を除外するだけに使う。
func NewImageSignFailedError(name string, err error) *APIError {
	return &APIError{
		Code:     ErrCodeImageSignFailed,
		Message:  fmt.Sprintf("Error creating signed URL for %s: %s", name, causeMessage(err)),
		Category: "gallery",
		Action:   "しばらく待ってから再読み込みしてください。",
		Err:      err,
	}
}

// NewImageFetchFailedError は署名付きURLからの画像取得失敗エラーを生成する。
func NewImageFetchFailedError(id string, err error) *APIError {
	return &APIError{
		Code:     ErrCodeImageFetchFailed,
		Message:  fmt.Sprintf("Image download failed for %s: %s", id, causeMessage(err)),
		Category: "gallery",
		Action:   "しばらく待ってから再読み込みしてください。",
		Err:      err,
	}
}

// NewImageUploadFailedError は画像アップロード失敗エラーを生成する。
func NewImageUploadFailedError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeImageUploadFailed,
		Message:  fmt.Sprintf("Upload failed: %s", causeMessage(err)),
		Category: "gallery",
		Action:   "ファイルを確認して再度アップロードしてください。",
		Err:      err,
	}
}

// NewImageDeleteFailedError は画像削除失敗エラーを生成する。
func NewImageDeleteFailedError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeImageDeleteFailed,
		Message:  fmt.Sprintf("Failed to delete image: %s", causeMessage(err)),
		Category: "gallery",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      err,
	}
}

// NewImageNotFoundError は画像がギャラリーに存在しない場合のエラーを生成する。
func NewImageNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeImageNotFound,
		Message:  fmt.Sprintf("指定された画像が見つかりません: %s", id),
		Category: "gallery",
		Action:   "ギャラリーを再読み込みしてください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "サインインしてください。",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewConfirmationRequiredError は削除確認が得られなかった場合のエラーを生成する。
func NewConfirmationRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeConfirmationRequired,
		Message:  "Are you sure you want to permanently delete this photo?",
		Category: "validation",
		Action:   "削除を確認してから再度リクエストしてください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "アップロードの回数が多すぎます。",
		Category: "validation",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewCSRFInvalidError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
