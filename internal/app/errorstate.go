package app

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/photodump/internal/model"
)

// ErrorState はワークスペースで表示するエラーを1件だけ保持する。
// 後から設定したエラーが前のエラーを置き換える。
type ErrorState struct {
	logger *slog.Logger

	mu      sync.Mutex
	current *model.APIError
}

// NewErrorState はErrorStateを生成する。
func NewErrorState(logger *slog.Logger) *ErrorState {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorState{logger: logger}
}

// Set はエラーを記録する。APIError以外のエラーは内部エラーとして記録する。
func (s *ErrorState) Set(err error) {
	if err == nil {
		return
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		internal := model.NewInternalError()
		internal.Err = err
		apiErr = internal
	}

	s.logger.Error("操作に失敗しました",
		slog.String("code", apiErr.Code),
		slog.String("error", err.Error()),
	)

	s.mu.Lock()
	s.current = apiErr
	s.mu.Unlock()
}

// Clear は記録しているエラーを消去する。
func (s *ErrorState) Clear() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

// Current は記録しているエラーを返す。無い場合はnilを返す。
func (s *ErrorState) Current() *model.APIError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Banner は画面表示用のエラーを返す。無い場合はnilを返す。
func (s *ErrorState) Banner() *model.ErrorBanner {
	current := s.Current()
	if current == nil {
		return nil
	}
	return &model.ErrorBanner{Code: current.Code, Message: current.Message}
}
