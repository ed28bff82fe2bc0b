// Package auth はBaaSの認証APIを使ったOAuth PKCEフローと、
// ワークスペースごとのセッション保持を提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/photodump/internal/model"
	"github.com/hitoshi/photodump/internal/session"
)

const (
	// defaultRefreshMargin はアクセストークンの有効期限の何秒前に更新するか。
	defaultRefreshMargin = time.Minute

	// refreshTimeout は自動更新1回あたりのタイムアウト。
	refreshTimeout = 30 * time.Second
)

// SessionListener はセッション変更の通知を受け取る関数。
// nilは未認証になったことを表す。
type SessionListener func(*model.Session)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	Provider      string        // OAuthプロバイダー名（例: "google"）
	RedirectURL   string        // 認可後のリダイレクト先
	RefreshMargin time.Duration // 有効期限の何秒前にトークンを更新するか（0以下は1分）
}

// SignInRequest はサインイン開始時に呼び出し元へ返す情報。
// Verifierはコールバックまで呼び出し元が保持する。
type SignInRequest struct {
	URL      string
	Verifier string
}

// Service はワークスペース1つ分の認証状態を保持する。
// 保持するセッションは高々1つで、変更はリスナーに通知される。
// 有効期限の前にトークンを自動更新し、更新できなければセッションを破棄する。
type Service struct {
	provider Provider
	config   ServiceConfig
	logger   *slog.Logger
	clock    session.Clock
	now      func() time.Time

	mu        sync.Mutex
	session   *model.Session
	gen       uint64 // セッションを差し替えるたびに進める
	timer     session.Timer
	closed    bool
	listeners map[int]SessionListener
	nextID    int
}

// Option はServiceのオプション。
type Option func(*Service)

// WithClock はトークン自動更新のタイマーの生成元を差し替える。
func WithClock(c session.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithNow は現在時刻の取得関数を差し替える。
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService はServiceを生成する。
func NewService(provider Provider, config ServiceConfig, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RefreshMargin <= 0 {
		config.RefreshMargin = defaultRefreshMargin
	}
	s := &Service{
		provider:  provider,
		config:    config,
		logger:    logger,
		clock:     session.RealClock(),
		now:       time.Now,
		listeners: make(map[int]SessionListener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SignInWithProvider はOAuthサインインを開始する。
// PKCE検証子を生成し、プロバイダーへのリダイレクトURLとともに返す。
// providerが空の場合は設定のプロバイダーを使う。
func (s *Service) SignInWithProvider(provider string) (*SignInRequest, error) {
	if provider == "" {
		provider = s.config.Provider
	}
	if provider == "" {
		return nil, model.NewAuthFailedError(fmt.Errorf("provider is required"))
	}

	verifier := oauth2.GenerateVerifier()
	return &SignInRequest{
		URL:      s.provider.AuthorizeURL(provider, s.config.RedirectURL, verifier),
		Verifier: verifier,
	}, nil
}

// CompleteSignIn は認可コードをセッションに交換し、保持して通知する。
func (s *Service) CompleteSignIn(ctx context.Context, code, verifier string) (*model.Session, error) {
	if verifier == "" {
		return nil, model.NewAuthFailedError(fmt.Errorf("missing PKCE verifier"))
	}

	session, err := s.provider.ExchangeCode(ctx, code, verifier)
	if err != nil {
		return nil, model.NewAuthFailedError(err)
	}

	s.logger.Info("user signed in",
		slog.String("user_id", session.User.ID),
		slog.String("provider", session.User.Provider),
	)
	s.setSession(session)
	return session, nil
}

// SignOut はBaaS側のセッションを失効させ、保持しているセッションを破棄する。
// 失効に失敗した場合は保持しているセッションを変更しない。
func (s *Service) SignOut(ctx context.Context) error {
	current := s.Session()
	if current == nil {
		return nil
	}

	if err := s.provider.SignOut(ctx, current.AccessToken); err != nil {
		return model.NewSignOutFailedError(err)
	}

	s.logger.Info("user signed out", slog.String("user_id", current.User.ID))
	s.setSession(nil)
	return nil
}

// Refresh はリフレッシュトークンでセッションを更新し、新しい値を通知する。
func (s *Service) Refresh(ctx context.Context) (*model.Session, error) {
	current := s.Session()
	if current == nil {
		return nil, model.NewUnauthorizedError()
	}

	session, err := s.provider.Refresh(ctx, current.RefreshToken)
	if err != nil {
		return nil, model.NewAuthFailedError(err)
	}
	s.setSession(session)
	return session, nil
}

// OnSessionChange はセッション変更のリスナーを登録する。
// 登録時に現在の値を即座に通知する。戻り値の関数で登録を解除する。
func (s *Service) OnSessionChange(fn SessionListener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	current := s.session
	s.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Session は現在のセッションを返す。未認証の場合はnilを返す。
// 有効期限を過ぎたセッションはその場で破棄し、nilを返す。
func (s *Service) Session() *model.Session {
	s.mu.Lock()
	current, gen := s.session, s.gen
	s.mu.Unlock()

	if current != nil && s.expired(current) {
		s.logger.Info("session expired", slog.String("user_id", current.User.ID))
		s.replace(gen, nil)
		return nil
	}
	return current
}

// AccessToken は現在のアクセストークンを返す。未認証の場合は空文字列を返す。
func (s *Service) AccessToken() string {
	if current := s.Session(); current != nil {
		return current.AccessToken
	}
	return ""
}

// Close はトークン自動更新のタイマーを停止する。セッションは変更しない。
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopTimerLocked()
}

// setSession はセッションを差し替え、登録済みのリスナーへ通知する。
func (s *Service) setSession(session *model.Session) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.replace(gen, session)
}

// replace は世代がgenのままの場合だけセッションを差し替え、リスナーへ通知する。
// 新しいセッションには有効期限前の自動更新を予約する。通知はロックの外で行う。
func (s *Service) replace(gen uint64, session *model.Session) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	s.gen++
	s.session = session
	s.stopTimerLocked()
	if session != nil && !session.ExpiresAt.IsZero() && !s.closed {
		next := s.gen
		delay := max(session.ExpiresAt.Sub(s.now())-s.config.RefreshMargin, 0)
		s.timer = s.clock.AfterFunc(delay, func() { s.autoRefresh(next) })
	}
	listeners := make([]SessionListener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(session)
	}
	return true
}

// autoRefresh は予約されたトークン更新を行う。
// 更新に失敗した場合はセッションを破棄する。
func (s *Service) autoRefresh(gen uint64) {
	s.mu.Lock()
	current := s.session
	stale := s.gen != gen || current == nil
	s.mu.Unlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	refreshed, err := s.provider.Refresh(ctx, current.RefreshToken)
	if err != nil {
		s.logger.Warn("token refresh failed, dropping session",
			slog.String("user_id", current.User.ID),
			slog.String("error", err.Error()),
		)
		s.replace(gen, nil)
		return
	}
	if s.replace(gen, refreshed) {
		s.logger.Debug("token refreshed", slog.String("user_id", refreshed.User.ID))
	}
}

func (s *Service) expired(session *model.Session) bool {
	return !session.ExpiresAt.IsZero() && !s.now().Before(session.ExpiresAt)
}

func (s *Service) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
