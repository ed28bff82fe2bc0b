package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/photodump/internal/auth"
	"github.com/hitoshi/photodump/internal/gallery"
	"github.com/hitoshi/photodump/internal/handler"
	"github.com/hitoshi/photodump/internal/model"
	"github.com/hitoshi/photodump/internal/profile"
	"github.com/hitoshi/photodump/internal/repository"
	"github.com/hitoshi/photodump/internal/session"
	"github.com/hitoshi/photodump/internal/storage"
)

// defaultInitTimeout はサインイン後のプロフィール・ギャラリー初期化のタイムアウト。
const defaultInitTimeout = 60 * time.Second

var errMissingCode = errors.New("authorization code is missing")

// WorkspaceMetrics はワークスペースが記録するメトリクス。
type WorkspaceMetrics interface {
	gallery.Recorder
	RecordIdleSignOut()
}

// WorkspaceFactory はワークスペースを組み立てる。
// ブラウザセッションごとに独立した認証状態・監視・キャッシュを持たせる。
type WorkspaceFactory struct {
	Provider     auth.Provider
	AuthConfig   auth.ServiceConfig
	NewStorage   func(tokens storage.TokenSource) repository.ObjectStorage
	NewProfiles  func(tokens repository.TokenSource) repository.ProfileRepository
	Gallery      gallery.Config
	Profile      profile.Config
	IdleTimeout  time.Duration
	InitTimeout  time.Duration
	Metrics      WorkspaceMetrics // nilの場合は記録しない
	Clock        session.Clock    // アイドル監視のタイマー。nilの場合は実時間
	RefreshClock session.Clock    // トークン自動更新のタイマー。nilの場合は実時間
	Now          func() time.Time // nilの場合はtime.Now
	Logger       *slog.Logger
}

// New は新しいワークスペースを生成する。
func (f *WorkspaceFactory) New(id string) *Workspace {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("workspace_id", id))

	initTimeout := f.InitTimeout
	if initTimeout <= 0 {
		initTimeout = defaultInitTimeout
	}

	var authOpts []auth.Option
	if f.RefreshClock != nil {
		authOpts = append(authOpts, auth.WithClock(f.RefreshClock))
	}
	if f.Now != nil {
		authOpts = append(authOpts, auth.WithNow(f.Now))
	}
	authSvc := auth.NewService(f.Provider, f.AuthConfig, logger, authOpts...)
	objects := f.NewStorage(authSvc)

	var galleryOpts []gallery.Option
	watchdogOpts := []session.Option{session.WithLogger(logger)}
	if f.Metrics != nil {
		galleryOpts = append(galleryOpts, gallery.WithRecorder(f.Metrics))
		watchdogOpts = append(watchdogOpts, session.WithIdleHook(f.Metrics.RecordIdleSignOut))
	}
	if f.Clock != nil {
		watchdogOpts = append(watchdogOpts, session.WithClock(f.Clock))
	}

	ctx, cancel := context.WithCancel(context.Background())
	ws := &Workspace{
		id:          id,
		logger:      logger,
		auth:        authSvc,
		profiles:    profile.NewManager(f.NewProfiles(authSvc), objects, f.Profile, logger),
		gallery:     gallery.NewSynchronizer(objects, f.Gallery, logger, galleryOpts...),
		errors:      NewErrorState(logger),
		initTimeout: initTimeout,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	ws.watchdog = session.NewWatchdog(f.IdleTimeout, authSvc.SignOut, watchdogOpts...)

	// IdPのセッション変更 → 監視 → 購読側でプロフィールとギャラリーを初期化・破棄
	ws.unsubscribeAuth = authSvc.OnSessionChange(ws.watchdog.OnSessionChange)
	changes, unsubscribe := ws.watchdog.Subscribe()
	ws.unsubscribeWatch = unsubscribe
	go ws.consume(changes)

	return ws
}

// Workspace はブラウザセッション1つ分のアプリケーション状態を保持する。
// 認証、アイドル監視、プロフィール、ギャラリー、エラー状態を束ねる。
type Workspace struct {
	id          string
	logger      *slog.Logger
	auth        *auth.Service
	watchdog    *session.Watchdog
	profiles    *profile.Manager
	gallery     *gallery.Synchronizer
	errors      *ErrorState
	initTimeout time.Duration

	ctx              context.Context
	cancel           context.CancelFunc
	unsubscribeAuth  func()
	unsubscribeWatch func()
	done             chan struct{}
	closeOnce        sync.Once

	mu           sync.Mutex
	initializing bool
	loadedUserID string
}

// ID はワークスペースIDを返す。
func (ws *Workspace) ID() string {
	return ws.id
}

// UserID は認証済みユーザーのIDを返す。未認証の場合は空文字列を返す。
func (ws *Workspace) UserID() string {
	if s := ws.auth.Session(); s != nil {
		return s.User.ID
	}
	return ""
}

// consume はセッション値の変更を順に処理する。
// 新しいユーザーのセッションではプロフィールとギャラリーを読み込み、nilでは破棄する。
func (ws *Workspace) consume(changes <-chan *model.Session) {
	defer close(ws.done)

	for s := range changes {
		if s == nil {
			ws.profiles.Clear()
			ws.gallery.Clear()
			ws.setLoadedUser("")
			continue
		}
		// トークン更新のみの場合は読み込み直さない
		if ws.loadedUser() == s.User.ID {
			continue
		}
		ws.initialize(s.User)
	}
}

// initialize はサインイン直後のプロフィール確保とギャラリー読み込みを行う。
func (ws *Workspace) initialize(user model.User) {
	ws.setInitializing(true)
	defer ws.setInitializing(false)

	ctx, cancel := context.WithTimeout(ws.ctx, ws.initTimeout)
	defer cancel()

	if _, err := ws.profiles.EnsureProfile(ctx, user); err != nil {
		ws.errors.Set(err)
	}
	if _, err := ws.gallery.LoadAll(ctx, user.ID); err != nil {
		ws.errors.Set(err)
	}
	ws.setLoadedUser(user.ID)
}

// SignIn はOAuthサインインを開始し、リダイレクト先URLとPKCE検証子を返す。
func (ws *Workspace) SignIn(provider string) (string, string, error) {
	ws.errors.Clear()

	req, err := ws.auth.SignInWithProvider(provider)
	if err != nil {
		ws.errors.Set(err)
		return "", "", err
	}
	return req.URL, req.Verifier, nil
}

// CompleteSignIn は認可コードをセッションに交換する。
// 成功するとセッション変更が通知され、プロフィールとギャラリーの初期化が始まる。
func (ws *Workspace) CompleteSignIn(ctx context.Context, code, verifier string) error {
	ws.errors.Clear()

	if code == "" {
		err := model.NewAuthFailedError(errMissingCode)
		ws.errors.Set(err)
		return err
	}
	if _, err := ws.auth.CompleteSignIn(ctx, code, verifier); err != nil {
		ws.errors.Set(err)
		return err
	}
	return nil
}

// SignOut は明示的なサインアウトを行う。
// 失敗した場合はセッションを保持したままエラー状態に記録する。
func (ws *Workspace) SignOut(ctx context.Context) error {
	ws.errors.Clear()

	if err := ws.auth.SignOut(ctx); err != nil {
		ws.errors.Set(err)
		return err
	}
	return nil
}

// RecordActivity はユーザー操作を記録してアイドルタイマーをリセットする。
// 高頻度で呼ばれるため、エラー状態は変更しない。
func (ws *Workspace) RecordActivity(event string) error {
	ev, err := session.ParseActivityEvent(event)
	if err != nil {
		return model.NewInvalidRequestError(err.Error())
	}
	ws.watchdog.RecordActivity(ev)
	return nil
}

// Images は現在のギャラリーのスナップショットを返す。未認証の場合は空を返す。
func (ws *Workspace) Images() []model.ImageEntry {
	if ws.auth.Session() == nil {
		return []model.ImageEntry{}
	}
	return ws.gallery.Images()
}

// Refresh はギャラリーをリモートから再読み込みする。
func (ws *Workspace) Refresh(ctx context.Context) ([]model.ImageEntry, error) {
	ws.errors.Clear()

	userID, err := ws.requireUser()
	if err != nil {
		return nil, err
	}
	images, err := ws.gallery.LoadAll(ctx, userID)
	if err != nil {
		ws.errors.Set(err)
		return nil, err
	}
	return images, nil
}

// Upload は画像をまとめてアップロードし、再読み込み後のギャラリーを返す。
func (ws *Workspace) Upload(ctx context.Context, files []model.File) ([]model.ImageEntry, error) {
	ws.errors.Clear()

	userID, err := ws.requireUser()
	if err != nil {
		return nil, err
	}
	images, err := ws.gallery.Upload(ctx, userID, files)
	if err != nil {
		ws.errors.Set(err)
		return nil, err
	}
	return images, nil
}

// Delete は画像を削除する。
// 確認が無い場合、または同じ画像の削除が実行中の場合はリモートを呼ばずfalseを返す。
func (ws *Workspace) Delete(ctx context.Context, imageID string, confirmed bool) (bool, error) {
	ws.errors.Clear()

	userID, err := ws.requireUser()
	if err != nil {
		return false, err
	}
	entry, ok := ws.gallery.Find(imageID)
	if !ok {
		return false, model.NewImageNotFoundError(imageID)
	}

	confirm := gallery.ConfirmFunc(func(context.Context, model.ImageEntry) bool { return confirmed })
	deleted, err := ws.gallery.Delete(ctx, userID, entry, confirm)
	if err != nil {
		ws.errors.Set(err)
		return false, err
	}
	return deleted, nil
}

// ImageURL は画像に新しい署名付きURLを発行する。
// 画像表示のたびに呼ばれるため、エラー状態は変更しない。
func (ws *Workspace) ImageURL(ctx context.Context, imageID string) (string, error) {
	userID, err := ws.requireUser()
	if err != nil {
		return "", err
	}
	entry, ok := ws.gallery.Find(imageID)
	if !ok {
		return "", model.NewImageNotFoundError(imageID)
	}
	return ws.gallery.SignedURL(ctx, userID, entry.Name)
}

// UpdateDisplayName は表示名を更新する。
func (ws *Workspace) UpdateDisplayName(ctx context.Context, name string) (*model.Profile, error) {
	ws.errors.Clear()

	userID, err := ws.requireUser()
	if err != nil {
		return nil, err
	}
	p, err := ws.profiles.UpdateDisplayName(ctx, userID, name)
	if err != nil {
		ws.errors.Set(err)
		return nil, err
	}
	return p, nil
}

// UpdateAvatar はアバター画像を更新する。
func (ws *Workspace) UpdateAvatar(ctx context.Context, file model.File) (*model.Profile, error) {
	ws.errors.Clear()

	userID, err := ws.requireUser()
	if err != nil {
		return nil, err
	}
	p, err := ws.profiles.UpdateAvatar(ctx, userID, file)
	if err != nil {
		ws.errors.Set(err)
		return nil, err
	}
	return p, nil
}

// Snapshot は現在の表示状態を返す。
// 画像とプロフィールはセッションを保持している間だけ含める。
func (ws *Workspace) Snapshot() model.WorkspaceState {
	state := model.WorkspaceState{
		Images:          []model.ImageEntry{},
		Loading:         ws.isInitializing() || ws.gallery.Loading(),
		UploadingAvatar: ws.profiles.IsUploadingAvatar(),
		Error:           ws.errors.Banner(),
	}
	if s := ws.auth.Session(); s != nil {
		state.Authenticated = true
		state.User = &model.WorkspaceUser{ID: s.User.ID, Email: s.User.Email}
		state.Profile = ws.profiles.Profile()
		state.Images = ws.gallery.Images()
	}
	return state
}

// Errors はワークスペースのエラー状態を返す。
func (ws *Workspace) Errors() *ErrorState {
	return ws.errors
}

// Close はアイドルタイマーを停止し、すべての購読を解除する。
// 2回目以降の呼び出しは何もしない。
func (ws *Workspace) Close() {
	ws.closeOnce.Do(func() {
		ws.cancel()
		ws.unsubscribeAuth()
		ws.unsubscribeWatch()
		ws.auth.Close()
		ws.watchdog.Close()
		<-ws.done
		ws.logger.Debug("ワークスペースを破棄しました")
	})
}

// requireUser は認証済みユーザーのIDを返す。未認証の場合はエラーを返す。
func (ws *Workspace) requireUser() (string, error) {
	userID := ws.UserID()
	if userID == "" {
		return "", model.NewUnauthorizedError()
	}
	return userID, nil
}

func (ws *Workspace) setInitializing(v bool) {
	ws.mu.Lock()
	ws.initializing = v
	ws.mu.Unlock()
}

func (ws *Workspace) isInitializing() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.initializing
}

func (ws *Workspace) setLoadedUser(id string) {
	ws.mu.Lock()
	ws.loadedUserID = id
	ws.mu.Unlock()
}

func (ws *Workspace) loadedUser() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.loadedUserID
}

var _ handler.Workspace = (*Workspace)(nil)
