// Package session はセッションのアイドルタイムアウト監視（Session Watchdog）を提供する。
// 認証済みの間だけ無操作タイマーを保持し、期限切れでサインアウトを開始する。
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/photodump/internal/model"
)

// DefaultIdleTimeout は既定のアイドルタイムアウト。
const DefaultIdleTimeout = 15 * time.Minute

// signOutTimeout はアイドルによるサインアウト呼び出しのタイムアウト。
const signOutTimeout = 30 * time.Second

// State はWatchdogの状態を表す。
type State int

const (
	// Unauthenticated はセッションを保持していない状態。
	Unauthenticated State = iota
	// AuthenticatedActive はセッションを保持し、アイドルタイマーが動作し得る状態。
	AuthenticatedActive
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case AuthenticatedActive:
		return "authenticated_active"
	default:
		return "unauthenticated"
	}
}

// ActivityEvent はアイドルタイマーをリセットするユーザー操作の種類。
type ActivityEvent string

const (
	EventPointerMove ActivityEvent = "pointermove"
	EventPointerDown ActivityEvent = "pointerdown"
	EventKeyDown     ActivityEvent = "keydown"
	EventScroll      ActivityEvent = "scroll"
	EventTouchStart  ActivityEvent = "touchstart"
)

var activityEvents = map[ActivityEvent]struct{}{
	EventPointerMove: {},
	EventPointerDown: {},
	EventKeyDown:     {},
	EventScroll:      {},
	EventTouchStart:  {},
}

// ParseActivityEvent は操作名をActivityEventに変換する。
// 定義外の名前はエラーを返す。
func ParseActivityEvent(name string) (ActivityEvent, error) {
	ev := ActivityEvent(name)
	if _, ok := activityEvents[ev]; !ok {
		return "", fmt.Errorf("unknown activity event: %q", name)
	}
	return ev, nil
}

// Timer は停止可能なタイマー。
type Timer interface {
	Stop() bool
}

// Clock はタイマーの生成を抽象化する。テスト時に差し替え可能。
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// RealClock は実時間のtime.AfterFuncを使うClockを返す。
func RealClock() Clock {
	return realClock{}
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SignOutFunc はアイドル期限切れ時に呼び出されるサインアウト処理。
type SignOutFunc func(ctx context.Context) error

// Option はWatchdogのオプション。
type Option func(*Watchdog)

// WithClock はタイマーの生成元を差し替える。
func WithClock(c Clock) Option {
	return func(w *Watchdog) { w.clock = c }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(w *Watchdog) { w.logger = l }
}

// WithIdleHook はアイドルによるサインアウト開始時に呼ばれる関数を設定する。
func WithIdleHook(fn func()) Option {
	return func(w *Watchdog) { w.onIdle = fn }
}

// Watchdog はセッション値とアイドルタイマーを管理する。
// タイマーはセッションを保持している間だけ存在し、期限切れ1回につき
// サインアウトは高々1回しか開始しない。
type Watchdog struct {
	timeout time.Duration
	signOut SignOutFunc
	clock   Clock
	logger  *slog.Logger
	onIdle  func()

	mu          sync.Mutex
	session     *model.Session
	timer       Timer
	generation  uint64
	subscribers map[int]chan *model.Session
	nextID      int
	closed      bool
}

// NewWatchdog はWatchdogを生成する。timeoutが0以下の場合はDefaultIdleTimeoutを使う。
func NewWatchdog(timeout time.Duration, signOut SignOutFunc, opts ...Option) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	w := &Watchdog{
		timeout:     timeout,
		signOut:     signOut,
		clock:       realClock{},
		logger:      slog.Default(),
		subscribers: make(map[int]chan *model.Session),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnSessionChange はIdPからのセッション変更を反映する。
// 同一の値は無視する。新しいセッションではタイマーを開始（再開始）し、
// nilではタイマーを停止して未認証状態に戻る。
func (w *Watchdog) OnSessionChange(s *model.Session) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.session.SameAs(s) {
		return
	}

	w.session = s
	if s == nil {
		w.disarmLocked()
	} else {
		w.armLocked()
	}

	for _, ch := range w.subscribers {
		offer(ch, s)
	}
}

// RecordActivity はユーザー操作を記録し、アイドルタイマーをリセットする。
// セッションを保持していない場合は何もしない。
func (w *Watchdog) RecordActivity(ev ActivityEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.session == nil {
		return
	}
	w.armLocked()
}

// Subscribe はセッション値の変更を受け取るチャネルを返す。
// チャネルは容量1で常に最新値だけを保持し、登録時に現在値が入る。
// 戻り値の関数で登録を解除するとチャネルは閉じられる。
func (w *Watchdog) Subscribe() (<-chan *model.Session, func()) {
	ch := make(chan *model.Session, 1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := w.nextID
	w.nextID++
	w.subscribers[id] = ch
	ch <- w.session
	w.mu.Unlock()

	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if sub, ok := w.subscribers[id]; ok {
			delete(w.subscribers, id)
			close(sub)
		}
	}
}

// Session は現在のセッション値を返す。
func (w *Watchdog) Session() *model.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

// State は現在の状態を返す。
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return Unauthenticated
	}
	return AuthenticatedActive
}

// Armed はアイドルタイマーが動作中かを返す。
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

// Close はタイマーを停止し、すべての購読チャネルを閉じる。
// 2回目以降の呼び出しは何もしない。
func (w *Watchdog) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	w.disarmLocked()
	for id, ch := range w.subscribers {
		delete(w.subscribers, id)
		close(ch)
	}
}

// armLocked はタイマーを（再）開始する。呼び出し元がmuを保持していること。
func (w *Watchdog) armLocked() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.generation++
	gen := w.generation
	w.timer = w.clock.AfterFunc(w.timeout, func() { w.expire(gen) })
}

// disarmLocked はタイマーを停止する。呼び出し元がmuを保持していること。
func (w *Watchdog) disarmLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.generation++
}

// expire はタイマー期限切れ時に呼ばれる。
// リセット済み（世代が古い）のタイマーや、セッションがない場合は何もしない。
func (w *Watchdog) expire(gen uint64) {
	w.mu.Lock()
	if w.closed || gen != w.generation || w.session == nil {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	userID := w.session.User.ID
	w.mu.Unlock()

	w.logger.Info("アイドルタイムアウトによりサインアウトします",
		slog.String("user_id", userID),
		slog.Duration("idle_timeout", w.timeout),
	)
	if w.onIdle != nil {
		w.onIdle()
	}
	if w.signOut == nil {
		return
	}

	// セッション値は変更しない。サインアウト成功時はIdPからnilが通知される。
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), signOutTimeout)
		defer cancel()
		if err := w.signOut(ctx); err != nil {
			w.logger.Error("アイドルタイムアウトによるサインアウトに失敗しました",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// offer はチャネルの値を最新値で置き換える。
// 送信は購読側を待たない。
func offer(ch chan *model.Session, v *model.Session) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
