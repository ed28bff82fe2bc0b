package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/hitoshi/photodump/internal/middleware"
)

const (
	defaultWorkspaceTTL     = 24 * time.Hour
	defaultCleanupInterval  = 10 * time.Minute
	minimumCleanupInterval  = time.Second
	cleanupIntervalFraction = 4
)

// WorkspaceGauge はアクティブなワークスペース数を記録する。
type WorkspaceGauge interface {
	SetActiveWorkspaces(n int)
}

// RegistryConfig はワークスペースレジストリの設定。
type RegistryConfig struct {
	TTL             time.Duration // 最終アクセスからの有効期限
	CleanupInterval time.Duration // 期限切れワークスペースの破棄間隔
}

// Registry はワークスペースIDとワークスペースの対応を保持する。
// 参照のたびに有効期限を延長し、期限切れのワークスペースは破棄する。
type Registry struct {
	items   *cache.Cache
	ttl     time.Duration
	factory func(id string) *Workspace
	gauge   WorkspaceGauge
	logger  *slog.Logger
}

// NewRegistry はRegistryを生成する。gaugeはnilでもよい。
func NewRegistry(factory func(id string) *Workspace, config RegistryConfig, gauge WorkspaceGauge, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := config.TTL
	if ttl <= 0 {
		ttl = defaultWorkspaceTTL
	}
	cleanup := config.CleanupInterval
	if cleanup <= 0 {
		cleanup = min(defaultCleanupInterval, max(ttl/cleanupIntervalFraction, minimumCleanupInterval))
	}

	r := &Registry{
		items:   cache.New(ttl, cleanup),
		ttl:     ttl,
		factory: factory,
		gauge:   gauge,
		logger:  logger,
	}
	r.items.OnEvicted(func(id string, v interface{}) {
		if ws, ok := v.(*Workspace); ok {
			ws.Close()
		}
		r.logger.Info("ワークスペースを破棄しました", slog.String("workspace_id", id))
		r.updateGauge()
	})
	return r
}

// Get はIDに対応するワークスペースを返し、有効期限を延長する。
func (r *Registry) Get(id string) (*Workspace, bool) {
	v, ok := r.items.Get(id)
	if !ok {
		return nil, false
	}
	ws, ok := v.(*Workspace)
	if !ok || ws == nil {
		return nil, false
	}
	if !r.touch(id, ws) {
		return nil, false
	}
	return ws, true
}

// touch は登録が残っている場合だけ有効期限を延長する。
// 取得から延長までの間に破棄されたワークスペースは再登録しない。
func (r *Registry) touch(id string, ws *Workspace) bool {
	return r.items.Replace(id, ws, cache.DefaultExpiration) == nil
}

// New は新しいワークスペースを生成して登録する。
func (r *Registry) New() (*Workspace, error) {
	id := uuid.NewString()
	ws := r.factory(id)
	if ws == nil {
		return nil, fmt.Errorf("failed to create workspace %s", id)
	}
	if err := r.items.Add(id, ws, cache.DefaultExpiration); err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to register workspace: %w", err)
	}
	r.logger.Info("ワークスペースを作成しました", slog.String("workspace_id", id))
	r.updateGauge()
	return ws, nil
}

// Remove はワークスペースを破棄する。
func (r *Registry) Remove(id string) {
	r.items.Delete(id)
}

// Len は登録されているワークスペース数を返す。期限切れで未破棄のものも含む。
func (r *Registry) Len() int {
	return r.items.ItemCount()
}

// Shutdown はすべてのワークスペースを破棄する。
func (r *Registry) Shutdown() {
	for id, item := range r.items.Items() {
		if ws, ok := item.Object.(*Workspace); ok {
			ws.Close()
		}
		r.logger.Debug("ワークスペースを停止しました", slog.String("workspace_id", id))
	}
	r.items.Flush()
	r.updateGauge()
}

// Lookup はmiddleware.WorkspaceStoreの実装。
func (r *Registry) Lookup(id string) (middleware.Workspace, bool) {
	ws, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return ws, true
}

// Create はmiddleware.WorkspaceStoreの実装。
func (r *Registry) Create() (middleware.Workspace, error) {
	ws, err := r.New()
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func (r *Registry) updateGauge() {
	if r.gauge != nil {
		r.gauge.SetActiveWorkspaces(r.items.ItemCount())
	}
}

var _ middleware.WorkspaceStore = (*Registry)(nil)
