// Package gallery はユーザーごとの写真ギャラリーとオブジェクトストレージの同期を提供する。
// ローカルの一覧は常にリモートの一覧のスナップショットであり、
// 削除時の1件除去を除いてloadで丸ごと置き換える。
package gallery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/photodump/internal/model"
	"github.com/hitoshi/photodump/internal/repository"
)

// Config はギャラリー同期の設定。
type Config struct {
	Bucket          string        // 写真のバケット名
	PageSize        int           // 一覧取得の最大件数
	SignedURLExpiry time.Duration // 署名付きURLの有効期限
	SignConcurrency int           // 署名付きURL発行の最大並列数
}

// DefaultConfig はデフォルトの設定を返す。
func DefaultConfig() Config {
	return Config{
		Bucket:          "photos",
		PageSize:        100,
		SignedURLExpiry: 60 * time.Second,
		SignConcurrency: 10,
	}
}

// Recorder はギャラリー操作の結果を記録するインターフェース。
type Recorder interface {
	RecordSignFailure()
	RecordUpload(success bool, files int)
	RecordDelete(success bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordSignFailure()         {}
func (nopRecorder) RecordUpload(_ bool, _ int) {}
func (nopRecorder) RecordDelete(_ bool)        {}

// Confirmer は削除前にユーザーの確認を得る。falseの場合は削除しない。
type Confirmer interface {
	Confirm(ctx context.Context, entry model.ImageEntry) bool
}

// ConfirmFunc は関数をConfirmerとして使うためのアダプター。
type ConfirmFunc func(ctx context.Context, entry model.ImageEntry) bool

// Confirm はConfirmerインターフェースを実装する。
func (f ConfirmFunc) Confirm(ctx context.Context, entry model.ImageEntry) bool {
	return f(ctx, entry)
}

// Synchronizer はリモートのオブジェクト一覧とローカルのギャラリー表示を同期する。
type Synchronizer struct {
	storage  repository.ObjectStorage
	config   Config
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time

	mu       sync.Mutex
	images   []model.ImageEntry
	inflight int
	deleting map[string]struct{}
	epoch    uint64 // Clearのたびに進める
}

// Option はSynchronizerのオプション。
type Option func(*Synchronizer)

// WithRecorder はメトリクスの記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(s *Synchronizer) { s.recorder = r }
}

// WithNow は現在時刻の取得関数を差し替える。
func WithNow(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// NewSynchronizer はSynchronizerを生成する。
// 0以下の設定値はDefaultConfigの値で補う。
func NewSynchronizer(storage repository.ObjectStorage, config Config, logger *slog.Logger, opts ...Option) *Synchronizer {
	def := DefaultConfig()
	if config.Bucket == "" {
		config.Bucket = def.Bucket
	}
	if config.PageSize <= 0 {
		config.PageSize = def.PageSize
	}
	if config.SignedURLExpiry <= 0 {
		config.SignedURLExpiry = def.SignedURLExpiry
	}
	if config.SignConcurrency <= 0 {
		config.SignConcurrency = def.SignConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Synchronizer{
		storage:  storage,
		config:   config,
		logger:   logger,
		recorder: nopRecorder{},
		now:      time.Now,
		deleting: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadAll はユーザーのオブジェクト一覧を取得し、各オブジェクトの署名付きURLを並列に発行する。
// 結果は一覧の順序（作成日時の降順）で組み立て、ローカルのスナップショットを丸ごと置き換える。
// 署名付きURLの発行に失敗したオブジェクトはログに記録して結果から除外する。
// 実行中にClearされた場合は結果を破棄し、空のスナップショットを返す。
func (s *Synchronizer) LoadAll(ctx context.Context, userID string) ([]model.ImageEntry, error) {
	if userID == "" {
		return nil, model.NewUnauthorizedError()
	}

	epoch := s.begin()
	defer s.end()

	// 1. オブジェクト一覧を取得
	objects, err := s.storage.List(ctx, s.config.Bucket, userID, repository.ListOptions{
		Limit:  s.config.PageSize,
		Offset: 0,
		SortBy: repository.SortBy{Column: "created_at", Order: repository.SortDesc},
	})
	if err != nil {
		s.logger.Error("画像一覧の取得に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewImageListFailedError(err)
	}

	// 2. semaphoreパターンで並列数を制御しながら署名付きURLを発行
	results := make([]*model.ImageEntry, len(objects))
	sem := make(chan struct{}, s.config.SignConcurrency)
	var wg sync.WaitGroup

	for i, obj := range objects {
		wg.Add(1)
		sem <- struct{}{}

		go func(i int, obj model.StoredObject) {
			defer wg.Done()
			defer func() { <-sem }()

			signed, err := s.storage.CreateSignedURL(ctx, s.config.Bucket, objectKey(userID, obj.Name), s.config.SignedURLExpiry)
			if err != nil {
				s.recorder.RecordSignFailure()
				s.logger.Warn("署名付きURLの発行に失敗したため画像を除外します",
					slog.String("object", obj.Name),
					slog.String("error", model.NewImageSignFailedError(obj.Name, err).Message),
				)
				return
			}
			results[i] = &model.ImageEntry{ID: obj.ID, Name: obj.Name, PublicURL: signed}
		}(i, obj)
	}

	wg.Wait()

	// 3. 一覧の順序で組み立ててスナップショットを置き換える
	entries := make([]model.ImageEntry, 0, len(results))
	for _, r := range results {
		if r != nil {
			entries = append(entries, *r)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		s.logger.Debug("読み込み中にギャラリーが破棄されたため結果を破棄します",
			slog.String("user_id", userID),
		)
		return cloneEntries(nil), nil
	}
	s.images = entries

	return cloneEntries(entries), nil
}

// Upload は複数ファイルを並列にアップロードし、すべて成功した場合に一覧を再取得する。
// キーは"{userID}/{unixミリ秒}-{ファイル名}"で、同一キーの上書きは行わない。
// 1件でも失敗した場合は一覧を変更せずにエラーを返す。
func (s *Synchronizer) Upload(ctx context.Context, userID string, files []model.File) ([]model.ImageEntry, error) {
	if userID == "" {
		return nil, model.NewUnauthorizedError()
	}
	if len(files) == 0 {
		return s.Images(), nil
	}

	epoch := s.begin()
	defer s.end()

	// 全件を発行してから待つ。1件の失敗で他のアップロードは中断しない。
	var g errgroup.Group
	for _, f := range files {
		key := objectKey(userID, fmt.Sprintf("%d-%s", s.now().UnixMilli(), f.Name))
		g.Go(func() error {
			err := s.storage.Upload(ctx, s.config.Bucket, key, f.Reader(), repository.UploadOptions{
				ContentType: f.DetectedContentType(),
				Upsert:      false,
			})
			if err != nil {
				return fmt.Errorf("%s: %w", f.Name, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.recorder.RecordUpload(false, len(files))
		s.logger.Error("画像のアップロードに失敗しました",
			slog.String("user_id", userID),
			slog.Int("file_count", len(files)),
			slog.String("error", err.Error()),
		)
		return nil, model.NewImageUploadFailedError(err)
	}
	s.recorder.RecordUpload(true, len(files))

	if s.currentEpoch() != epoch {
		return cloneEntries(nil), nil
	}
	return s.LoadAll(ctx, userID)
}

// Delete は確認を得たうえでオブジェクトを削除し、成功時に該当IDの1件だけをローカルから除去する。
// 確認が得られない場合はリモート呼び出しを行わずfalseを返す。
// 同じIDの削除が実行中の場合も、重複して呼び出さずfalseを返す。
func (s *Synchronizer) Delete(ctx context.Context, userID string, entry model.ImageEntry, confirmer Confirmer) (bool, error) {
	if userID == "" {
		return false, model.NewUnauthorizedError()
	}
	if confirmer == nil || !confirmer.Confirm(ctx, entry) {
		return false, nil
	}

	s.mu.Lock()
	if _, busy := s.deleting[entry.ID]; busy {
		s.mu.Unlock()
		return false, nil
	}
	s.deleting[entry.ID] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.deleting, entry.ID)
		s.mu.Unlock()
	}()

	if err := s.storage.Remove(ctx, s.config.Bucket, []string{objectKey(userID, entry.Name)}); err != nil {
		s.recorder.RecordDelete(false)
		s.logger.Error("画像の削除に失敗しました",
			slog.String("user_id", userID),
			slog.String("object", entry.Name),
			slog.String("error", err.Error()),
		)
		return false, model.NewImageDeleteFailedError(err)
	}
	s.recorder.RecordDelete(true)

	s.mu.Lock()
	kept := make([]model.ImageEntry, 0, len(s.images))
	for _, img := range s.images {
		if img.ID != entry.ID {
			kept = append(kept, img)
		}
	}
	s.images = kept
	s.mu.Unlock()

	return true, nil
}

// SignedURL は1件のオブジェクトに新しい署名付きURLを発行する。
// ローカルのスナップショットは変更しない。
func (s *Synchronizer) SignedURL(ctx context.Context, userID, name string) (string, error) {
	if userID == "" {
		return "", model.NewUnauthorizedError()
	}
	signed, err := s.storage.CreateSignedURL(ctx, s.config.Bucket, objectKey(userID, name), s.config.SignedURLExpiry)
	if err != nil {
		s.recorder.RecordSignFailure()
		return "", model.NewImageSignFailedError(name, err)
	}
	return signed, nil
}

// Images は現在のスナップショットのコピーを返す。
func (s *Synchronizer) Images() []model.ImageEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneEntries(s.images)
}

// Find は指定IDの画像を返す。
func (s *Synchronizer) Find(id string) (model.ImageEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, img := range s.images {
		if img.ID == id {
			return img, true
		}
	}
	return model.ImageEntry{}, false
}

// Clear はスナップショットを破棄する。サインアウト時に呼ばれる。
// 実行中のLoadAllとUploadの結果もスナップショットに反映されなくなる。
func (s *Synchronizer) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = nil
	s.epoch++
}

// Loading は一覧取得またはアップロードが実行中かを返す。
func (s *Synchronizer) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

func (s *Synchronizer) begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight++
	return s.epoch
}

func (s *Synchronizer) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *Synchronizer) end() {
	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
}

// objectKey はユーザーの名前空間内のオブジェクトキーを返す。
func objectKey(userID, name string) string {
	return userID + "/" + name
}

func cloneEntries(entries []model.ImageEntry) []model.ImageEntry {
	if entries == nil {
		return []model.ImageEntry{}
	}
	out := make([]model.ImageEntry, len(entries))
	copy(out, entries)
	return out
}
