// Package profile はユーザープロフィールの取得・作成・更新を提供する。
// リモートの更新が成功した場合に限り、ローカルのキャッシュへ反映する。
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/photodump/internal/model"
	"github.com/hitoshi/photodump/internal/repository"
)

// defaultDisplayName はメタデータから表示名を決められない場合の表示名。
const defaultDisplayName = "User"

// ErrAvatarUploadInProgress はアバターのアップロード中に別のアップロードが要求された場合のエラー。
var ErrAvatarUploadInProgress = errors.New("avatar upload already in progress")

var errProfileMissing = errors.New("profile row not found")

// Config はプロフィール管理の設定。
type Config struct {
	AvatarBucket string // アバター画像のバケット名
}

// Manager はログイン中ユーザーのプロフィールを管理する。
type Manager struct {
	repo    repository.ProfileRepository
	storage repository.ObjectStorage
	config  Config
	logger  *slog.Logger
	now     func() time.Time

	mu              sync.Mutex
	profile         *model.Profile
	uploadingAvatar bool
}

// NewManager はManagerを生成する。
func NewManager(repo repository.ProfileRepository, storage repository.ObjectStorage, config Config, logger *slog.Logger) *Manager {
	if config.AvatarBucket == "" {
		config.AvatarBucket = "avatars"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:    repo,
		storage: storage,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// SetNow は現在時刻の取得関数を差し替える。テスト用。
func (m *Manager) SetNow(now func() time.Time) {
	m.now = now
}

// EnsureProfile はユーザーのプロフィールを取得し、存在しない場合はIdPのメタデータから作成する。
// 作成はIDをキーにしたupsertのため、繰り返し呼び出しても行は重複しない。
func (m *Manager) EnsureProfile(ctx context.Context, user model.User) (*model.Profile, error) {
	// 1. 既存のプロフィールを検索
	existing, err := m.repo.FindByID(ctx, user.ID)
	if err != nil {
		m.logger.Error("プロフィールの取得に失敗しました",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProfileFetchFailedError(err)
	}

	// 2a. 存在すればそのまま採用
	if existing != nil {
		m.adopt(existing)
		return existing.Clone(), nil
	}

	// 2b. 存在しなければメタデータから既定のプロフィールを作成
	created, err := m.repo.Upsert(ctx, DefaultProfile(user))
	if err != nil {
		m.logger.Error("プロフィールの作成に失敗しました",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProfileCreateFailedError(err)
	}

	m.logger.Info("プロフィールを作成しました",
		slog.String("user_id", user.ID),
		slog.String("display_name", created.DisplayName),
	)
	m.adopt(created)
	return created.Clone(), nil
}

// UpdateDisplayName は表示名と更新日時を保存し、成功時にローカルのキャッシュを更新する。
// 空文字列の検証は呼び出し元（HTTP境界）で行う。
func (m *Manager) UpdateDisplayName(ctx context.Context, userID, name string) (*model.Profile, error) {
	updatedAt := m.now().UTC()
	err := m.repo.Update(ctx, userID, model.ProfileUpdate{
		DisplayName: &name,
		UpdatedAt:   updatedAt,
	})
	if err != nil {
		m.logger.Error("表示名の更新に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProfileUpdateFailedError(err)
	}

	return m.updated(ctx, userID, func(p *model.Profile) {
		p.DisplayName = name
		p.UpdatedAt = &updatedAt
	})
}

// UpdateAvatar はアバター画像を"{userID}.{拡張子}"に上書きアップロードし、
// キャッシュ回避のクエリを付けた公開URLをプロフィールに保存する。
// 実行中はIsUploadingAvatarがtrueになり、成功・失敗のどちらでも解除される。
func (m *Manager) UpdateAvatar(ctx context.Context, userID string, file model.File) (*model.Profile, error) {
	m.mu.Lock()
	if m.uploadingAvatar {
		m.mu.Unlock()
		return nil, model.NewAvatarUploadFailedError(ErrAvatarUploadInProgress)
	}
	m.uploadingAvatar = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.uploadingAvatar = false
		m.mu.Unlock()
	}()

	// 1. 上書き許可でアップロード
	key := AvatarKey(userID, file)
	err := m.storage.Upload(ctx, m.config.AvatarBucket, key, file.Reader(), repository.UploadOptions{
		ContentType: file.DetectedContentType(),
		Upsert:      true,
	})
	if err != nil {
		m.logger.Error("アバター画像のアップロードに失敗しました",
			slog.String("user_id", userID),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, model.NewAvatarUploadFailedError(err)
	}

	// 2. 公開URLにキャッシュ回避のクエリを付与
	now := m.now()
	photoURL := fmt.Sprintf("%s?t=%d", m.storage.PublicURL(m.config.AvatarBucket, key), now.UnixMilli())

	// 3. プロフィールに保存
	updatedAt := now.UTC()
	err = m.repo.Update(ctx, userID, model.ProfileUpdate{
		PhotoURL:  &photoURL,
		UpdatedAt: updatedAt,
	})
	if err != nil {
		m.logger.Error("アバターURLの保存に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewAvatarUploadFailedError(err)
	}

	return m.updated(ctx, userID, func(p *model.Profile) {
		p.PhotoURL = &photoURL
		p.UpdatedAt = &updatedAt
	})
}

// Profile は現在のプロフィールのコピーを返す。未取得の場合はnilを返す。
func (m *Manager) Profile() *model.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile.Clone()
}

// IsUploadingAvatar はアバターのアップロード中かを返す。
func (m *Manager) IsUploadingAvatar() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploadingAvatar
}

// Clear はキャッシュしているプロフィールを破棄する。サインアウト時に呼ばれる。
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profile = nil
}

func (m *Manager) adopt(p *model.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profile = p.Clone()
}

// apply はキャッシュしているプロフィールに変更を適用し、コピーを返す。
// キャッシュが別ユーザーのもの、または未取得の場合は何もせずnilを返す。
func (m *Manager) apply(userID string, mutate func(*model.Profile)) *model.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profile == nil || m.profile.ID != userID {
		return nil
	}
	mutate(m.profile)
	return m.profile.Clone()
}

// updated はリモート更新の成功後に呼ばれ、更新後のプロフィールを返す。
// キャッシュが無い場合は保存済みの行を読み直して採用する。
func (m *Manager) updated(ctx context.Context, userID string, mutate func(*model.Profile)) (*model.Profile, error) {
	if p := m.apply(userID, mutate); p != nil {
		return p, nil
	}

	row, err := m.repo.FindByID(ctx, userID)
	if err == nil && row == nil {
		err = errProfileMissing
	}
	if err != nil {
		m.logger.Error("更新後のプロフィールの取得に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProfileFetchFailedError(err)
	}
	m.adopt(row)
	return row.Clone(), nil
}

// DefaultProfile はIdPのメタデータから既定のプロフィールを生成する。
// 表示名は full_name → name → メールアドレスのローカル部 → "User" の順で決める。
// アバターは avatar_url → picture の順で採用し、どちらもなければ設定しない。
func DefaultProfile(user model.User) *model.Profile {
	p := &model.Profile{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: DisplayNameFor(user),
	}
	for _, key := range []string{"avatar_url", "picture"} {
		if v := user.MetadataString(key); v != "" {
			p.PhotoURL = &v
			break
		}
	}
	return p
}

// DisplayNameFor はメタデータから表示名を決める。
func DisplayNameFor(user model.User) string {
	if v := user.MetadataString("full_name"); v != "" {
		return v
	}
	if v := user.MetadataString("name"); v != "" {
		return v
	}
	if local, _, _ := strings.Cut(strings.TrimSpace(user.Email), "@"); local != "" {
		return local
	}
	return defaultDisplayName
}

// AvatarKey はアバター画像のオブジェクトキーを返す。
// 拡張子がない場合はユーザーIDのみをキーにする。
func AvatarKey(userID string, file model.File) string {
	if ext := file.Ext(); ext != "" {
		return userID + "." + ext
	}
	return userID
}
