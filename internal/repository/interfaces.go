// Package repository はデータ永続化のインターフェースを定義する。
// profilesテーブルとオブジェクトストレージは外部のBaaSが保持し、
// このパッケージはそれらへの呼び出し契約と実装を提供する。
package repository

import (
	"context"
	"io"
	"time"

	"github.com/hitoshi/photodump/internal/model"
)

// ProfileRepository はprofilesテーブルの永続化インターフェース。
// 行はユーザーIDを自然キーとし、このアプリケーションからは削除しない。
type ProfileRepository interface {
	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)

	// Upsert はIDをキーにプロフィールを挿入または更新し、保存後の行を返す。
	// 同じIDで繰り返し呼び出しても行は重複しない。
	Upsert(ctx context.Context, profile *model.Profile) (*model.Profile, error)

	// Update は指定IDのプロフィールを部分更新する。
	// nilフィールドは変更しない。
	Update(ctx context.Context, id string, update model.ProfileUpdate) error
}

// SortOrder はオブジェクト一覧の並び順を表す。
type SortOrder string

const (
	// SortAsc は昇順。
	SortAsc SortOrder = "asc"
	// SortDesc は降順。
	SortDesc SortOrder = "desc"
)

// SortBy はオブジェクト一覧のソート指定。
type SortBy struct {
	Column string
	Order  SortOrder
}

// ListOptions はオブジェクト一覧取得のオプション。
type ListOptions struct {
	Limit  int
	Offset int
	SortBy SortBy
}

// UploadOptions はオブジェクトアップロードのオプション。
// Upsertがfalseの場合、同一キーのオブジェクトが存在するとアップロードは失敗する。
type UploadOptions struct {
	ContentType string
	Upsert      bool
}

// ObjectStorage はオブジェクトストレージの操作インターフェース。
type ObjectStorage interface {
	// List はprefix配下のオブジェクトのメタデータを返す。
	List(ctx context.Context, bucket, prefix string, opts ListOptions) ([]model.StoredObject, error)

	// Upload はオブジェクトをアップロードする。
	// opts.Upsertがfalseでキーが既に存在する場合は失敗する。
	Upload(ctx context.Context, bucket, key string, body io.Reader, opts UploadOptions) error

	// Remove は指定キーのオブジェクトを削除する。
	Remove(ctx context.Context, bucket string, keys []string) error

	// CreateSignedURL は有効期限付きの署名付きURLを発行する。
	CreateSignedURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)

	// PublicURL は公開バケットのオブジェクトの固定URLを返す。リモート呼び出しは行わない。
	PublicURL(bucket, key string) string
}
