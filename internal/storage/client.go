// Package storage はオブジェクトストレージ（Supabase互換のStorage API）のクライアントを提供する。
// 一覧取得、アップロード、削除、署名付きURLの発行、公開URLの組み立てを行う。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	storage_go "github.com/supabase-community/storage-go"

	"github.com/hitoshi/photodump/internal/model"
	"github.com/hitoshi/photodump/internal/repository"
	"github.com/hitoshi/photodump/internal/supabase"
)

// ErrObjectExists は上書き禁止のアップロードで同一キーのオブジェクトが既に存在する場合のエラー。
var ErrObjectExists = errors.New("object already exists")

const (
	storagePath  = "/storage/v1"
	cacheControl = "3600"
)

// TokenSource は現在のセッションのアクセストークンを返す。
type TokenSource interface {
	AccessToken() string
}

// Client はStorage APIのクライアント。
// バケットのアクセスポリシーを効かせるため、呼び出しにはユーザーのアクセストークンを使う。
type Client struct {
	endpoint supabase.Endpoint
	tokens   TokenSource
	logger   *slog.Logger
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(endpoint supabase.Endpoint, tokens TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: endpoint,
		tokens:   tokens,
		logger:   logger,
	}
}

// sdk は現在のアクセストークンを持つSDKクライアントを返す。
// SDKは認可ヘッダーとアップロード時のヘッダーをクライアント内に保持するため、呼び出しごとに生成する。
func (c *Client) sdk() *storage_go.Client {
	token := c.accessToken()
	if token == "" {
		token = c.endpoint.AnonKey
	}
	return storage_go.NewClient(c.baseURL(), token, map[string]string{"apikey": c.endpoint.AnonKey})
}

// List はprefix配下のオブジェクトのメタデータを返す。
// フォルダ（idを持たない要素）は結果に含めない。
func (c *Client) List(ctx context.Context, bucket, prefix string, opts repository.ListOptions) ([]model.StoredObject, error) {
	search := storage_go.FileSearchOptions{
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}
	if opts.SortBy.Column != "" {
		order := opts.SortBy.Order
		if order == "" {
			order = repository.SortAsc
		}
		search.SortByOptions = storage_go.SortBy{Column: opts.SortBy.Column, Order: string(order)}
	}

	sdk := c.sdk()
	files, err := supabase.Call(ctx, func() ([]storage_go.FileObject, error) {
		return sdk.ListFiles(bucket, prefix, search)
	})
	if err != nil {
		c.logger.Error("オブジェクト一覧の取得に失敗しました",
			slog.String("bucket", bucket),
			slog.String("prefix", prefix),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to list objects: %w", toError(err))
	}

	objects := make([]model.StoredObject, 0, len(files))
	for _, f := range files {
		if f.Id == "" {
			continue
		}
		obj := model.StoredObject{ID: f.Id, Name: f.Name}
		if t, err := time.Parse(time.RFC3339Nano, f.CreatedAt); err == nil {
			obj.CreatedAt = t
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// Upload はオブジェクトをアップロードする。
// opts.Upsertがfalseで同一キーが存在する場合はErrObjectExistsをラップして返す。
func (c *Client) Upload(ctx context.Context, bucket, key string, body io.Reader, opts repository.UploadOptions) error {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	cache := cacheControl
	upsert := opts.Upsert
	fileOpts := storage_go.FileOptions{
		ContentType:  &contentType,
		CacheControl: &cache,
		Upsert:       &upsert,
	}

	sdk := c.sdk()
	_, err := supabase.Call(ctx, func() (storage_go.FileUploadResponse, error) {
		return sdk.UploadFile(bucket, escapeKey(key), body, fileOpts)
	})
	if err != nil {
		err = toError(err)
		if !opts.Upsert && supabase.IsConflict(err) {
			return fmt.Errorf("%w: %s/%s: %v", ErrObjectExists, bucket, key, err)
		}
		c.logger.Error("オブジェクトのアップロードに失敗しました",
			slog.String("bucket", bucket),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}

// Remove は指定キーのオブジェクトを削除する。
// 存在しないキーはStorage API側で無視される。
func (c *Client) Remove(ctx context.Context, bucket string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	sdk := c.sdk()
	_, err := supabase.Call(ctx, func() ([]storage_go.FileUploadResponse, error) {
		return sdk.RemoveFile(bucket, keys)
	})
	if err != nil {
		c.logger.Error("オブジェクトの削除に失敗しました",
			slog.String("bucket", bucket),
			slog.Int("key_count", len(keys)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to remove objects: %w", toError(err))
	}
	return nil
}

// CreateSignedURL は有効期限付きの署名付きURLを発行する。
// APIが返す相対パスはストレージのベースURLを付与した絶対URLに変換する。
func (c *Client) CreateSignedURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	seconds := int(expiry / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	sdk := c.sdk()
	resp, err := supabase.Call(ctx, func() (storage_go.SignedUrlResponse, error) {
		return sdk.CreateSignedUrl(bucket, escapeKey(key), seconds)
	})
	if err != nil {
		return "", fmt.Errorf("failed to create signed URL: %w", toError(err))
	}

	// SDKは応答の値にベースURLを無条件に連結する
	signed := strings.TrimPrefix(resp.SignedURL, c.baseURL())
	if signed == "" {
		return "", fmt.Errorf("failed to create signed URL: empty response for %s/%s", bucket, key)
	}
	return c.absolute(signed), nil
}

// PublicURL は公開バケットのオブジェクトの固定URLを返す。
func (c *Client) PublicURL(bucket, key string) string {
	return c.sdk().GetPublicUrl(bucket, escapeKey(key)).SignedURL
}

// absolute は署名付きURLを絶対URLに変換する。既に絶対URLの場合はそのまま返す。
func (c *Client) absolute(signed string) string {
	if u, err := url.Parse(signed); err == nil && u.IsAbs() {
		return signed
	}
	if !strings.HasPrefix(signed, "/") {
		signed = "/" + signed
	}
	return c.baseURL() + signed
}

func (c *Client) baseURL() string {
	return c.endpoint.URL(storagePath)
}

func (c *Client) accessToken() string {
	if c.tokens == nil {
		return ""
	}
	return c.tokens.AccessToken()
}

// toError はSDKのエラーを*supabase.Errorに変換する。
// Storage APIのエラーボディはstatusCodeを文字列で返すため、StatusCodeは0になることがある。
func toError(err error) error {
	var se *storage_go.StorageError
	if errors.As(err, &se) {
		return &supabase.Error{StatusCode: se.Status, Message: se.Message}
	}
	return err
}

// escapeKey はオブジェクトキーを"/"区切りのセグメントごとにパスエスケープする。
func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// compile-time interface check
var _ repository.ObjectStorage = (*Client)(nil)
