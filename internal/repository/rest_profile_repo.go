package repository

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/supabase-community/postgrest-go"

	"github.com/hitoshi/photodump/internal/model"
	"github.com/hitoshi/photodump/internal/supabase"
)

const (
	restPath       = "/rest/v1"
	profilesTable  = "profiles"
	profileColumns = "id,display_name,email,photo_url,updated_at"
)

// TokenSource は現在のセッションのアクセストークンを返す。
// 未認証の場合は空文字列を返す。
type TokenSource interface {
	AccessToken() string
}

// RESTProfileRepo はPostgREST（/rest/v1）経由のプロフィールリポジトリ。
// 行レベルセキュリティを効かせるため、呼び出しにはユーザーのアクセストークンを使う。
type RESTProfileRepo struct {
	endpoint   supabase.Endpoint
	httpClient *http.Client
	tokens     TokenSource
}

// NewRESTProfileRepo はRESTProfileRepoを生成する。
func NewRESTProfileRepo(endpoint supabase.Endpoint, httpClient *http.Client, tokens TokenSource) *RESTProfileRepo {
	return &RESTProfileRepo{
		endpoint:   endpoint,
		httpClient: httpClient,
		tokens:     tokens,
	}
}

// profileRow はPostgRESTのprofiles行のJSON表現。
type profileRow struct {
	ID          string     `json:"id"`
	DisplayName *string    `json:"display_name"`
	Email       *string    `json:"email"`
	PhotoURL    *string    `json:"photo_url"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

func (row profileRow) toModel() *model.Profile {
	p := &model.Profile{
		ID:        row.ID,
		PhotoURL:  row.PhotoURL,
		UpdatedAt: row.UpdatedAt,
	}
	if row.DisplayName != nil {
		p.DisplayName = *row.DisplayName
	}
	if row.Email != nil {
		p.Email = *row.Email
	}
	return p
}

// client は現在のアクセストークンを持つPostgRESTクライアントを返す。
// 認可ヘッダーはクライアント単位で保持されるため、呼び出しごとに生成する。
func (r *RESTProfileRepo) client() (*postgrest.Client, error) {
	token := r.accessToken()
	if token == "" {
		token = r.endpoint.AnonKey
	}
	c, err := postgrest.NewClientWithError(r.endpoint.URL(restPath), "public", map[string]string{
		"apikey":        r.endpoint.AnonKey,
		"Authorization": "Bearer " + token,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgREST client: %w", err)
	}
	if r.httpClient != nil && r.httpClient.Transport != nil {
		c.Transport.Parent = r.httpClient.Transport
	}
	return c, nil
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *RESTProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	c, err := r.client()
	if err != nil {
		return nil, err
	}

	var rows []profileRow
	if _, err := c.From(profilesTable).
		Select(profileColumns, "", false).
		Eq("id", id).
		ExecuteToWithContext(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to select profile: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toModel(), nil
}

// Upsert はIDをキーにプロフィールを挿入または更新し、保存後の行を返す。
// Prefer: resolution=merge-duplicates によりINSERT ... ON CONFLICT DO UPDATEとして動作する。
func (r *RESTProfileRepo) Upsert(ctx context.Context, p *model.Profile) (*model.Profile, error) {
	c, err := r.client()
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"id":           p.ID,
		"display_name": p.DisplayName,
		"email":        p.Email,
		"photo_url":    p.PhotoURL,
	}

	var rows []profileRow
	if _, err := c.From(profilesTable).
		Upsert(body, "id", "representation", "").
		ExecuteToWithContext(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to upsert profile: %w", err)
	}
	if len(rows) != 1 {
		return nil, fmt.Errorf("upsert returned %d rows, want 1", len(rows))
	}
	return rows[0].toModel(), nil
}

// Update は指定IDのプロフィールを部分更新する。
func (r *RESTProfileRepo) Update(ctx context.Context, id string, update model.ProfileUpdate) error {
	c, err := r.client()
	if err != nil {
		return err
	}
	body := map[string]any{
		"updated_at": update.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if update.DisplayName != nil {
		body["display_name"] = *update.DisplayName
	}
	if update.PhotoURL != nil {
		body["photo_url"] = *update.PhotoURL
	}

	if _, _, err := c.From(profilesTable).
		Update(body, "minimal", "").
		Eq("id", id).
		ExecuteWithContext(ctx); err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	return nil
}

func (r *RESTProfileRepo) accessToken() string {
	if r.tokens == nil {
		return ""
	}
	return r.tokens.AccessToken()
}

// compile-time interface check
var _ ProfileRepository = (*RESTProfileRepo)(nil)
