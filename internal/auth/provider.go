package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/supabase-community/gotrue-go"
	"github.com/supabase-community/gotrue-go/types"
	"golang.org/x/oauth2"

	"github.com/hitoshi/photodump/internal/model"
	"github.com/hitoshi/photodump/internal/supabase"
)

// Provider はBaaSの認証API（/auth/v1）に対するOAuth PKCEフローを提供する。
type Provider interface {
	// AuthorizeURL はOAuthプロバイダーへのリダイレクトURLを生成する。
	AuthorizeURL(provider, redirectTo, verifier string) string
	// ExchangeCode は認可コードとPKCE検証子をセッションに交換する。
	ExchangeCode(ctx context.Context, code, verifier string) (*model.Session, error)
	// Refresh はリフレッシュトークンでセッションを更新する。
	Refresh(ctx context.Context, refreshToken string) (*model.Session, error)
	// SignOut はアクセストークンを失効させる。
	SignOut(ctx context.Context, accessToken string) error
}

// BaaSProvider はSupabase互換の認証APIを使うProvider実装。
// リフレッシュとサインアウトはgotrue-goで呼び出す。
// 認可コードの交換はauth_codeフィールドを要求するため直接呼び出す。
type BaaSProvider struct {
	endpoint   supabase.Endpoint
	httpClient *http.Client
	gotrue     gotrue.Client
	now        func() time.Time
}

// NewBaaSProvider はBaaSProviderを生成する。
func NewBaaSProvider(endpoint supabase.Endpoint, httpClient *http.Client) *BaaSProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &BaaSProvider{
		endpoint:   endpoint,
		httpClient: httpClient,
		gotrue: gotrue.New("", endpoint.AnonKey).
			WithCustomGoTrueURL(endpoint.URL("/auth/v1")).
			WithClient(*httpClient),
		now: time.Now,
	}
}

// AuthorizeURL は認可エンドポイントのURLを生成する。
// code_challengeには検証子のS256ハッシュを設定する。
func (p *BaaSProvider) AuthorizeURL(provider, redirectTo, verifier string) string {
	params := url.Values{
		"provider":              {provider},
		"redirect_to":           {redirectTo},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"s256"},
	}
	return p.endpoint.URL("/auth/v1/authorize") + "?" + params.Encode()
}

// tokenResponse は/auth/v1/tokenのレスポンス。
type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	RefreshToken string       `json:"refresh_token"`
	User         *userPayload `json:"user"`
}

// userPayload はBaaSのユーザーオブジェクト。
type userPayload struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	AppMetadata  map[string]any `json:"app_metadata"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// accessClaims はアクセストークンのJWTクレーム。
type accessClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// ExchangeCode は認可コードをセッションに交換する。
func (p *BaaSProvider) ExchangeCode(ctx context.Context, code, verifier string) (*model.Session, error) {
	if code == "" {
		return nil, fmt.Errorf("authorization code is required")
	}
	body := map[string]string{
		"auth_code":     code,
		"code_verifier": verifier,
	}
	return p.token(ctx, "pkce", body)
}

// Refresh はリフレッシュトークンでセッションを更新する。
func (p *BaaSProvider) Refresh(ctx context.Context, refreshToken string) (*model.Session, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}
	resp, err := supabase.Call(ctx, func() (*types.TokenResponse, error) {
		return p.gotrue.RefreshToken(refreshToken)
	})
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}
	return p.toSession(fromGoTrue(resp.Session))
}

// SignOut はアクセストークンに紐づくセッションをBaaS側で失効させる。
func (p *BaaSProvider) SignOut(ctx context.Context, accessToken string) error {
	_, err := supabase.Call(ctx, func() (struct{}, error) {
		return struct{}{}, p.gotrue.WithToken(accessToken).Logout()
	})
	if err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	return nil
}

// fromGoTrue はgotrue-goのセッションをトークンレスポンスに変換する。
// userが省略された応答ではIDがゼロ値になるため、クレームから補わせる。
func fromGoTrue(s types.Session) *tokenResponse {
	resp := &tokenResponse{
		AccessToken:  s.AccessToken,
		TokenType:    s.TokenType,
		ExpiresIn:    int64(s.ExpiresIn),
		ExpiresAt:    s.ExpiresAt,
		RefreshToken: s.RefreshToken,
	}
	if s.User.ID != uuid.Nil {
		resp.User = &userPayload{
			ID:           s.User.ID.String(),
			Email:        s.User.Email,
			AppMetadata:  s.User.AppMetadata,
			UserMetadata: s.User.UserMetadata,
		}
	}
	return resp
}

// token は/auth/v1/tokenを直接呼び出し、レスポンスをセッションに変換する。
func (p *BaaSProvider) token(ctx context.Context, grantType string, body any) (*model.Session, error) {
	path := "/auth/v1/token?" + url.Values{"grant_type": {grantType}}.Encode()
	req, err := p.endpoint.NewRequest(ctx, http.MethodPost, path, body, "")
	if err != nil {
		return nil, err
	}

	var resp tokenResponse
	if err := supabase.Do(p.httpClient, req, &resp); err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	return p.toSession(&resp)
}

// toSession はトークンレスポンスをセッションに変換する。
// レスポンスに欠けている値はアクセストークンのクレームで補う。
// 署名検証はBaaS側が行うため、ここではクレームの読み取りのみ行う。
func (p *BaaSProvider) toSession(resp *tokenResponse) (*model.Session, error) {
	var claims accessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}

	session := &model.Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}

	// 1. 有効期限: expires_at → expires_in → expクレームの順で採用
	switch {
	case resp.ExpiresAt > 0:
		session.ExpiresAt = time.Unix(resp.ExpiresAt, 0)
	case resp.ExpiresIn > 0:
		session.ExpiresAt = p.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	case claims.ExpiresAt != nil:
		session.ExpiresAt = claims.ExpiresAt.Time
	}

	// 2. ユーザー: レスポンスのuserを優先し、欠けていればクレームから補う
	user := model.User{}
	if resp.User != nil {
		user.ID = resp.User.ID
		user.Email = resp.User.Email
		user.Metadata = resp.User.UserMetadata
		if provider, ok := resp.User.AppMetadata["provider"].(string); ok {
			user.Provider = provider
		}
	}
	if user.ID == "" {
		user.ID = claims.Subject
	}
	if user.Email == "" {
		user.Email = claims.Email
	}
	if user.ID == "" {
		return nil, fmt.Errorf("token response has no user id")
	}
	session.User = user

	return session, nil
}

// compile-time interface check
var _ Provider = (*BaaSProvider)(nil)
