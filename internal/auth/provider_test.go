package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/hitoshi/photodump/internal/supabase"
)

// signTestToken はテスト用のアクセストークンを生成する。
func signTestToken(t *testing.T, sub, email string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func newTestProvider(t *testing.T, h http.HandlerFunc) *BaaSProvider {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return NewBaaSProvider(supabase.Endpoint{BaseURL: server.URL, AnonKey: "anon"}, server.Client())
}

func TestBaaSProvider_AuthorizeURL_ContainsPKCEChallenge(t *testing.T) {
	p := NewBaaSProvider(supabase.Endpoint{BaseURL: "https://project.example.com", AnonKey: "anon"}, nil)
	verifier := oauth2.GenerateVerifier()

	raw := p.AuthorizeURL("google", "http://localhost:5173", verifier)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/auth/v1/authorize", u.Path)
	q := u.Query()
	assert.Equal(t, "google", q.Get("provider"))
	assert.Equal(t, "http://localhost:5173", q.Get("redirect_to"))
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(verifier), q.Get("code_challenge"))
	assert.Equal(t, "s256", q.Get("code_challenge_method"))
	assert.NotContains(t, raw, verifier)
}

func TestBaaSProvider_ExchangeCode_Success(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	access := signTestToken(t, "user-1", "jane@example.com", expiresAt)

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/token", r.URL.Path)
		assert.Equal(t, "pkce", r.URL.Query().Get("grant_type"))
		assert.Equal(t, "anon", r.Header.Get("apikey"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "auth-code", body["auth_code"])
		assert.Equal(t, "verifier", body["code_verifier"])

		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"token_type":    "bearer",
			"expires_at":    expiresAt.Unix(),
			"refresh_token": "refresh-1",
			"user": map[string]any{
				"id":            "user-1",
				"email":         "jane@example.com",
				"app_metadata":  map[string]any{"provider": "google"},
				"user_metadata": map[string]any{"full_name": "Jane Doe"},
			},
		})
	})

	session, err := p.ExchangeCode(context.Background(), "auth-code", "verifier")
	require.NoError(t, err)
	assert.Equal(t, access, session.AccessToken)
	assert.Equal(t, "refresh-1", session.RefreshToken)
	assert.True(t, session.ExpiresAt.Equal(expiresAt))
	assert.Equal(t, "user-1", session.User.ID)
	assert.Equal(t, "google", session.User.Provider)
	assert.Equal(t, "Jane Doe", session.User.MetadataString("full_name"))
}

func TestBaaSProvider_ExchangeCode_FillsUserFromClaims(t *testing.T) {
	expiresAt := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	access := signTestToken(t, "user-2", "bob@example.com", expiresAt)

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"refresh_token": "refresh-2",
		})
	})

	session, err := p.ExchangeCode(context.Background(), "auth-code", "verifier")
	require.NoError(t, err)
	assert.Equal(t, "user-2", session.User.ID)
	assert.Equal(t, "bob@example.com", session.User.Email)
	assert.True(t, session.ExpiresAt.Equal(expiresAt))
}

func TestBaaSProvider_ExchangeCode_ErrorResponse(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"invalid flow state, no valid flow state found"}`))
	})

	_, err := p.ExchangeCode(context.Background(), "auth-code", "verifier")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid flow state")
}

func TestBaaSProvider_ExchangeCode_RejectsEmptyCode(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("リモート呼び出しが発生してはならない")
	})

	_, err := p.ExchangeCode(context.Background(), "", "verifier")
	assert.Error(t, err)
}

func TestBaaSProvider_ExchangeCode_RejectsMalformedToken(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"not-a-jwt"}`))
	})

	_, err := p.ExchangeCode(context.Background(), "auth-code", "verifier")
	assert.Error(t, err)
}

func TestBaaSProvider_Refresh_UsesRefreshGrant(t *testing.T) {
	access := signTestToken(t, "user-1", "jane@example.com", time.Now().Add(time.Hour))

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "refresh_token", r.URL.Query().Get("grant_type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh-1", body["refresh_token"])
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"expires_in":    3600,
			"refresh_token": "refresh-2",
		})
	})

	session, err := p.Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", session.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), session.ExpiresAt, 5*time.Second)
}

func TestBaaSProvider_SignOut_SendsAccessToken(t *testing.T) {
	var called bool
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/v1/logout", r.URL.Path)
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, p.SignOut(context.Background(), "user-token"))
	assert.True(t, called)
}

func TestBaaSProvider_SignOut_Failure(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	assert.Error(t, p.SignOut(context.Background(), "user-token"))
}

func TestBaaSProvider_Refresh_UsesResponseUser(t *testing.T) {
	userID := "4f1c7e2a-9a43-4b8e-9d0a-6c2f1b7e5d11"
	access := signTestToken(t, userID, "claims@example.com", time.Now().Add(time.Hour))
	expiresAt := time.Now().Add(30 * time.Minute).Truncate(time.Second)

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/token", r.URL.Path)
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"expires_at":    expiresAt.Unix(),
			"refresh_token": "refresh-2",
			"user": map[string]any{
				"id":            userID,
				"email":         "jane@example.com",
				"app_metadata":  map[string]any{"provider": "google"},
				"user_metadata": map[string]any{"full_name": "Jane Doe"},
			},
		})
	})

	session, err := p.Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, userID, session.User.ID)
	assert.Equal(t, "jane@example.com", session.User.Email)
	assert.Equal(t, "google", session.User.Provider)
	assert.Equal(t, "Jane Doe", session.User.Metadata["full_name"])
	assert.True(t, expiresAt.Equal(session.ExpiresAt))
}

func TestBaaSProvider_Refresh_ErrorResponse(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid Refresh Token"}`))
	})

	_, err := p.Refresh(context.Background(), "refresh-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid Refresh Token")
}

func TestBaaSProvider_Refresh_RejectsEmptyToken(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("リモート呼び出しが発生してはならない")
	})

	_, err := p.Refresh(context.Background(), "")
	assert.Error(t, err)
}

func TestBaaSProvider_SignOut_CanceledContext(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("リモート呼び出しが発生してはならない")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.SignOut(ctx, "user-token")
	assert.ErrorIs(t, err, context.Canceled)
}
