package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/photodump/internal/middleware"
	"github.com/hitoshi/photodump/internal/model"
	"github.com/hitoshi/photodump/internal/security"
)

const testCSRFToken = "router-test-csrf-token"

// fakeWorkspaceStore はmiddleware.WorkspaceStoreのテスト用実装。
type fakeWorkspaceStore struct {
	mu         sync.Mutex
	workspaces map[string]*mockWorkspace
	created    int
}

func newFakeWorkspaceStore(workspaces ...*mockWorkspace) *fakeWorkspaceStore {
	s := &fakeWorkspaceStore{workspaces: make(map[string]*mockWorkspace)}
	for _, ws := range workspaces {
		s.workspaces[ws.id] = ws
	}
	return s
}

func (s *fakeWorkspaceStore) Lookup(id string) (middleware.Workspace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, false
	}
	return ws, true
}

func (s *fakeWorkspaceStore) Create() (middleware.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
	ws := &mockWorkspace{
		id: "ws-created",
		signInFn: func(provider string) (string, string, error) {
			return "https://project.example.com/auth/v1/authorize?provider=google", "verifier", nil
		},
	}
	s.workspaces[ws.id] = ws
	return ws, nil
}

// failingChecker は常に失敗するHealthChecker。
type failingChecker struct{}

func (failingChecker) PingContext(ctx context.Context) error { return errors.New("connection refused") }

func newTestRouter(t *testing.T, store middleware.WorkspaceStore, mutate func(*RouterDeps)) http.Handler {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    100,
		UploadRate:      0.001,
		UploadBurst:     1,
		CleanupInterval: time.Minute,
	})
	t.Cleanup(rl.Stop)

	deps := &RouterDeps{
		Workspaces:        store,
		CORSAllowedOrigin: "http://localhost:5173",
		RateLimiter:       rl,
		AuthConfig:        AuthHandlerConfig{BaseURL: "http://localhost:5173"},
		ImageFetcher:      &mockImageFetcher{},
		Sanitizer:         security.NewDisplayNameSanitizer(),
	}
	if mutate != nil {
		mutate(deps)
	}
	return NewRouter(deps)
}

// newRouterRequest はワークスペースCookieとCSRFトークンを付けたリクエストを生成する。
func newRouterRequest(method, target, workspaceID string, withCSRF bool) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	if workspaceID != "" {
		req.AddCookie(&http.Cookie{Name: "workspace_id", Value: workspaceID})
	}
	if withCSRF {
		req.AddCookie(&http.Cookie{Name: "csrf_token", Value: testCSRFToken})
		req.Header.Set("X-CSRF-Token", testCSRFToken)
	}
	return req
}

func authenticatedWorkspace() *mockWorkspace {
	return &mockWorkspace{id: "ws-auth", userID: "user-1"}
}

func TestRouter_Health(t *testing.T) {
	router := newTestRouter(t, newFakeWorkspaceStore(), nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}

func TestRouter_Health_Unavailable(t *testing.T) {
	router := newTestRouter(t, newFakeWorkspaceStore(), func(d *RouterDeps) {
		d.HealthChecker = failingChecker{}
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestRouter_Metrics(t *testing.T) {
	t.Run("mounted", func(t *testing.T) {
		router := newTestRouter(t, newFakeWorkspaceStore(), func(d *RouterDeps) {
			d.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("# metrics"))
			})
		})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if w.Code != http.StatusOK || w.Body.String() != "# metrics" {
			t.Errorf("status = %d, body = %q", w.Code, w.Body.String())
		}
	})

	t.Run("not mounted", func(t *testing.T) {
		router := newTestRouter(t, newFakeWorkspaceStore(), nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

func TestRouter_State_Anonymous(t *testing.T) {
	router := newTestRouter(t, newFakeWorkspaceStore(), nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, newRouterRequest(http.MethodGet, "/api/state", "", false))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	// 安全なメソッドではCSRFトークンCookieが発行される
	if !strings.Contains(w.Header().Get("Set-Cookie"), "csrf_token=") {
		t.Error("expected csrf_token cookie on safe request")
	}
}

func TestRouter_ProtectedRoutes_RequireAuthentication(t *testing.T) {
	anonymous := &mockWorkspace{id: "ws-anon"}
	router := newTestRouter(t, newFakeWorkspaceStore(anonymous), nil)

	tests := []struct {
		name        string
		method      string
		target      string
		workspaceID string
	}{
		{"no cookie", http.MethodGet, "/api/photos", ""},
		{"unknown workspace", http.MethodGet, "/api/photos", "ws-expired"},
		{"anonymous workspace", http.MethodGet, "/api/photos", "ws-anon"},
		{"content without session", http.MethodGet, "/api/photos/a/content", "ws-anon"},
		{"activity", http.MethodPost, "/api/activity", "ws-anon"},
		{"display name", http.MethodPut, "/api/profile/display-name", "ws-anon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, newRouterRequest(tt.method, tt.target, tt.workspaceID, true))

			if w.Code != http.StatusUnauthorized {
				t.Errorf("%s %s status = %d, want %d", tt.method, tt.target, w.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestRouter_ListPhotos_Authenticated(t *testing.T) {
	ws := authenticatedWorkspace()
	ws.imagesFn = func() []model.ImageEntry { return []model.ImageEntry{{ID: "a"}} }
	router := newTestRouter(t, newFakeWorkspaceStore(ws), nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, newRouterRequest(http.MethodGet, "/api/photos", ws.id, false))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"id":"a"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestRouter_StateChangingRoutes_RequireCSRF(t *testing.T) {
	ws := authenticatedWorkspace()
	router := newTestRouter(t, newFakeWorkspaceStore(ws), nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, newRouterRequest(http.MethodDelete, "/api/photos/a?confirm=true", ws.id, false))

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestRouter_DeletePhoto_WithCSRF(t *testing.T) {
	var gotID string
	ws := authenticatedWorkspace()
	ws.deleteFn = func(ctx context.Context, imageID string, confirmed bool) (bool, error) {
		gotID = imageID
		return confirmed, nil
	}
	router := newTestRouter(t, newFakeWorkspaceStore(ws), nil)

	req := newRouterRequest(http.MethodDelete, "/api/photos/img-42", ws.id, true)
	req.Header.Set("X-Confirm-Delete", "true")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if gotID != "img-42" {
		t.Errorf("imageID = %q, want %q", gotID, "img-42")
	}
}

func TestRouter_PhotoContent(t *testing.T) {
	ws := authenticatedWorkspace()
	ws.imageURLFn = func(ctx context.Context, imageID string) (string, error) {
		return "https://project.example.com/signed/" + imageID, nil
	}
	router := newTestRouter(t, newFakeWorkspaceStore(ws), nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, newRouterRequest(http.MethodGet, "/api/photos/img-1/content", ws.id, false))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
}

func TestRouter_Upload_RateLimited(t *testing.T) {
	ws := authenticatedWorkspace()
	ws.uploadFn = func(ctx context.Context, files []model.File) ([]model.ImageEntry, error) {
		return []model.ImageEntry{{ID: "1"}}, nil
	}
	router := newTestRouter(t, newFakeWorkspaceStore(ws), nil)

	upload := func() int {
		req := newMultipartRequest(t, http.MethodPost, "/api/photos",
			multipartPart{field: "files", filename: "a.png", contentType: "image/png", data: pngHeader})
		req.AddCookie(&http.Cookie{Name: "workspace_id", Value: ws.id})
		req.AddCookie(&http.Cookie{Name: "csrf_token", Value: testCSRFToken})
		req.Header.Set("X-CSRF-Token", testCSRFToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	if got := upload(); got != http.StatusCreated {
		t.Fatalf("first upload status = %d, want %d", got, http.StatusCreated)
	}
	if got := upload(); got != http.StatusTooManyRequests {
		t.Errorf("second upload status = %d, want %d", got, http.StatusTooManyRequests)
	}
}

func TestRouter_Login_CreatesWorkspace(t *testing.T) {
	store := newFakeWorkspaceStore()
	router := newTestRouter(t, store, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/login", nil))

	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTemporaryRedirect)
	}
	if store.created != 1 {
		t.Errorf("created = %d, want 1", store.created)
	}

	var workspaceCookie, verifierCookie bool
	for _, c := range w.Result().Cookies() {
		switch c.Name {
		case "workspace_id":
			workspaceCookie = c.Value == "ws-created"
		case pkceVerifierCookie:
			verifierCookie = c.Value == "verifier"
		}
	}
	if !workspaceCookie {
		t.Error("expected workspace_id cookie")
	}
	if !verifierCookie {
		t.Error("expected PKCE verifier cookie")
	}
}

func TestRouter_Login_ReusesWorkspace(t *testing.T) {
	ws := &mockWorkspace{
		id: "ws-existing",
		signInFn: func(provider string) (string, string, error) {
			return "https://project.example.com/authorize", "v", nil
		},
	}
	store := newFakeWorkspaceStore(ws)
	router := newTestRouter(t, store, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, newRouterRequest(http.MethodGet, "/auth/login", ws.id, false))

	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTemporaryRedirect)
	}
	if store.created != 0 {
		t.Errorf("created = %d, want 0", store.created)
	}
}

func TestRouter_Logout_RequiresCSRF(t *testing.T) {
	ws := authenticatedWorkspace()
	router := newTestRouter(t, newFakeWorkspaceStore(ws), nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, newRouterRequest(http.MethodPost, "/auth/logout", ws.id, false))
	if w.Code != http.StatusForbidden {
		t.Errorf("without CSRF status = %d, want %d", w.Code, http.StatusForbidden)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, newRouterRequest(http.MethodPost, "/auth/logout", ws.id, true))
	if w.Code != http.StatusNoContent {
		t.Errorf("with CSRF status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	router := newTestRouter(t, newFakeWorkspaceStore(), nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/photos", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-Confirm-Delete") {
		t.Errorf("Access-Control-Allow-Headers = %q, want to include X-Confirm-Delete", got)
	}
}
