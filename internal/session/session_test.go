package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"DEFECT_MONITOR/go-backend/internal/database"
	"DEFECT_MONITOR/go-backend/internal/models"
)

type fakeUsers map[string]*models.User

func (f fakeUsers) GetByID(_ context.Context, id string) (*models.User, error) {
	u, ok := f[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	s, err := Open("", ttl)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreSaveLoadDelete(t *testing.T) {
	s := newTestStore(t, time.Hour)

	if err := s.Save("tok", []byte(`{"id":"1"}`)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := s.Load("tok")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(got) != `{"id":"1"}` {
		t.Errorf("Load = %s", got)
	}
	if s.Count() != 1 {
		t.Errorf("Count = %d, want 1", s.Count())
	}

	if err := s.Delete("tok"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Load("tok"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected ErrNoSession after delete, got %v", err)
	}
}

func TestStoreEntryExpires(t *testing.T) {
	s := newTestStore(t, time.Second)

	if err := s.Save("short", []byte(`{}`)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	time.Sleep(2100 * time.Millisecond)

	if _, err := s.Load("short"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected expired session, got %v", err)
	}
}

func newTestManager(t *testing.T) (*Manager, *Store) {
	t.Helper()
	store := newTestStore(t, time.Hour)
	users := fakeUsers{
		"u1": {ID: "u1", Username: "kim", Email: "kim@plant.local", PasswordHash: "$2a$10$secret"},
	}
	return NewManager(store, users, "test-secret", false), store
}

func whoami(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFrom(r.Context())
		if !ok {
			w.Write([]byte("anonymous"))
			return
		}
		if u.PasswordHash != "" {
			t.Error("Password hash leaked into request context")
		}
		w.Write([]byte(u.Username))
	})
}

func loginCookie(t *testing.T, m *Manager, id models.Identity) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/member/sign-in", nil)
	if err := m.Login(rec, req, id); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == CookieName {
			if !c.HttpOnly || c.SameSite != http.SameSiteLaxMode {
				t.Errorf("Cookie attributes wrong: %+v", c)
			}
			return c
		}
	}
	t.Fatal("No session cookie set")
	return nil
}

func TestMiddlewareResolvesUser(t *testing.T) {
	m, _ := newTestManager(t)
	cookie := loginCookie(t, m, models.Identity{ID: "u1", Username: "kim"})

	req := httptest.NewRequest(http.MethodGet, "/api/member/check-auth", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	m.Middleware(whoami(t)).ServeHTTP(rec, req)

	if rec.Body.String() != "kim" {
		t.Errorf("Expected kim, got %q", rec.Body.String())
	}
}

func TestMiddlewareRejectsTamperedCookie(t *testing.T) {
	m, _ := newTestManager(t)
	cookie := loginCookie(t, m, models.Identity{ID: "u1", Username: "kim"})
	b := []byte(cookie.Value)
	mid := len(b) / 2
	if b[mid] == 'A' {
		b[mid] = 'B'
	} else {
		b[mid] = 'A'
	}
	cookie.Value = string(b)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	m.Middleware(whoami(t)).ServeHTTP(rec, req)

	if rec.Body.String() != "anonymous" {
		t.Errorf("Tampered cookie authenticated as %q", rec.Body.String())
	}
}

func TestMiddlewareRejectsCookieFromOtherSecret(t *testing.T) {
	m, store := newTestManager(t)
	other := NewManager(store, fakeUsers{"u1": {ID: "u1", Username: "kim"}}, "another-secret", false)
	cookie := loginCookie(t, other, models.Identity{ID: "u1", Username: "kim"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	m.Middleware(whoami(t)).ServeHTTP(rec, req)

	if rec.Body.String() != "anonymous" {
		t.Errorf("Cookie signed with another secret authenticated as %q", rec.Body.String())
	}
}

func TestMiddlewareDropsSessionForDeletedAccount(t *testing.T) {
	m, store := newTestManager(t)
	cookie := loginCookie(t, m, models.Identity{ID: "ghost", Username: "gone"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	m.Middleware(whoami(t)).ServeHTTP(rec, req)

	if rec.Body.String() != "anonymous" {
		t.Errorf("Expected anonymous, got %q", rec.Body.String())
	}
	if store.Count() != 0 {
		t.Errorf("Expected orphan session removed, %d left", store.Count())
	}
}

func TestLogoutDestroysSession(t *testing.T) {
	m, store := newTestManager(t)
	cookie := loginCookie(t, m, models.Identity{ID: "u1", Username: "kim"})

	req := httptest.NewRequest(http.MethodPost, "/api/member/logout", nil)
	req.AddCookie(cookie)
	if err := m.Logout(httptest.NewRecorder(), req); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if store.Count() != 0 {
		t.Errorf("Expected no sessions after logout, got %d", store.Count())
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	m.Middleware(whoami(t)).ServeHTTP(rec, req)
	if rec.Body.String() != "anonymous" {
		t.Errorf("Old cookie still authenticates as %q", rec.Body.String())
	}
}

func TestLoginReplacesPreviousSession(t *testing.T) {
	m, store := newTestManager(t)
	first := loginCookie(t, m, models.Identity{ID: "u1", Username: "kim"})

	req := httptest.NewRequest(http.MethodPost, "/api/member/sign-in", nil)
	req.AddCookie(first)
	if err := m.Login(httptest.NewRecorder(), req, models.Identity{ID: "u1", Username: "kim"}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if store.Count() != 1 {
		t.Errorf("Expected a single live session, got %d", store.Count())
	}
}

func TestSerializeKeepsOnlyIdentity(t *testing.T) {
	m, _ := newTestManager(t)
	got := string(m.Serialize(models.Identity{ID: "u1", Username: "kim"}))
	if got != `{"id":"u1","username":"kim"}` {
		t.Errorf("Serialize = %s", got)
	}
}
