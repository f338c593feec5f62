package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"DEFECT_MONITOR/go-backend/internal/database"
	"DEFECT_MONITOR/go-backend/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
)

const CookieName = "sid"

type UserLookup interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

type Manager struct {
	store  *Store
	users  UserLookup
	codec  *securecookie.SecureCookie
	secure bool
}

type ctxKey struct{}

type current struct {
	user  *models.User
	token string
}

// NewManager signs cookies with an HMAC keyed by secret. The cookie's
// embedded timestamp expires with the store TTL.
func NewManager(store *Store, users UserLookup, secret string, secure bool) *Manager {
	codec := securecookie.New([]byte(secret), nil)
	codec.MaxAge(int(store.TTL().Seconds()))
	return &Manager{store: store, users: users, codec: codec, secure: secure}
}

// Serialize reduces an identity to what the store keeps.
func (m *Manager) Serialize(id models.Identity) []byte {
	b, _ := json.Marshal(id)
	return b
}

// Deserialize resolves a stored payload back to the account.
// A payload whose account no longer exists yields (nil, nil).
func (m *Manager) Deserialize(ctx context.Context, payload []byte) (*models.User, error) {
	var id models.Identity
	if err := json.Unmarshal(payload, &id); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	u, err := m.users.GetByID(ctx, id.ID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.PasswordHash = ""
	return u, nil
}

// Login starts a fresh session, dropping any session the request carried.
func (m *Manager) Login(w http.ResponseWriter, r *http.Request, id models.Identity) error {
	if old, ok := m.tokenFrom(r); ok {
		if err := m.store.Delete(old); err != nil {
			slog.Warn("failed to drop previous session", "error", err)
		}
	}

	token := uuid.NewString()
	if err := m.store.Save(token, m.Serialize(id)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return m.setCookie(w, token)
}

func (m *Manager) Logout(w http.ResponseWriter, r *http.Request) error {
	m.clearCookie(w)
	token, ok := m.tokenFrom(r)
	if !ok {
		return nil
	}
	return m.store.Delete(token)
}

// Middleware attaches the signed-in user, if any, to the request context.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := m.tokenFrom(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		payload, err := m.store.Load(token)
		if err != nil {
			if !errors.Is(err, ErrNoSession) {
				slog.Error("session load failed", "error", err)
			}
			next.ServeHTTP(w, r)
			return
		}

		user, err := m.Deserialize(r.Context(), payload)
		if err != nil {
			slog.Error("session deserialize failed", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if user == nil {
			_ = m.store.Delete(token)
			m.clearCookie(w)
			next.ServeHTTP(w, r)
			return
		}

		if err := m.store.Save(token, payload); err != nil {
			slog.Warn("session touch failed", "error", err)
		} else if err := m.setCookie(w, token); err != nil {
			slog.Warn("session cookie refresh failed", "error", err)
		}

		ctx := context.WithValue(r.Context(), ctxKey{}, &current{user: user, token: token})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func UserFrom(ctx context.Context) (*models.User, bool) {
	c, ok := ctx.Value(ctxKey{}).(*current)
	if !ok || c.user == nil {
		return nil, false
	}
	return c.user, true
}

func (m *Manager) ActiveSessions() int {
	return m.store.Count()
}

func (m *Manager) tokenFrom(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return "", false
	}
	var token string
	if err := m.codec.Decode(CookieName, cookie.Value, &token); err != nil || token == "" {
		return "", false
	}
	return token, true
}

func (m *Manager) setCookie(w http.ResponseWriter, token string) error {
	value, err := m.codec.Encode(CookieName, token)
	if err != nil {
		return fmt.Errorf("encode session cookie: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(m.store.TTL().Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (m *Manager) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
