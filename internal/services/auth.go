package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"DEFECT_MONITOR/go-backend/internal/apperr"
	"DEFECT_MONITOR/go-backend/internal/database"
	"DEFECT_MONITOR/go-backend/internal/models"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	MsgAccountNotFound  = "아이디 DB에 없음"
	MsgPasswordMismatch = "비번불일치"

	bcryptCost = 10
)

type UserStore interface {
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	Create(ctx context.Context, u *models.User) error
}

type Authenticator struct {
	users UserStore
	cost  int
}

func NewAuthenticator(users UserStore) *Authenticator {
	return &Authenticator{users: users, cost: bcryptCost}
}

// Verify checks a username/password pair. The username match is exact and
// the returned account never carries the hash.
func (a *Authenticator) Verify(ctx context.Context, username, password string) (*models.User, error) {
	u, err := a.users.GetByUsername(ctx, username)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.Auth(MsgAccountNotFound, ErrInvalidCredentials)
	}
	if err != nil {
		return nil, apperr.Persistence("Server Error", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, apperr.Auth(MsgPasswordMismatch, ErrInvalidCredentials)
	}
	safe := *u
	safe.PasswordHash = ""
	return &safe, nil
}

func (a *Authenticator) Register(ctx context.Context, req models.SignUpRequest) (*models.User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, apperr.Validation("ID를 입력해주세요.")
	}
	if req.Password == "" {
		return nil, apperr.Validation("비밀번호를 입력해주세요.")
	}
	// bcrypt ignores everything past 72 bytes
	if len(req.Password) > 72 {
		return nil, apperr.Validation("비밀번호는 72바이트 이하여야 합니다.")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), a.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &models.User{
		ID:           ulid.Make().String(),
		Username:     username,
		Email:        strings.TrimSpace(req.Email),
		PasswordHash: string(hash),
	}
	if err := a.users.Create(ctx, u); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, apperr.Conflict("이미 사용 중인 아이디입니다.", err)
		}
		return nil, apperr.Persistence("Server Error", err)
	}
	return u, nil
}
