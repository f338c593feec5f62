package models

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity is the minimal user form kept in a session.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type SafeUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

func (u *User) Safe() SafeUser {
	return SafeUser{ID: u.ID, Username: u.Username, Email: u.Email}
}

func (u *User) Identity() Identity {
	return Identity{ID: u.ID, Username: u.Username}
}

type DefectRecord struct {
	ID        int64           `json:"_id"`
	DeviceID  string          `json:"device_id"`
	Value     *float64        `json:"value,omitempty"`
	Defective bool            `json:"defective"`
	Image     string          `json:"image,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type DefectStats struct {
	TotalCount  int64 `json:"totalCount"`
	NormalCount int64 `json:"normalCount"`
}

type SignUpRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

type SignInRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SignInResponse struct {
	Message string   `json:"message"`
	User    SafeUser `json:"user"`
}

type AuthStatus struct {
	IsAuthenticated bool      `json:"isAuthenticated"`
	User            *SafeUser `json:"user,omitempty"`
}

type CreateDefectRequest struct {
	DeviceID  string          `json:"device_id"`
	Value     *float64        `json:"value"`
	Defective *bool           `json:"defective,omitempty"`
	Image     string          `json:"image,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

type CreateDefectResponse struct {
	Message   string `json:"message"`
	DeviceID  string `json:"device_id"`
	Defective bool   `json:"defective"`
}

type MessageResponse struct {
	Message string `json:"message"`
}
