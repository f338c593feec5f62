package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"DEFECT_MONITOR/go-backend/internal/apperr"
	"DEFECT_MONITOR/go-backend/internal/models"
	"DEFECT_MONITOR/go-backend/internal/session"
)

func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req models.SignUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), dbTimeout)
	defer cancel()
	u, err := h.Auth.Register(ctx, req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	slog.Info("user registered", "username", u.Username)
	writeMessage(w, http.StatusCreated, "회원가입이 완료되었습니다!")
}

func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req models.SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeMessage(w, http.StatusUnauthorized, "Missing credentials")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), dbTimeout)
	defer cancel()
	u, err := h.Auth.Verify(ctx, req.Username, req.Password)
	if err != nil {
		if apperr.IsKind(err, apperr.KindAuth) {
			e, _ := apperr.As(err)
			writeMessage(w, http.StatusUnauthorized, e.Message)
			return
		}
		writeAppError(w, r, err)
		return
	}

	if err := h.Sessions.Login(w, r, u.Identity()); err != nil {
		slog.Error("세션 저장 실패", "username", u.Username, "error", err)
		writeMessage(w, http.StatusInternalServerError, "세션 저장 실패")
		return
	}

	slog.Info("user logged in", "username", u.Username)
	writeJSON(w, http.StatusOK, models.SignInResponse{
		Message: "로그인을 성공했습니다!",
		User:    u.Safe(),
	})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := h.Sessions.Logout(w, r); err != nil {
		slog.Warn("session delete failed", "error", err)
	}
	writeMessage(w, http.StatusOK, "로그아웃되었습니다.")
}

func (h *Handler) CheckAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	u, ok := session.UserFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, models.AuthStatus{IsAuthenticated: false})
		return
	}
	safe := u.Safe()
	writeJSON(w, http.StatusOK, models.AuthStatus{IsAuthenticated: true, User: &safe})
}
