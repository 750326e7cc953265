package devserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pribylovaa/authsession/internal/apierrors"
	"github.com/pribylovaa/authsession/internal/models"
)

type handlers struct {
	svc *Service
}

func (h *handlers) Register(w http.ResponseWriter, r *http.Request) {
	var in models.RegisterRequest
	if err := decodeStrict(r, &in); err != nil {
		apierrors.Write(w, r, errInvalidArgument())
		return
	}

	out, err := h.svc.Register(r.Context(), in)
	if err != nil {
		apierrors.Write(w, r, toAPIError(err))
		return
	}

	writeJSON(w, http.StatusCreated, out)
}

func (h *handlers) Login(w http.ResponseWriter, r *http.Request) {
	var in models.LoginRequest
	if err := decodeStrict(r, &in); err != nil {
		apierrors.Write(w, r, errInvalidArgument())
		return
	}

	out, err := h.svc.Login(r.Context(), in)
	if err != nil {
		apierrors.Write(w, r, toAPIError(err))
		return
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	var in models.RefreshRequest
	if err := decodeStrict(r, &in); err != nil || in.RefreshToken == "" {
		apierrors.Write(w, r, errInvalidArgument())
		return
	}

	out, err := h.svc.Refresh(r.Context(), in.RefreshToken)
	if err != nil {
		apierrors.Write(w, r, toAPIError(err))
		return
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) Logout(w http.ResponseWriter, r *http.Request) {
	var in models.LogoutRequest
	if err := decodeStrict(r, &in); err != nil || in.RefreshToken == "" {
		apierrors.Write(w, r, errInvalidArgument())
		return
	}

	if err := h.svc.Logout(r.Context(), in.RefreshToken); err != nil {
		apierrors.Write(w, r, toAPIError(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var in models.VerifyEmailRequest
	if err := decodeStrict(r, &in); err != nil || in.Token == "" {
		apierrors.Write(w, r, errInvalidArgument())
		return
	}

	if err := h.svc.VerifyEmail(r.Context(), in.Token); err != nil {
		apierrors.Write(w, r, toAPIError(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var in models.ResendVerificationRequest
	if err := decodeStrict(r, &in); err != nil {
		apierrors.Write(w, r, errInvalidArgument())
		return
	}

	if err := h.svc.ResendVerification(r.Context(), in.Email); err != nil {
		apierrors.Write(w, r, toAPIError(err))
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) Me(w http.ResponseWriter, r *http.Request) {
	token := accessTokenFrom(r.Context())
	if token == "" {
		apierrors.Write(w, r, apierrors.New(http.StatusUnauthorized, "", "missing bearer token"))
		return
	}

	out, err := h.svc.Me(r.Context(), token)
	if err != nil {
		apierrors.Write(w, r, toAPIError(err))
		return
	}

	writeJSON(w, http.StatusOK, out)
}

// toAPIError маппит доменные ошибки сервиса на HTTP-ответы.
func toAPIError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return apierrors.New(http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
	case errors.Is(err, ErrTokenExpired):
		return apierrors.New(http.StatusUnauthorized, "token_expired", "token expired")
	case errors.Is(err, ErrTokenRevoked):
		return apierrors.New(http.StatusUnauthorized, "token_revoked", "token revoked")
	case errors.Is(err, ErrInvalidToken):
		return apierrors.New(http.StatusUnauthorized, "invalid_token", "invalid token")
	case errors.Is(err, ErrEmailTaken):
		return apierrors.New(http.StatusConflict, "", "email already taken")
	case errors.Is(err, ErrInvalidEmail), errors.Is(err, ErrWeakPassword), errors.Is(err, ErrEmptyPassword):
		return apierrors.New(http.StatusBadRequest, "", err.Error())
	case errors.Is(err, ErrAlreadyVerified):
		return apierrors.New(http.StatusPreconditionFailed, "", "email already verified")
	default:
		return err
	}
}

func errInvalidArgument() error {
	return apierrors.New(http.StatusBadRequest, "", "")
}

// writeJSON - единый ответ JSON с нужным Content-Type.
func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// decodeStrict - строгий JSON-декодер: неизвестные поля запрещены.
func decodeStrict(r *http.Request, value any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(value)
}
