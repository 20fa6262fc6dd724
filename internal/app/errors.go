package app

import (
	"errors"
	"fmt"
	"net/http"

	"voicecanvas/api/internal/auth"
	"voicecanvas/api/internal/authpw"
	"voicecanvas/api/internal/capture"
	"voicecanvas/api/internal/session"
	"voicecanvas/api/internal/store"
	"voicecanvas/api/internal/suggest"
	"voicecanvas/api/internal/voice"
)

// ErrSignedOut means the sign-in session behind a token no longer exists.
var ErrSignedOut = errors.New("signed out")

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var voiceErr *voice.Error
	if errors.As(err, &voiceErr) {
		return voiceStatus(voiceErr.Kind), "VOICE_" + voiceCode(voiceErr.Kind), voiceErr.Message, map[string]any{"kind": voiceErr.Kind}
	}
	switch {
	case errors.Is(err, ErrSignedOut), errors.Is(err, session.ErrNoIdentity), errors.Is(err, session.ErrSessionNotFound):
		return http.StatusUnauthorized, "SIGNED_OUT", "Signed out", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrMissingFields), errors.Is(err, authpw.ErrWeakPassword), errors.Is(err, authpw.ErrInvalidEmail):
		return http.StatusBadRequest, "SIGNUP_FAILED", err.Error(), nil
	case errors.Is(err, store.ErrInvalidInput), errors.Is(err, suggest.ErrEmptySuggestion):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, voice.ErrBusy):
		return http.StatusConflict, "VOICE_BUSY", "A voice command is already in progress", nil
	case errors.Is(err, voice.ErrNotRecording), errors.Is(err, capture.ErrNotRecording):
		return http.StatusConflict, "NOT_RECORDING", "Not recording", nil
	case errors.Is(err, voice.ErrClosed):
		return http.StatusGone, "WORKSPACE_CLOSED", "Workspace closed", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func voiceStatus(kind voice.ErrorKind) int {
	switch kind {
	case voice.KindValidation:
		return http.StatusUnprocessableEntity
	case voice.KindUnauthorized:
		return http.StatusUnauthorized
	case voice.KindDevice:
		return http.StatusConflict
	case voice.KindTransport:
		return http.StatusBadGateway
	}
	return http.StatusUnprocessableEntity
}

func voiceCode(kind voice.ErrorKind) string {
	switch kind {
	case voice.KindValidation:
		return "VALIDATION"
	case voice.KindDevice:
		return "DEVICE"
	case voice.KindTransport:
		return "TRANSPORT"
	case voice.KindRejected:
		return "REJECTED"
	case voice.KindApply:
		return "APPLY"
	case voice.KindUnauthorized:
		return "UNAUTHORIZED"
	}
	return "ERROR"
}
