package auth

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("auth: invalid input")
	ErrAuthFailed = errors.New("auth: authentication failed")
	ErrNotFound   = errors.New("auth: not found")
	ErrConflict   = errors.New("auth: already exists")
	ErrStorage    = errors.New("auth: storage unavailable")
	ErrTokenUsed  = errors.New("auth: refresh token already consumed")
)

// Reasons reported by AuthFailedError. They are returned to callers verbatim.
const (
	ReasonInvalidCredentials = "invalid credentials"
	ReasonEmailTaken         = "email already registered"
	ReasonInvalidToken       = "invalid token"
	ReasonTokenNotFound      = "token not found"
	ReasonAlreadyUsed        = "already used"
	ReasonExpired            = "expired"
	ReasonPairMismatch       = "token pair mismatch"
	ReasonOwnerMismatch      = "ownership mismatch"
)

// AuthFailedError is a rejected credential or token. It matches ErrAuthFailed.
type AuthFailedError struct {
	Reason string
}

func (e *AuthFailedError) Error() string { return "auth: " + e.Reason }

func (e *AuthFailedError) Is(target error) bool { return target == ErrAuthFailed }

func authFailed(reason string) error {
	return &AuthFailedError{Reason: reason}
}

// ValidationError carries one message per rejected field.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	if len(e.Messages) == 0 {
		return ErrValidation.Error()
	}
	return fmt.Sprintf("%s: %s", ErrValidation, e.Messages[0])
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// storageError wraps a persistence failure so callers can match ErrStorage
// while logs keep the underlying cause.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: timed out: %v", ErrStorage, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// FailureMessages flattens a validation or authentication failure into the
// messages returned to the caller. ok is false for any other error.
func FailureMessages(err error) (messages []string, ok bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return append([]string(nil), verr.Messages...), true
	}
	var aerr *AuthFailedError
	if errors.As(err, &aerr) {
		return []string{aerr.Reason}, true
	}
	return nil, false
}
