package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the session broker surfaces. Callers
// switch on the kind; raw HTTP statuses and Upstream bytes never leak past
// the broker boundary.
type ErrorKind string

const (
	KindChallengeRequired    ErrorKind = "challenge_required"
	KindNoActiveChallenge    ErrorKind = "no_active_challenge"
	KindCredentialsInvalid   ErrorKind = "credentials_invalid"
	KindUserNotFound         ErrorKind = "user_not_found"
	KindUpstreamTransient    ErrorKind = "upstream_transient"
	KindCredentialCorruption ErrorKind = "credential_corruption"
	KindAuthorizationDenied  ErrorKind = "authorization_denied"
	KindNotFound             ErrorKind = "not_found"
	KindValidation           ErrorKind = "validation"
)

// BrokerError is the structured error every broker operation returns.
// Challenge-related fields are populated only for KindChallengeRequired.
type BrokerError struct {
	Kind        ErrorKind
	Challenge   ChallengeKind
	Origin      ChallengeOrigin
	Message     string
	Credentials []OTPCredential // alternative TOTP credentials, if the page offered any
	WrongCode   bool            // a code was submitted and rejected; the challenge is still open
	Err         error
}

func (e *BrokerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// ErrChallengeRequired builds a KindChallengeRequired error.
func ErrChallengeRequired(kind ChallengeKind, origin ChallengeOrigin, creds []OTPCredential) *BrokerError {
	return &BrokerError{
		Kind:        KindChallengeRequired,
		Challenge:   kind,
		Origin:      origin,
		Credentials: creds,
	}
}

// ErrWrongCode builds a challenge-still-open error after a rejected code.
func ErrWrongCode(kind ChallengeKind, origin ChallengeOrigin, creds []OTPCredential) *BrokerError {
	return &BrokerError{
		Kind:        KindChallengeRequired,
		Challenge:   kind,
		Origin:      origin,
		Credentials: creds,
		WrongCode:   true,
		Message:     "code rejected, try again",
	}
}

// ErrNoActiveChallenge is returned by submit_code when no pending challenge
// exists (or the row expired).
func ErrNoActiveChallenge() *BrokerError {
	return &BrokerError{Kind: KindNoActiveChallenge, Message: "no active challenge; start login again"}
}

// ErrCredentialsInvalid marks a stored or submitted login/password pair
// rejected by Upstream.
func ErrCredentialsInvalid(msg string) *BrokerError {
	return &BrokerError{Kind: KindCredentialsInvalid, Message: msg}
}

// ErrUserNotFound marks a missing user row.
func ErrUserNotFound(tgID int64) *BrokerError {
	return &BrokerError{Kind: KindUserNotFound, Message: fmt.Sprintf("user %d not found", tgID)}
}

// ErrUpstreamTransient wraps a network or timeout failure against Upstream.
func ErrUpstreamTransient(err error) *BrokerError {
	return &BrokerError{Kind: KindUpstreamTransient, Err: err}
}

// ErrCredentialCorruption marks an undecryptable stored secret. The row is
// kept; an operator must decide what to do with it.
func ErrCredentialCorruption(err error) *BrokerError {
	return &BrokerError{Kind: KindCredentialCorruption, Err: err}
}

// KindOf extracts the ErrorKind from err, or "" when err is not a BrokerError.
func KindOf(err error) ErrorKind {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// AsBroker returns the BrokerError wrapped in err, or nil.
func AsBroker(err error) *BrokerError {
	var be *BrokerError
	if errors.As(err, &be) {
		return be
	}
	return nil
}

// Error codes for the HTTP envelope.
const (
	ErrCodeUnauthorized      = "unauthorized"
	ErrCodeForbidden         = "forbidden"
	ErrCodeNotFound          = "not_found"
	ErrCodeInvalidInput      = "invalid_input"
	ErrCodeRateLimited       = "rate_limited"
	ErrCodeChallengeRequired = "challenge_required"
	ErrCodeWrongCode         = "wrong_code"
	ErrCodeInternalError     = "internal_error"
)
