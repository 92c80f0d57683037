package auth

import "errors"

// Reasons carried by Error. They are logged server-side and never sent to clients.
const (
	ReasonMalformedHeader   = "missing or malformed header"
	ReasonMalformedToken    = "malformed token"
	ReasonKeyNotFound       = "signing key not found"
	ReasonKeySetUnavailable = "signing key set unavailable"
	ReasonBadSignature      = "signature verification failed"
	ReasonExpired           = "token expired"
	ReasonAudience          = "invalid audience"
	ReasonIssuer            = "invalid issuer"
	ReasonTokenUse          = "invalid token use"
)

// ErrUnauthorized matches every *Error via errors.Is.
var ErrUnauthorized = errors.New("unauthorized")

// Error is returned for any credential that fails verification.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrUnauthorized }

func newError(reason string, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// ReasonOf returns the reason of an auth error, or "" for other errors.
func ReasonOf(err error) string {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Reason
	}
	return ""
}
