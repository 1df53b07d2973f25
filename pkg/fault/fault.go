// Package fault defines the error kinds shared by every impactor package.
//
// Packages wrap one of the sentinels below with fmt.Errorf("%w: ...") so that
// callers can branch on the kind with errors.Is or KindOf, while the wrapped
// message stays human readable.
package fault

import (
	"errors"
	"fmt"
)

// Error kind sentinels.
var (
	// ErrIO indicates a filesystem or store failure.
	ErrIO = errors.New("io error")

	// ErrParse indicates a malformed plist or JSON document.
	ErrParse = errors.New("parse error")

	// ErrRemote matches any *RemoteError.
	ErrRemote = errors.New("remote error")

	// ErrDecrypt indicates a profile blob or token could not be decrypted.
	ErrDecrypt = errors.New("decrypt error")

	// ErrTwoFactorCancelled indicates the second-factor prompt returned an error.
	ErrTwoFactorCancelled = errors.New("two-factor authentication cancelled")

	// ErrMissingEmail indicates no email could be extracted from the profile.
	ErrMissingEmail = errors.New("missing email in account profile")

	// ErrTransport indicates a device connection or handshake failure.
	ErrTransport = errors.New("transport error")

	// ErrNotFound indicates a store lookup miss.
	ErrNotFound = errors.New("not found")
)

// RemoteError is a non-zero status returned by the identity provider or the
// provisioning API.
type RemoteError struct {
	Code    int64
	Message string
}

// NewRemoteError creates a RemoteError.
func NewRemoteError(code int64, message string) *RemoteError {
	return &RemoteError{Code: code, Message: message}
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote error %d", e.Code)
	}
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Is reports whether target is ErrRemote.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// Kind is the machine-distinguishable class of an error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindIO
	KindParse
	KindRemote
	KindDecrypt
	KindTwoFactorCancelled
	KindMissingEmail
	KindTransport
	KindNotFound
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IO"
	case KindParse:
		return "PARSE"
	case KindRemote:
		return "REMOTE"
	case KindDecrypt:
		return "DECRYPT"
	case KindTwoFactorCancelled:
		return "TWO_FACTOR_CANCELLED"
	case KindMissingEmail:
		return "MISSING_EMAIL"
	case KindTransport:
		return "TRANSPORT"
	case KindNotFound:
		return "NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrRemote, KindRemote},
	{ErrTwoFactorCancelled, KindTwoFactorCancelled},
	{ErrDecrypt, KindDecrypt},
	{ErrMissingEmail, KindMissingEmail},
	{ErrNotFound, KindNotFound},
	{ErrTransport, KindTransport},
	{ErrParse, KindParse},
	{ErrIO, KindIO},
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// Describe returns a message suitable for showing to a user.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var re *RemoteError
	if errors.As(err, &re) {
		if re.Message != "" {
			return fmt.Sprintf("%s (code %d)", re.Message, re.Code)
		}
		return fmt.Sprintf("request rejected (code %d)", re.Code)
	}
	switch KindOf(err) {
	case KindTwoFactorCancelled:
		return "Two-factor authentication was cancelled."
	case KindMissingEmail:
		return "The account profile did not contain an email address."
	case KindDecrypt:
		return "The server response could not be decrypted. Try signing in again."
	case KindNotFound:
		return "Not found: " + err.Error()
	}
	return err.Error()
}

// NeedsReauth reports whether err suggests the stored credentials are no
// longer accepted and the user should sign in again.
func NeedsReauth(err error) bool {
	var re *RemoteError
	if !errors.As(err, &re) {
		return false
	}
	switch re.Code {
	case -20101, -22406, 401, 1100:
		return true
	}
	return false
}
