package identity

import (
	"errors"
	"fmt"
)

// Kind is the closed set of identity failures surfaced to users.
type Kind int

const (
	KindUnexpected Kind = iota
	KindUnknownUser
	KindWrongCredential
	KindInvalidInput
	KindDisabledAccount
	KindRateLimited
	KindNetworkError
	KindEmailInUse
	KindWeakSecret
	KindCancelled
	KindPopupBlocked
	KindInvalidCredential
)

// Provider error codes.
const (
	CodeUserNotFound       = "auth/user-not-found"
	CodeWrongPassword      = "auth/wrong-password"
	CodeInvalidEmail       = "auth/invalid-email"
	CodeUserDisabled       = "auth/user-disabled"
	CodeTooManyRequests    = "auth/too-many-requests"
	CodeNetworkFailed      = "auth/network-request-failed"
	CodeEmailAlreadyInUse  = "auth/email-already-in-use"
	CodeWeakPassword       = "auth/weak-password"
	CodePopupClosedByUser  = "auth/popup-closed-by-user"
	CodePopupBlocked       = "auth/popup-blocked"
	CodeInvalidCredential  = "auth/invalid-credential"
	CodeUserTokenExpired   = "auth/user-token-expired"
	CodeNoCurrentPrincipal = "auth/no-current-user"
)

var codeKinds = map[string]Kind{
	CodeUserNotFound:      KindUnknownUser,
	CodeWrongPassword:     KindWrongCredential,
	CodeInvalidEmail:      KindInvalidInput,
	CodeUserDisabled:      KindDisabledAccount,
	CodeTooManyRequests:   KindRateLimited,
	CodeNetworkFailed:     KindNetworkError,
	CodeEmailAlreadyInUse: KindEmailInUse,
	CodeWeakPassword:      KindWeakSecret,
	CodePopupClosedByUser: KindCancelled,
	CodePopupBlocked:      KindPopupBlocked,
	CodeInvalidCredential: KindInvalidCredential,
}

var kindMessages = map[Kind]string{
	KindUnexpected:        "Unexpected error. Please try again.",
	KindUnknownUser:       "User not found.",
	KindWrongCredential:   "Incorrect password.",
	KindInvalidInput:      "Invalid email.",
	KindDisabledAccount:   "Account disabled.",
	KindRateLimited:       "Too many attempts. Please try again later.",
	KindNetworkError:      "Network error. Please check your connection.",
	KindEmailInUse:        "This email is already in use.",
	KindWeakSecret:        "Password is too weak.",
	KindCancelled:         "Login cancelled by the user.",
	KindPopupBlocked:      "Popup blocked. Please allow popups for this site.",
	KindInvalidCredential: "Invalid credentials. Please check email and password.",
}

var kindNames = map[Kind]string{
	KindUnexpected:        "unexpected",
	KindUnknownUser:       "unknown-user",
	KindWrongCredential:   "wrong-credential",
	KindInvalidInput:      "invalid-input",
	KindDisabledAccount:   "disabled-account",
	KindRateLimited:       "rate-limited",
	KindNetworkError:      "network-error",
	KindEmailInUse:        "email-in-use",
	KindWeakSecret:        "weak-secret",
	KindCancelled:         "cancelled",
	KindPopupBlocked:      "popup-blocked",
	KindInvalidCredential: "invalid-credential",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnexpected]
}

// Message returns the fixed user-facing message for k.
func (k Kind) Message() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return kindMessages[KindUnexpected]
}

// KindOf maps a provider error code to its Kind. Unmapped codes are
// KindUnexpected.
func KindOf(code string) Kind {
	if k, ok := codeKinds[code]; ok {
		return k
	}
	return KindUnexpected
}

// Error is a provider failure tagged with its code.
type Error struct {
	Code string
	Err  error
}

// NewError returns an *Error for code.
func NewError(code string) *Error {
	return &Error{Code: code}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("identity provider: %s: %v", e.Code, e.Err)
	}
	return "identity provider: " + e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Kind returns the user-facing category of the error.
func (e *Error) Kind() Kind { return KindOf(e.Code) }

// Message maps err to one of the fixed user-facing messages. Errors that
// are not identity errors map to the unexpected-error message.
func Message(err error) string {
	if e, ok := errors.AsType[*Error](err); ok {
		return e.Kind().Message()
	}
	return KindUnexpected.Message()
}

// IsKind reports whether err is an identity error of kind k.
func IsKind(err error, k Kind) bool {
	e, ok := errors.AsType[*Error](err)
	return ok && e.Kind() == k
}
