package auth

import (
	"errors"

	"github.com/jmcleod/chatguard/apiclient"
	"github.com/jmcleod/chatguard/envelope"
	"github.com/jmcleod/chatguard/identity"
	"github.com/jmcleod/chatguard/keycache"
)

// User-facing messages that are not tied to a provider code.
const (
	MsgSecureDataFailed = "Failed to secure data. Please try again."
	MsgRequestError     = "Request error"
	MsgUnexpected       = "Unexpected error. Please try again."
	MsgNotSignedIn      = "You are not signed in."
)

// Message maps any error returned by Service to the text shown to the user.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if v, ok := errors.AsType[*ValidationError](err); ok {
		return v.First()
	}
	if _, ok := errors.AsType[*identity.Error](err); ok {
		return identity.Message(err)
	}
	if errors.Is(err, envelope.ErrEncryptionFailure) || errors.Is(err, keycache.ErrKeyUnavailable) {
		return MsgSecureDataFailed
	}
	if e, ok := errors.AsType[*apiclient.Error](err); ok {
		if e.Message != "" {
			return e.Message
		}
		return MsgRequestError
	}
	if errors.Is(err, ErrNotSignedIn) {
		return MsgNotSignedIn
	}
	if errors.Is(err, apiclient.ErrNetwork) {
		return identity.KindNetworkError.Message()
	}
	return MsgUnexpected
}
