package mega

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions detected locally, before or after talking to
// the API. API-reported failures use ErrorCode instead.
var (
	// ErrInvalidResponseType means a response slot held a different shape
	// than the request in that slot calls for.
	ErrInvalidResponseType = errors.New("invalid server response type")
	// ErrInvalidResponseFormat means a response body could not be parsed.
	ErrInvalidResponseFormat = errors.New("invalid response format")
	// ErrMaxRetriesReached means no meaningful response was obtained within
	// the configured number of attempts.
	ErrMaxRetriesReached = errors.New("could not get a meaningful response after maximum retries")
	// ErrMACMismatch means downloaded content failed MAC verification. The
	// output must be discarded.
	ErrMACMismatch = errors.New("failed MAC verification")
	// ErrNodeNotFound means a node lookup by hash, path or name failed.
	ErrNodeNotFound = errors.New("failed to find node")
	// ErrNodeAttributeNotFound means the node has no thumbnail or preview.
	ErrNodeAttributeNotFound = errors.New("failed to find node attribute")
	// ErrCyclicMove means a move would place a folder inside its own subtree.
	ErrCyclicMove = errors.New("move would create a circular linkage")
	// ErrNotAuthenticated means the session is not in a state that allows
	// authenticated commands.
	ErrNotAuthenticated = errors.New("session is not authenticated")
	// ErrMFARequired means login needs a second factor; submit it to proceed.
	ErrMFARequired = errors.New("multi-factor code required to complete login")
	// ErrNoChallenge means SubmitMFA was called without a pending login.
	ErrNoChallenge = errors.New("no multi-factor challenge pending")
	// ErrMissingSalt means a version-2 account's pre-login response carried
	// no password salt.
	ErrMissingSalt = errors.New("missing password salt")
	// ErrInvalidPublicLink means a public URL did not match a known format.
	ErrInvalidPublicLink = errors.New("invalid public link format")
	// ErrInvalidKeyMaterial means key data had the wrong size or failed to
	// produce sensible plaintext.
	ErrInvalidKeyMaterial = errors.New("invalid key material")
	// ErrInvalidAttributes means a node attribute blob failed decryption or
	// parsing.
	ErrInvalidAttributes = errors.New("malformed node attributes")
)

// UnknownLoginVersionError is returned when the pre-login handshake reports a
// key-derivation version this client does not implement.
type UnknownLoginVersionError struct {
	Version int
}

func (e *UnknownLoginVersionError) Error() string {
	return fmt.Sprintf("unknown user login version: %d", e.Version)
}

// ErrorCode is an in-band error code from MEGA's API. The zero value means
// success; every failure is negative.
type ErrorCode int

const (
	CodeOK                 ErrorCode = 0
	CodeInternal           ErrorCode = -1
	CodeArgs               ErrorCode = -2
	CodeAgain              ErrorCode = -3
	CodeRateLimit          ErrorCode = -4
	CodeFailed             ErrorCode = -5
	CodeTooMany            ErrorCode = -6
	CodeRange              ErrorCode = -7
	CodeExpired            ErrorCode = -8
	CodeNotFound           ErrorCode = -9
	CodeCircular           ErrorCode = -10
	CodeAccess             ErrorCode = -11
	CodeExists             ErrorCode = -12
	CodeIncomplete         ErrorCode = -13
	CodeKey                ErrorCode = -14
	CodeSID                ErrorCode = -15
	CodeBlocked            ErrorCode = -16
	CodeOverQuota          ErrorCode = -17
	CodeTempUnavailable    ErrorCode = -18
	CodeTooManyConnections ErrorCode = -19
	CodeWrite              ErrorCode = -20
	CodeRead               ErrorCode = -21
	CodeAppKey             ErrorCode = -22
	CodeSSL                ErrorCode = -23
	CodeGoingOverQuota     ErrorCode = -24
	CodeMFARequired        ErrorCode = -26
	CodeMasterOnly         ErrorCode = -27
	CodeBusinessPastDue    ErrorCode = -28
	CodePaywall            ErrorCode = -29
)

func (c ErrorCode) Error() string {
	switch c {
	case CodeOK:
		return "no error"
	case CodeInternal:
		return "internal error"
	case CodeArgs:
		return "invalid argument"
	case CodeAgain:
		return "request failed, retrying"
	case CodeRateLimit:
		return "rate limit exceeded"
	case CodeFailed:
		return "failed permanently"
	case CodeTooMany:
		return "too many concurrent connections or transfers"
	case CodeRange:
		return "out of range"
	case CodeExpired:
		return "expired"
	case CodeNotFound:
		return "not found"
	case CodeCircular:
		return "circular linkage detected"
	case CodeAccess:
		return "access denied"
	case CodeExists:
		return "already exists"
	case CodeIncomplete:
		return "incomplete"
	case CodeKey:
		return "invalid key / decryption error"
	case CodeSID:
		return "bad session ID"
	case CodeBlocked:
		return "blocked"
	case CodeOverQuota:
		return "over quota"
	case CodeTempUnavailable:
		return "temporarily not available"
	case CodeTooManyConnections:
		return "connection overflow"
	case CodeWrite:
		return "write error"
	case CodeRead:
		return "read error"
	case CodeAppKey:
		return "invalid application key"
	case CodeSSL:
		return "SSL verification failed"
	case CodeGoingOverQuota:
		return "not enough quota"
	case CodeMFARequired:
		return "multi-factor authentication required"
	case CodeMasterOnly:
		return "access denied for users"
	case CodeBusinessPastDue:
		return "business account has expired"
	case CodePaywall:
		return "storage quota exceeded"
	default:
		return fmt.Sprintf("unknown error (%d)", int(c))
	}
}
