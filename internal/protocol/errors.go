package protocol

import "errors"

// Error taxonomy shared by the hub and the client core. Per-request errors
// (Forbidden, NotFound, MalformedPayload) never terminate a session;
// AuthExpired and TransportFailure do.
var (
	ErrAuthExpired      = errors.New("auth token invalid or expired")
	ErrForbidden        = errors.New("not a member of this room")
	ErrNotFound         = errors.New("room not found")
	ErrNotConnected     = errors.New("no open session")
	ErrTransportFailure = errors.New("transport failure")
	ErrMalformedPayload = errors.New("malformed payload")
)

const (
	CodeAuthExpired      = "auth_expired"
	CodeForbidden        = "forbidden"
	CodeNotFound         = "not_found"
	CodeNotConnected     = "not_connected"
	CodeTransportFailure = "transport_failure"
	CodeMalformedPayload = "malformed_payload"
	CodeInternal         = "internal"
)

func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuthExpired):
		return CodeAuthExpired
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrNotConnected):
		return CodeNotConnected
	case errors.Is(err, ErrTransportFailure):
		return CodeTransportFailure
	case errors.Is(err, ErrMalformedPayload):
		return CodeMalformedPayload
	}
	return CodeInternal
}

// ErrorFromCode maps a wire code back to its sentinel so the client can
// use errors.Is against server-reported failures.
func ErrorFromCode(code string) error {
	switch code {
	case CodeAuthExpired:
		return ErrAuthExpired
	case CodeForbidden:
		return ErrForbidden
	case CodeNotFound:
		return ErrNotFound
	case CodeNotConnected:
		return ErrNotConnected
	case CodeTransportFailure:
		return ErrTransportFailure
	case CodeMalformedPayload:
		return ErrMalformedPayload
	}
	return errors.New(code)
}
