package protocol

import "fmt"

// Error kinds surfaced to clients. Validation and rule violations are
// returned in an error envelope; they never disconnect the client.
const (
	KindInvalidJSON          = "INVALID_JSON"
	KindInvalidMessage       = "INVALID_MESSAGE"
	KindMissingField         = "MISSING_FIELD"
	KindUnknownCommand       = "UNKNOWN_COMMAND"
	KindInvalidAction        = "INVALID_ACTION"
	KindInvalidKey           = "INVALID_KEY"
	KindAuthFailed           = "AUTH_FAILED"
	KindRateLimited          = "RATE_LIMITED"
	KindNotFound             = "NOT_FOUND"
	KindAlreadyStarted       = "ALREADY_STARTED"
	KindNotInProgress        = "NOT_IN_PROGRESS"
	KindNotAPlayer           = "NOT_A_PLAYER"
	KindNotYourTurn          = "NOT_YOUR_TURN"
	KindIllegalMove          = "ILLEGAL_MOVE"
	KindNoFreeSlot           = "NO_FREE_SLOT"
	KindSpectatorsDisallowed = "SPECTATORS_DISALLOWED"
	KindMuted                = "MUTED"
	KindNotInRoom            = "NOT_IN_ROOM"
	KindMessageTooLong       = "MESSAGE_TOO_LONG"
	KindEmptyMessage         = "EMPTY_MESSAGE"
	KindExpired              = "EXPIRED"
	KindSelfJoin             = "SELF_JOIN"
	KindPermissionDenied     = "PERMISSION_DENIED"
	KindQueryTimeout         = "QUERY_TIMEOUT"
	KindServerAtCapacity     = "SERVER_AT_CAPACITY"
	KindInternal             = "INTERNAL"
)

// ServerError is the one error type that crosses the router boundary to the
// wire. Detail carries structured hints (retryAfter, valid action sets, ...).
type ServerError struct {
	Kind    string
	Message string
	Detail  map[string]interface{}
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a ServerError with no detail.
func NewError(kind, format string, args ...interface{}) *ServerError {
	return &ServerError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a detail entry and returns the error for chaining.
func (e *ServerError) WithDetail(key string, value interface{}) *ServerError {
	if e.Detail == nil {
		e.Detail = make(map[string]interface{})
	}
	e.Detail[key] = value
	return e
}

// ErrorMessage converts an error into an error envelope. Non-ServerError
// values are masked as INTERNAL so internals never leak to clients.
func ErrorMessage(requestID string, err error) *ServerMessage {
	se, ok := err.(*ServerError)
	if !ok {
		se = NewError(KindInternal, "internal server error")
	}
	data := map[string]interface{}{
		"kind":    se.Kind,
		"message": se.Message,
	}
	if len(se.Detail) > 0 {
		data["detail"] = se.Detail
	}
	msg := NewMessage(TypeError, data)
	msg.RequestID = requestID
	return msg
}
