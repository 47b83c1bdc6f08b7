package protocol

import (
	"errors"
)

var (
	// Connection errors

	ErrConnectionClosed  = errors.New("connection is closed")
	ErrClientNotFound    = errors.New("client not found")
	ErrMaxClientsReached = errors.New("maximum clients reached")

	// Channel errors

	ErrUnknownChannel = errors.New("unknown channel")
	ErrChannelFull    = errors.New("channel queue is full")

	// Frame errors

	ErrTruncated       = errors.New("message truncated")
	ErrInvalidFrame    = errors.New("invalid frame")
	ErrMessageTooLarge = errors.New("message too large")

	// Transport errors

	ErrTransportClosed       = errors.New("transport is closed")
	ErrTransportNotSupported = errors.New("transport not supported")
)

// ErrorCode is the numeric form of a protocol error, carried in connection
// close frames.
type ErrorCode int

const (
	ErrorCodeSuccess ErrorCode = 0

	// Connection error codes (1000-1999)

	ErrorCodeConnectionClosed ErrorCode = 1001
	ErrorCodeClientNotFound   ErrorCode = 1002
	ErrorCodeMaxClients       ErrorCode = 1003
	ErrorCodeRulesMismatch    ErrorCode = 1004

	// Channel error codes (2000-2999)

	ErrorCodeUnknownChannel ErrorCode = 2001
	ErrorCodeChannelFull    ErrorCode = 2002

	// Frame error codes (3000-3999)

	ErrorCodeTruncated       ErrorCode = 3001
	ErrorCodeInvalidFrame    ErrorCode = 3002
	ErrorCodeMessageTooLarge ErrorCode = 3003

	// Transport error codes (7000-7999)

	ErrorCodeTransportClosed       ErrorCode = 7001
	ErrorCodeTransportNotSupported ErrorCode = 7002

	ErrorCodeUnknownError ErrorCode = 9999
)

// Error is a protocol error with its numeric code.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewProtocolError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsFatal reports whether the connection must be closed after err.
func (e *Error) IsFatal() bool {
	switch e.Code {
	case ErrorCodeConnectionClosed,
		ErrorCodeRulesMismatch,
		ErrorCodeTransportClosed:
		return true
	default:
		return false
	}
}

var errorCodeMap = map[error]ErrorCode{
	ErrConnectionClosed:  ErrorCodeConnectionClosed,
	ErrClientNotFound:    ErrorCodeClientNotFound,
	ErrMaxClientsReached: ErrorCodeMaxClients,

	ErrUnknownChannel: ErrorCodeUnknownChannel,
	ErrChannelFull:    ErrorCodeChannelFull,

	ErrTruncated:       ErrorCodeTruncated,
	ErrInvalidFrame:    ErrorCodeInvalidFrame,
	ErrMessageTooLarge: ErrorCodeMessageTooLarge,

	ErrTransportClosed:       ErrorCodeTransportClosed,
	ErrTransportNotSupported: ErrorCodeTransportNotSupported,
}

// GetErrorCode returns the code of err or of the first sentinel it wraps.
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeSuccess
	}

	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.Code
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ErrorCodeUnknownError
}

// WrapError wraps err into an *Error carrying its code.
func WrapError(err error, message string) *Error {
	return NewProtocolError(GetErrorCode(err), message, err)
}
