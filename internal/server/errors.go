package server

import "errors"

var (
	ErrClientNotFound    = errors.New("client not found")
	ErrMaxClientsReached = errors.New("maximum clients reached")
	ErrInvalidConfig     = errors.New("invalid server configuration")
	ErrStaleAck          = errors.New("acknowledgement does not advance the client")
	ErrFutureAck         = errors.New("acknowledgement for a tick that was never sent")
)
