package pusher

import "errors"

var (
	ErrMissingAppKey    = errors.New("app key is required")
	ErrAlreadyStarted   = errors.New("client already started")
	ErrNotConnected     = errors.New("client not connected")
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrBadHandshake     = errors.New("invalid connection_established frame")
	ErrNoAuthorizer     = errors.New("no channel authorizer configured")
)
