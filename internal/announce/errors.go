package announce

import "errors"

var (
	ErrFeedAlreadyRunning = errors.New("feed is already running")
	ErrFeedNotRunning     = errors.New("feed is not running")
	ErrBroadcastFull      = errors.New("broadcast channel is full")
	ErrSubscriberClosed   = errors.New("subscriber closed")
)
