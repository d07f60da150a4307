package node

import "errors"

var (
	// ErrConnectionRefused means a candidate answered a connect with refuse
	// or could not be dialed. The caller moves to the next ranked candidate.
	ErrConnectionRefused = errors.New("node: connection refused")
	// ErrConnectionTimeout means a connect got no answer within
	// ConnectTimeout.
	ErrConnectionTimeout = errors.New("node: connection timeout")

	ErrAlreadyStarted = errors.New("node: already started")
	ErrNotStarted     = errors.New("node: not started")
	ErrLeaving        = errors.New("node: leaving")
)
