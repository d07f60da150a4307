package directory

import "errors"

var (
	// ErrDuplicateAddress means the address is registered to another node.
	ErrDuplicateAddress = errors.New("directory: address already registered")
	// ErrInvalidAddress means the address was empty or malformed.
	ErrInvalidAddress = errors.New("directory: invalid address")
	// ErrDirectoryUnreachable means the directory could not be contacted or
	// is not serving. Attachment attempts fail; the caller retries.
	ErrDirectoryUnreachable = errors.New("directory: unreachable")

	ErrAlreadyStarted = errors.New("directory: already started")
	ErrNotStarted     = errors.New("directory: not started")
)
