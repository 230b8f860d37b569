package session

import "errors"

var (
	// ErrBadRequest covers empty session ids, empty first messages, and
	// first-message elements that are not valid JSON.
	ErrBadRequest = errors.New("invalid session request")
	// ErrBadWorkingDir means the requested cwd is missing or not a directory.
	ErrBadWorkingDir = errors.New("working directory does not exist or is not a directory")
	// ErrNotFound means the session is neither live nor on disk.
	ErrNotFound = errors.New("session not found")
	// ErrStartupFileMissing means the child never produced a non-empty
	// transcript file within the startup window.
	ErrStartupFileMissing = errors.New("transcript file did not appear in time")
	// ErrSessionClosed is returned by Enqueue after the session terminated.
	ErrSessionClosed = errors.New("session closed")
)
