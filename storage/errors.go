package storage

import "errors"

// Storage error constants
var (
	// ErrAlertNotFound is returned when an alert is not found
	ErrAlertNotFound = errors.New("alert not found")

	// ErrExceptionNotFound is returned when an exception is not found
	ErrExceptionNotFound = errors.New("exception not found")

	// ErrServerNotFound is returned when a server is not found
	ErrServerNotFound = errors.New("server not found")

	// ErrCursorRegression is returned when a commit would move a cursor backwards
	ErrCursorRegression = errors.New("cursor regression")
)
