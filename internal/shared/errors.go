package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates a failed basic auth check.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrLockNotObtained occurs when another worker holds the lock.
	ErrLockNotObtained = errors.New("lock held by another process")
)
