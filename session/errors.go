package session

import "errors"

// Sentinel errors for registry and store operations.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrKeyNotFound     = errors.New("key not found")
	ErrLoadFailed      = errors.New("load failed")
	ErrSaveFailed      = errors.New("save failed")
)
