package network

import "errors"

// Common errors for relay operations
var (
	ErrBind              = errors.New("failed to bind listener")
	ErrQueueFull         = errors.New("broadcast queue full")
	ErrNotRunning        = errors.New("relay is not running")
	ErrAlreadyRunning    = errors.New("relay already running")
	ErrShuttingDown      = errors.New("relay is shutting down")
	ErrProtocolViolation = errors.New("protocol violation")
)
