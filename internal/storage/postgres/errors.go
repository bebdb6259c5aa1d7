package postgres

import "errors"

var (
	ErrAlreadyConnected  = errors.New("database is already connected")
	ErrNotConnected      = errors.New("database is not connected")
	ErrConnectionFailed  = errors.New("failed to open database connection")
	ErrPingFailed        = errors.New("failed to ping database")
	ErrHealthCheckFailed = errors.New("health check failed")
	ErrCloseFailed       = errors.New("failed to close database connection")
)
