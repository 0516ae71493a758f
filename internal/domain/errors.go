package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateSession   = errors.New("session already exists")
	ErrCheckpointConflict = errors.New("checkpoint is not interrupted")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUnauthorized       = errors.New("unauthorized")
)
