package storage

import "errors"

// ErrNotFound is returned when a requested file or record does not exist.
var ErrNotFound = errors.New("not found")
