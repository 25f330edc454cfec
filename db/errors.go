package db

import "errors"

// ErrNotFound is returned by both state store backends for missing records,
// cursors and logs.
var ErrNotFound = errors.New("not found")
