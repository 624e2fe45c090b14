package auth

import "errors"

// ErrNotFound is returned by stores for unknown users or roles.
var ErrNotFound = errors.New("auth: not found")
