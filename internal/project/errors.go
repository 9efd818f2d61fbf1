package project

import "errors"

// ErrNotFound indicates the requested project or message does not exist.
var ErrNotFound = errors.New("project not found")
