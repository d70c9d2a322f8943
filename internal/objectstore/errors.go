package objectstore

import "errors"

// ErrNotFound indicates the requested object does not exist.
var ErrNotFound = errors.New("objectstore: object not found")
