package queue

import "errors"

// ErrClosed is returned by Pop once the consumer has been closed.
var ErrClosed = errors.New("queue consumer closed")
