package core

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Engine defaults
const (
	DefaultMaxConnections = 10000
	DefaultReadTimeout    = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
)

// Messages of the generic error responses
const (
	MessageInvalidData     = "Invalid data"
	MessageFailure         = "Something went wrong"
	MessageFileNotFound    = "File not found"
	MessagePayloadTooLarge = "Payload too large"
)

// Error definitions
var (
	ErrServerClosed = errors.New("rawserve: server closed")
)

// aLongTimeAgo is a deadline that has already passed; setting it unblocks
// pending reads.
var aLongTimeAgo = time.Unix(1, 0)
