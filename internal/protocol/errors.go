package protocol

import "errors"

// ErrInvalidBulkLength is returned when a bulk string's length header is
// not a valid integer or exceeds maxFrameLen.
var ErrInvalidBulkLength = errors.New("ERR Protocol error: invalid bulk length")

// ErrInvalidMultibulkLength is returned when an array's count header is
// not a valid integer or exceeds maxArrayLen.
var ErrInvalidMultibulkLength = errors.New("ERR Protocol error: invalid multibulk length")
