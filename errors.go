package meshkv

import "errors"

var (
	// ErrNotFound indicates that the requested key is missing or tombstoned.
	ErrNotFound = errors.New("meshkv: key not found")
	// ErrClosed indicates that the node has been stopped.
	ErrClosed = errors.New("meshkv: node is closed")
	// ErrTimeout indicates that the context deadline expired.
	ErrTimeout = errors.New("meshkv: operation timed out")
	// ErrCanceled indicates that the context was canceled.
	ErrCanceled = errors.New("meshkv: operation canceled")
	// ErrInvalidValue indicates a Set call was given a value that does not
	// round-trip through json.Marshal.
	ErrInvalidValue = errors.New("meshkv: value is not valid JSON")
)
