package blockfile

import "errors"

var (
	// ErrCacheFull is returned when the allocator cannot satisfy a request
	// even after self-repair and growth.
	ErrCacheFull = errors.New("blockfile: allocator cannot satisfy request")
	// ErrInvalidArgument is returned for out-of-range block counts/sizes.
	ErrInvalidArgument = errors.New("blockfile: invalid argument")
)
