package image

import "errors"

var (
	// ErrInvalidPosition reports a position outside the current term's
	// valid range. The caller may retry with a corrected position.
	ErrInvalidPosition = errors.New("position out of range")

	// ErrMisalignedPosition reports a position that is not a multiple
	// of the frame alignment.
	ErrMisalignedPosition = errors.New("position not aligned to frame alignment")
)
