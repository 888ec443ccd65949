// Package wire implements the byte-level serializer and deserializer used by
// replicated objects and their behaviors.
//
// Integers use protobuf varints, floats are little-endian fixed32 and
// behavior masks use a 29-bit variable-length encoding (VLE).
package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrShortBuffer reports a read past the end of the payload.
	ErrShortBuffer = errors.New("wire: short buffer")
	// ErrMalformed reports a payload that cannot be decoded.
	ErrMalformed = errors.New("wire: malformed payload")
)

// MaxVLE is the largest value the VLE encoding carries: 7+7+7+8 bits.
const MaxVLE = 1<<29 - 1

var errOverflow = errors.New("value overflows target type")

func malformed(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformed, what, err)
}
