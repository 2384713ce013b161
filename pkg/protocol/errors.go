package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrShortBuffer    = errors.New("natnet: buffer too short")
	ErrNegativeCount  = errors.New("natnet: negative element count")
	ErrCountTooLarge  = errors.New("natnet: element count exceeds sanity ceiling")
	ErrUnknownDataset = errors.New("natnet: unknown dataset type")
	ErrShortHeader    = errors.New("natnet: datagram shorter than message header")
)

// DecodeError reports why decoding of one packet stopped. It never outlives
// the packet: the receive loop logs it and moves on to the next datagram.
type DecodeError struct {
	Section string
	Index   int
	Offset  int
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("decode %s[%d] at offset %d: %v", e.Section, e.Index, e.Offset, e.Err)
	}
	return fmt.Sprintf("decode %s at offset %d: %v", e.Section, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(section string, index int, offset int, err error) *DecodeError {
	var de *DecodeError
	if errors.As(err, &de) {
		return de
	}
	return &DecodeError{Section: section, Index: index, Offset: offset, Err: err}
}
