package protocol

import (
	"bytes"
	"encoding/binary"
	"math"
)

// MaxMarkerCount is the sanity ceiling for any per-section element count.
// Counts above it are treated as a corrupt packet.
const MaxMarkerCount = 10000

// Reader is a little-endian cursor over a NatNet payload.
// Every read is bounds checked; a failed read leaves the position unchanged.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int {
	return r.pos
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

// Drain marks the rest of the buffer as consumed.
func (r *Reader) Drain() {
	r.pos = len(r.buf)
}

func (r *Reader) Skip(n int) error {
	if n < 0 || n > r.Remaining() {
		return ErrShortBuffer
	}
	r.pos += n
	return nil
}

// Bytes returns the next n bytes. The slice aliases the payload.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if n < 0 || n > r.Remaining() {
		return nil, ErrShortBuffer
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) Int16() (int16, error) {
	b, err := r.Bytes(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(b)), nil
}

func (r *Reader) Int32() (int32, error) {
	b, err := r.Bytes(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (r *Reader) Int64() (int64, error) {
	b, err := r.Bytes(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (r *Reader) Float32() (float32, error) {
	b, err := r.Bytes(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

func (r *Reader) Float64() (float64, error) {
	b, err := r.Bytes(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

// Float32s reads n consecutive floats.
func (r *Reader) Float32s(n int) ([]float32, error) {
	if n < 0 || n > r.Remaining()/4 {
		return nil, ErrShortBuffer
	}
	out := make([]float32, n)
	for i := range out {
		out[i], _ = r.Float32()
	}
	return out, nil
}

func (r *Reader) Vec3() (Vec3, error) {
	b, err := r.Bytes(12)
	if err != nil {
		return Vec3{}, err
	}
	return Vec3{
		X: math.Float32frombits(binary.LittleEndian.Uint32(b[0:4])),
		Y: math.Float32frombits(binary.LittleEndian.Uint32(b[4:8])),
		Z: math.Float32frombits(binary.LittleEndian.Uint32(b[8:12])),
	}, nil
}

// Quat reads a quaternion in wire order x, y, z, w.
func (r *Reader) Quat() (Quat, error) {
	b, err := r.Bytes(16)
	if err != nil {
		return Quat{}, err
	}
	return Quat{
		X: math.Float32frombits(binary.LittleEndian.Uint32(b[0:4])),
		Y: math.Float32frombits(binary.LittleEndian.Uint32(b[4:8])),
		Z: math.Float32frombits(binary.LittleEndian.Uint32(b[8:12])),
		W: math.Float32frombits(binary.LittleEndian.Uint32(b[12:16])),
	}, nil
}

// CString reads a NUL-terminated string and consumes the terminator.
func (r *Reader) CString() (string, error) {
	idx := bytes.IndexByte(r.buf[r.pos:], 0x00)
	if idx < 0 {
		return "", ErrShortBuffer
	}
	s := string(r.buf[r.pos : r.pos+idx])
	r.pos += idx + 1
	return s, nil
}

// FixedString reads an n byte NUL-padded field.
func (r *Reader) FixedString(n int) (string, error) {
	b, err := r.Bytes(n)
	if err != nil {
		return "", err
	}
	return ParseText(b), nil
}

// Count reads a signed element count and validates it against the sanity
// ceiling and the bytes left, given the minimum encoded size of one element.
func (r *Reader) Count(elemSize int) (int, error) {
	start := r.pos
	n, err := r.Int32()
	if err != nil {
		return 0, err
	}
	switch {
	case n < 0:
		r.pos = start
		return 0, ErrNegativeCount
	case n > MaxMarkerCount:
		r.pos = start
		return 0, ErrCountTooLarge
	case elemSize > 0 && int(n) > r.Remaining()/elemSize:
		r.pos = start
		return 0, ErrShortBuffer
	}
	return int(n), nil
}

// SizePrefix reads the 4 byte block size that precedes sections and
// datasets from protocol 4.1 on. ok is false when the version has none.
func (r *Reader) SizePrefix(v Version) (size int32, ok bool, err error) {
	if !v.HasSizePrefix() {
		return 0, false, nil
	}
	size, err = r.Int32()
	if err != nil {
		return 0, false, err
	}
	return size, true, nil
}

// ParseText converts a NUL-terminated or NUL-padded payload into a Go string.
func ParseText(payload []byte) string {
	if idx := bytes.IndexByte(payload, 0x00); idx >= 0 {
		payload = payload[:idx]
	}
	return string(payload)
}
