// Package image holds the raw bytes of a flat firmware image while it is being
// patched.
//
// A Buffer remembers the length it was loaded with (the origin length) so that
// regions appended later can be told apart from the original image.
package image

import (
	"errors"
	"fmt"
	"io"
)

// MaxLength is the default addressable range of a 32-bit ARM image.
const MaxLength = 1 << 32

var ErrInvalidLength = errors.New("extend length must be positive")

// CapacityError is returned when growing the image would overflow the
// addressable range.
type CapacityError struct {
	Length int
	Extend int
	Max    uint64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("extending image of length 0x%x by 0x%x exceeds addressable range 0x%x", e.Length, e.Extend, e.Max)
}

// OutOfBoundsError is returned for reads and writes outside of [0, Len()).
type OutOfBoundsError struct {
	Offset int
	Size   int
	Length int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("range [0x%x, 0x%x) is outside of image [0x0, 0x%x)", e.Offset, e.Offset+e.Size, e.Length)
}

type Option func(*Buffer)

// WithMaxLength overrides the addressable range used by Extend.
func WithMaxLength(n uint64) Option {
	return func(b *Buffer) {
		b.max = n
	}
}

// Buffer owns the bytes of an image. It is not safe for concurrent use.
type Buffer struct {
	data      []byte
	originLen int
	max       uint64
}

// New takes ownership of data.
func New(data []byte, opts ...Option) *Buffer {
	b := &Buffer{
		data:      data,
		originLen: len(data),
		max:       MaxLength,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Buffer) Len() int { return len(b.data) }

// OriginLen returns the length of the image before any extension.
func (b *Buffer) OriginLen() int { return b.originLen }

// Extend appends n zero bytes and returns the new length.
func (b *Buffer) Extend(n int) (int, error) {
	if n <= 0 {
		return len(b.data), ErrInvalidLength
	}
	if uint64(len(b.data))+uint64(n) > b.max {
		return len(b.data), &CapacityError{Length: len(b.data), Extend: n, Max: b.max}
	}
	b.data = append(b.data, make([]byte, n)...)
	return len(b.data), nil
}

// Write overwrites the bytes at offset. The whole range must already exist.
func (b *Buffer) Write(offset int, p []byte) error {
	if err := b.checkRange(offset, len(p)); err != nil {
		return err
	}
	copy(b.data[offset:], p)
	return nil
}

// Read returns a copy of n bytes starting at offset.
func (b *Buffer) Read(offset, n int) ([]byte, error) {
	if err := b.checkRange(offset, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b.data[offset:offset+n])
	return out, nil
}

// Bytes returns a copy of the whole image.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b.data)
	return int64(n), err
}

func (b *Buffer) checkRange(offset, n int) error {
	if offset < 0 || n < 0 || offset+n > len(b.data) {
		return &OutOfBoundsError{Offset: offset, Size: n, Length: len(b.data)}
	}
	return nil
}
