// Package wire defines the packet buffer and error codes shared by every
// link-layer interface of the mesh router.
package wire

import (
	"errors"
	"fmt"
)

// ErrShift is returned when a shift would move outside the backing buffer.
var ErrShift = errors.New("message shift out of range")

// Message is a packet buffer with reserved space in front of the data.
//
// The data lives at buf[off:off+length]. The bytes before off are padding that
// lower or upper layers can claim with Shift to prepend headers without copying
// the payload, and stripping a header is an offset adjustment.
type Message struct {
	buf    []byte
	off    int
	length int
}

// NewMessage allocates a message of the given length with padding bytes of
// headroom in front of it.
func NewMessage(length, padding int) *Message {
	return &Message{
		buf:    make([]byte, padding+length),
		off:    padding,
		length: length,
	}
}

// Wrap builds a message over an existing buffer. The data starts at padding
// and is length bytes long.
func Wrap(buf []byte, padding, length int) (*Message, error) {
	if padding < 0 || length < 0 || padding+length > len(buf) {
		return nil, fmt.Errorf("wrap %d+%d bytes over %d byte buffer: %w", padding, length, len(buf), ErrShift)
	}
	return &Message{buf: buf, off: padding, length: length}, nil
}

// Bytes returns the logical data of the message. The slice aliases the
// message buffer.
func (m *Message) Bytes() []byte {
	return m.buf[m.off : m.off+m.length]
}

// Len returns the logical length.
func (m *Message) Len() int {
	return m.length
}

// Padding returns the number of free bytes in front of the data.
func (m *Message) Padding() int {
	return m.off
}

// Capacity returns how far the data may grow without moving its start.
func (m *Message) Capacity() int {
	return len(m.buf) - m.off
}

// SetLength changes the logical length, keeping the start in place.
func (m *Message) SetLength(n int) error {
	if n < 0 || n > m.Capacity() {
		return fmt.Errorf("set length %d with capacity %d: %w", n, m.Capacity(), ErrShift)
	}
	m.length = n
	return nil
}

// Shift moves the start of the data. A positive amount claims that many bytes
// of padding in front of the data, a negative amount strips bytes from the
// front. The length changes by the same amount.
func (m *Message) Shift(amount int) error {
	if amount > m.off {
		return fmt.Errorf("shift %d with %d bytes padding: %w", amount, m.off, ErrShift)
	}
	if -amount > m.length {
		return fmt.Errorf("shift %d with length %d: %w", amount, m.length, ErrShift)
	}
	m.off -= amount
	m.length += amount
	return nil
}

// Push prepends data in front of the message, claiming padding.
func (m *Message) Push(data []byte) error {
	if err := m.Shift(len(data)); err != nil {
		return err
	}
	copy(m.buf[m.off:], data)
	return nil
}

// Pop removes n bytes from the front of the message and returns them. The
// returned slice aliases the padding and stays valid until the next Shift.
func (m *Message) Pop(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("pop %d bytes: %w", n, ErrShift)
	}
	if err := m.Shift(-n); err != nil {
		return nil, err
	}
	return m.buf[m.off-n : m.off], nil
}
