package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Field encoding: strings are a 2-byte big-endian length followed by UTF-8
// bytes; integers are fixed-width big-endian.

// PutString appends a length-prefixed UTF-8 string.
func PutString(buf *bytes.Buffer, s string) {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}

// PutUint64 appends a fixed-width integer.
func PutUint64(buf *bytes.Buffer, v uint64) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], v)
	buf.Write(n[:])
}

// PutUint16 appends a fixed-width integer.
func PutUint16(buf *bytes.Buffer, v uint16) {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], v)
	buf.Write(n[:])
}

// NextString consumes a length-prefixed string and returns the remainder.
func NextString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("%w: short string length", ErrMalformed)
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, fmt.Errorf("%w: string field wants %d bytes, have %d", ErrMalformed, n, len(b))
	}
	s := string(b[:n])
	if !utf8.ValidString(s) {
		return "", nil, fmt.Errorf("%w: string field is not UTF-8", ErrMalformed)
	}
	return s, b[n:], nil
}

// NextUint64 consumes a fixed-width integer and returns the remainder.
func NextUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("%w: short uint64 field", ErrMalformed)
	}
	return binary.BigEndian.Uint64(b), b[8:], nil
}

// NextUint16 consumes a fixed-width integer and returns the remainder.
func NextUint16(b []byte) (uint16, []byte, error) {
	if len(b) < 2 {
		return 0, nil, fmt.Errorf("%w: short uint16 field", ErrMalformed)
	}
	return binary.BigEndian.Uint16(b), b[2:], nil
}
