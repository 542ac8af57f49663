// Package wire holds the ASN.1-OER-style variable-length octet string
// encoding shared by the ilp and btp packet codecs (spec.md §6.1/§6.2 both
// note the exact byte layout is implementation-defined but must be
// internally consistent).
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ErrShortBuffer is returned when a buffer ends before a length-prefixed
// field can be fully read.
var ErrShortBuffer = errors.New("wire: short buffer")

// WriteVarOctetString writes b as a length-prefixed octet string: lengths
// under 128 are a single length byte; longer lengths set the high bit on
// the first byte to indicate how many following bytes hold the big-endian
// length.
func WriteVarOctetString(w *bytes.Buffer, b []byte) error {
	if len(b) > 0x7fffffff {
		return fmt.Errorf("wire: octet string too long: %d bytes", len(b))
	}
	if len(b) < 128 {
		w.WriteByte(byte(len(b)))
		w.Write(b)
		return nil
	}
	var lenBytes []byte
	n := len(b)
	for n > 0 {
		lenBytes = append([]byte{byte(n)}, lenBytes...)
		n >>= 8
	}
	w.WriteByte(0x80 | byte(len(lenBytes)))
	w.Write(lenBytes)
	w.Write(b)
	return nil
}

// ReadVarOctetString reads a WriteVarOctetString-encoded field.
func ReadVarOctetString(r *bytes.Reader) ([]byte, error) {
	first, err := r.ReadByte()
	if err != nil {
		return nil, ErrShortBuffer
	}
	length := int(first)
	if first&0x80 != 0 {
		lenOfLen := int(first &^ 0x80)
		if lenOfLen == 0 || lenOfLen > 4 {
			return nil, fmt.Errorf("wire: invalid length-of-length %d", lenOfLen)
		}
		lenBytes := make([]byte, lenOfLen)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, ErrShortBuffer
		}
		length = 0
		for _, lb := range lenBytes {
			length = length<<8 | int(lb)
		}
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, ErrShortBuffer
	}
	return out, nil
}

// WriteUint64 writes v as 8 big-endian bytes.
func WriteUint64(w *bytes.Buffer, v uint64) {
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	w.Write(buf[:])
}

// ReadUint64 reads 8 big-endian bytes.
func ReadUint64(r *bytes.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, ErrShortBuffer
	}
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

// WriteUint32 writes v as 4 big-endian bytes.
func WriteUint32(w *bytes.Buffer, v uint32) {
	w.WriteByte(byte(v >> 24))
	w.WriteByte(byte(v >> 16))
	w.WriteByte(byte(v >> 8))
	w.WriteByte(byte(v))
}

// ReadUint32 reads 4 big-endian bytes.
func ReadUint32(r *bytes.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, ErrShortBuffer
	}
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]), nil
}
