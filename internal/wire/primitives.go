// Package wire implements the binary wire codec, the per-connection
// negotiated ProtocolState, and the framed packet set. Every integer is
// little-endian, encoded with encoding/binary.LittleEndian over a
// bytes.Buffer.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"unicode/utf8"

	pkgerrors "github.com/pkg/errors"

	"github.com/jabolina/mybus/headers"
	"github.com/jabolina/mybus/intervals"
)

// ErrUnexpectedEOF is returned when a decode runs out of bytes mid-field.
var ErrUnexpectedEOF = errors.New("wire: unexpected end of frame")

// InvalidUTF8Error is returned when a pascal_string's bytes are not valid
// UTF-8.
type InvalidUTF8Error struct {
	Field string
}

func (e *InvalidUTF8Error) Error() string {
	return "wire: invalid utf-8 in field " + e.Field
}

// reader is a small cursor over a byte slice, mirroring the Rust source's
// Cursor<&[u8]> used by read_from_mem.
type reader struct {
	buf []byte
	pos int
}

func newReader(b []byte) *reader { return &reader{buf: b} }

func (r *reader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, ErrUnexpectedEOF
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) readU8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) readBool() (bool, error) {
	b, err := r.readU8()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (r *reader) readI32() (int32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (r *reader) readI64() (int64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (r *reader) readPascalString(field string) (string, error) {
	n, err := r.readU8()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", &InvalidUTF8Error{Field: field}
	}
	return string(b), nil
}

func (r *reader) readByteArray() ([]byte, error) {
	n, err := r.readI32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, pkgerrors.New("wire: negative byte_array length")
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *reader) readHeaders() (*headers.Headers, error) {
	n, err := r.readU8()
	if err != nil {
		return nil, err
	}
	h := headers.New(int(n))
	for i := 0; i < int(n); i++ {
		key, err := r.readPascalString("headers.key")
		if err != nil {
			return nil, err
		}
		value, err := r.readPascalString("headers.value")
		if err != nil {
			return nil, err
		}
		h.Set(key, value)
	}
	return h, nil
}

func (r *reader) readIntervalSet() (*intervals.IntervalSet, error) {
	n, err := r.readI32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, pkgerrors.New("wire: negative interval_set count")
	}
	ranges := make([]intervals.IndexRange, 0, n)
	for i := int32(0); i < n; i++ {
		from, err := r.readI64()
		if err != nil {
			return nil, err
		}
		to, err := r.readI64()
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, intervals.IndexRange{From: from, To: to})
	}
	return intervals.FromSnapshot(ranges), nil
}

// writer accumulates encoded bytes, mirroring the Rust source's
// `Vec<u8>`/TcpWriteBuffer target.
type writer struct {
	buf bytes.Buffer
}

func newWriter() *writer { return &writer{} }

func (w *writer) writeU8(v uint8) { w.buf.WriteByte(v) }

func (w *writer) writeBool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *writer) writeI32(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	w.buf.Write(b[:])
}

func (w *writer) writeI64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.buf.Write(b[:])
}

// writePascalString truncates to 255 bytes without validating UTF-8
// boundaries; the codec does not validate, it only truncates.
func (w *writer) writePascalString(s string) {
	b := []byte(s)
	if len(b) > 255 {
		b = b[:255]
	}
	w.writeU8(uint8(len(b)))
	w.buf.Write(b)
}

func (w *writer) writeByteArray(b []byte) {
	w.writeI32(int32(len(b)))
	w.buf.Write(b)
}

func (w *writer) writeHeaders(h *headers.Headers) {
	if h == nil {
		w.writeU8(0)
		return
	}
	all := h.All()
	n := len(all)
	if n > 255 {
		n = 255
	}
	w.writeU8(uint8(n))
	for i := 0; i < n; i++ {
		w.writePascalString(all[i].Key)
		w.writePascalString(all[i].Value)
	}
}

func (w *writer) writeIntervalSet(set *intervals.IntervalSet) {
	if set == nil {
		w.writeI32(0)
		return
	}
	ranges, _ := set.Snapshot()
	w.writeI32(int32(len(ranges)))
	for _, r := range ranges {
		w.writeI64(r.From)
		w.writeI64(r.To)
	}
}

func (w *writer) bytes() []byte { return w.buf.Bytes() }
