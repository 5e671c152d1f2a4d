package protocol

import (
	"bytes"
	"encoding/binary"
)

// Reader is a little-endian cursor over a fixed buffer. Callers check the
// length up front; reading past the end panics.
type Reader struct {
	buf []byte
	off int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) ReadU32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v
}

func (r *Reader) ReadU16() uint16 {
	v := binary.LittleEndian.Uint16(r.buf[r.off : r.off+2])
	r.off += 2
	return v
}

func (r *Reader) ReadU8() byte {
	v := r.buf[r.off]
	r.off++
	return v
}

// ReadBytes returns the next n bytes. The slice aliases the buffer.
func (r *Reader) ReadBytes(n int) []byte {
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

// ReadFixedString reads an n-byte NUL-padded field.
func (r *Reader) ReadFixedString(n int) string {
	raw := r.ReadBytes(n)
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw)
}

// Remaining returns the unread tail.
func (r *Reader) Remaining() []byte {
	return r.buf[r.off:]
}

func (r *Reader) Len() int {
	return len(r.buf) - r.off
}

// Writer is an append-only little-endian builder.
type Writer struct {
	buf []byte
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) WriteU32(v uint32) *Writer {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) WriteU16(v uint16) *Writer {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) WriteU8(v byte) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) WriteBytes(p []byte) *Writer {
	w.buf = append(w.buf, p...)
	return w
}

// WriteFixedString writes s into an n-byte NUL-padded field. s is cut so the
// field always ends with at least one NUL.
func (w *Writer) WriteFixedString(s string, n int) *Writer {
	if len(s) > n-1 {
		s = s[:n-1]
	}
	w.buf = append(w.buf, s...)
	for i := len(s); i < n; i++ {
		w.buf = append(w.buf, 0)
	}
	return w
}

func (w *Writer) Len() int {
	return len(w.buf)
}

// Build returns the assembled bytes.
func (w *Writer) Build() []byte {
	return w.buf
}
