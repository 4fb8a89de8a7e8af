// Package wire implements the daemon's on-the-wire binary codec.
//
// Every frame exchanged between nodes is length-prefixed and built from a
// small set of primitives (BinWriter/BinReader) rather than a generic
// reflection-based encoder, so that the wire format of NetworkMessage and
// CircuitMessage stays stable and cheap to encode/decode on the hot path.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// ErrTooLong is returned when a variable-length byte string exceeds MaxVarBytes.
var ErrTooLong = errors.New("wire: variable-length field too long")

// MaxVarBytes bounds any single WriteVarBytes/ReadVarBytes field. It exists
// to stop a malformed peer from forcing an unbounded allocation.
const MaxVarBytes = 16 * 1024 * 1024

// Serializable is implemented by every wire type.
type Serializable interface {
	EncodeBinary(bw *BinWriter)
	DecodeBinary(br *BinReader)
}

// BinWriter accumulates bytes and the first error encountered while doing so.
// Once Err is non-nil every subsequent write is a no-op, mirroring the
// teacher's BinWriter idiom of deferring error checks to a single point at
// the end of a chain of writes.
type BinWriter struct {
	w   io.Writer
	Err error
}

// NewBinWriterFromIO wraps an io.Writer.
func NewBinWriterFromIO(w io.Writer) *BinWriter {
	return &BinWriter{w: w}
}

func (w *BinWriter) write(p []byte) {
	if w.Err != nil {
		return
	}
	_, w.Err = w.w.Write(p)
}

// WriteB writes a single byte.
func (w *BinWriter) WriteB(b byte) {
	w.write([]byte{b})
}

// WriteBool writes a boolean as a single byte.
func (w *BinWriter) WriteBool(b bool) {
	if b {
		w.WriteB(1)
	} else {
		w.WriteB(0)
	}
}

// WriteU16LE writes a little-endian uint16.
func (w *BinWriter) WriteU16LE(u uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], u)
	w.write(buf[:])
}

// WriteU32LE writes a little-endian uint32.
func (w *BinWriter) WriteU32LE(u uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], u)
	w.write(buf[:])
}

// WriteU64LE writes a little-endian uint64.
func (w *BinWriter) WriteU64LE(u uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], u)
	w.write(buf[:])
}

// WriteBytes writes a raw, fixed-length byte slice with no length prefix.
func (w *BinWriter) WriteBytes(b []byte) {
	w.write(b)
}

// WriteVarBytes writes a length-prefixed byte slice.
func (w *BinWriter) WriteVarBytes(b []byte) {
	if len(b) > MaxVarBytes {
		if w.Err == nil {
			w.Err = ErrTooLong
		}
		return
	}
	w.WriteU32LE(uint32(len(b)))
	w.write(b)
}

// WriteVarString writes a length-prefixed string.
func (w *BinWriter) WriteVarString(s string) {
	w.WriteVarBytes([]byte(s))
}

// WriteArray writes each element of items as a length-prefixed sequence of
// Serializable values.
func WriteArray[T Serializable](w *BinWriter, items []T) {
	if len(items) > math.MaxUint32 {
		w.Err = ErrTooLong
		return
	}
	w.WriteU32LE(uint32(len(items)))
	for _, it := range items {
		it.EncodeBinary(w)
	}
}

// BinReader is the mirror of BinWriter.
type BinReader struct {
	r   io.Reader
	Err error
}

// NewBinReaderFromIO wraps an io.Reader.
func NewBinReaderFromIO(r io.Reader) *BinReader {
	return &BinReader{r: r}
}

func (r *BinReader) readN(n int) []byte {
	if r.Err != nil {
		return nil
	}
	buf := make([]byte, n)
	_, r.Err = io.ReadFull(r.r, buf)
	return buf
}

// ReadB reads a single byte.
func (r *BinReader) ReadB() byte {
	b := r.readN(1)
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

// ReadBool reads a boolean encoded as a single byte.
func (r *BinReader) ReadBool() bool {
	return r.ReadB() != 0
}

// ReadU16LE reads a little-endian uint16.
func (r *BinReader) ReadU16LE() uint16 {
	b := r.readN(2)
	if len(b) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// ReadU32LE reads a little-endian uint32.
func (r *BinReader) ReadU32LE() uint32 {
	b := r.readN(4)
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// ReadU64LE reads a little-endian uint64.
func (r *BinReader) ReadU64LE() uint64 {
	b := r.readN(8)
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// ReadBytes reads len(b) bytes into b.
func (r *BinReader) ReadBytes(b []byte) {
	if r.Err != nil {
		return
	}
	_, r.Err = io.ReadFull(r.r, b)
}

// ReadVarBytes reads a length-prefixed byte slice.
func (r *BinReader) ReadVarBytes() []byte {
	n := r.ReadU32LE()
	if r.Err != nil {
		return nil
	}
	if n > MaxVarBytes {
		r.Err = ErrTooLong
		return nil
	}
	if n == 0 {
		return nil
	}
	return r.readN(int(n))
}

// ReadVarString reads a length-prefixed string.
func (r *BinReader) ReadVarString() string {
	return string(r.ReadVarBytes())
}

// ReadArray reads a length-prefixed sequence of Serializable values produced
// by new into items.
func ReadArray[T Serializable](r *BinReader, new func() T) []T {
	n := r.ReadU32LE()
	if r.Err != nil {
		return nil
	}
	if n > MaxVarBytes {
		r.Err = ErrTooLong
		return nil
	}
	items := make([]T, 0, n)
	for i := uint32(0); i < n; i++ {
		it := new()
		it.DecodeBinary(r)
		if r.Err != nil {
			return nil
		}
		items = append(items, it)
	}
	return items
}
