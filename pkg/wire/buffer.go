package wire

import "bytes"

// BufBinWriter is a BinWriter backed by an in-memory buffer, for callers
// that need the encoded bytes rather than a destination io.Writer.
type BufBinWriter struct {
	*BinWriter
	buf *bytes.Buffer
}

// NewBufBinWriter creates a BufBinWriter ready to encode into.
func NewBufBinWriter() *BufBinWriter {
	buf := new(bytes.Buffer)
	return &BufBinWriter{
		BinWriter: NewBinWriterFromIO(buf),
		buf:       buf,
	}
}

// Bytes returns the accumulated bytes. It is an error to call it if Err is set.
func (w *BufBinWriter) Bytes() []byte {
	if w.Err != nil {
		return nil
	}
	return w.buf.Bytes()
}

// Reset clears the buffer and any error for reuse.
func (w *BufBinWriter) Reset() {
	w.buf.Reset()
	w.Err = nil
}

// NewBinReaderFromBuf creates a BinReader over a byte slice.
func NewBinReaderFromBuf(b []byte) *BinReader {
	return NewBinReaderFromIO(bytes.NewReader(b))
}
