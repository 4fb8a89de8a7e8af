package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteU32LERoundTrip(t *testing.T) {
	bw := NewBufBinWriter()
	bw.WriteU32LE(0xdeadbeef)
	require.NoError(t, bw.Err)

	br := NewBinReaderFromBuf(bw.Bytes())
	require.Equal(t, uint32(0xdeadbeef), br.ReadU32LE())
	require.NoError(t, br.Err)
}

func TestWriteVarBytesTooLong(t *testing.T) {
	bw := NewBufBinWriter()
	bw.WriteVarBytes(make([]byte, MaxVarBytes+1))
	require.ErrorIs(t, bw.Err, ErrTooLong)
}

func TestReadFromShortBufferSetsErr(t *testing.T) {
	br := NewBinReaderFromBuf([]byte{1, 2})
	_ = br.ReadU64LE()
	require.Error(t, br.Err)
}

func TestWriteArrayReadArray(t *testing.T) {
	items := []*ServiceConnectRequest{
		{CircuitID: "c1", ServiceID: "s1"},
		{CircuitID: "c1", ServiceID: "s2"},
	}
	bw := NewBufBinWriter()
	WriteArray(bw.BinWriter, items)
	require.NoError(t, bw.Err)

	br := NewBinReaderFromBuf(bw.Bytes())
	got := ReadArray(br, func() *ServiceConnectRequest { return &ServiceConnectRequest{} })
	require.NoError(t, br.Err)
	require.Equal(t, items, got)
}

func TestBinWriterStopsAfterError(t *testing.T) {
	w := &BinWriter{w: &failingWriter{}}
	w.WriteB(1)
	require.Error(t, w.Err)
	before := w.Err
	w.WriteU32LE(42)
	require.Equal(t, before, w.Err)
}

type failingWriter struct{}

func (f *failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("always fails")
}
