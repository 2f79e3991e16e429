package thrift

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mixed exercises every wire type the scanner walks.
type mixed struct{}

func (mixed) Write(w *Writer) {
	w.WriteFieldBegin(STRING, 1)
	w.WriteString("processes")
	w.WriteFieldBegin(MAP, 2)
	WriteStringMap(w, map[string]string{"action": "generate", "context": "{}"})
	w.WriteFieldBegin(LIST, 3)
	WriteStringMapList(w, []map[string]string{{"pid": "1"}, {"pid": "2"}})
	w.WriteFieldBegin(STRUCT, 4)
	w.WriteFieldBegin(I64, 1)
	w.WriteI64(42)
	w.WriteFieldBegin(BOOL, 2)
	w.WriteBool(true)
	w.WriteFieldBegin(DOUBLE, 3)
	w.WriteDouble(1.5)
	w.WriteFieldBegin(I16, 4)
	w.WriteI16(7)
	w.WriteFieldStop()
	w.WriteFieldBegin(SET, 5)
	w.WriteListBegin(I32, 2)
	w.WriteI32(1)
	w.WriteI32(2)
	w.WriteFieldStop()
}

func (mixed) Read(r *Reader) error { return nil }

func TestReadMessage_SplitsBackToBackMessages(t *testing.T) {
	first := EncodeMessage(Header{Name: "call", Type: CALL, SeqID: 1}, mixed{})
	second := EncodeMessage(Header{Name: "ping", Type: CALL, SeqID: 2}, Empty{})
	stream := bytes.NewReader(append(append([]byte{}, first...), second...))

	got, err := ReadMessage(stream, 0)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = ReadMessage(stream, 0)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	h, _, err := DecodeHeader(got)
	require.NoError(t, err)
	assert.Equal(t, Header{Name: "ping", Type: CALL, SeqID: 2}, h)

	_, err = ReadMessage(stream, 0)
	assert.Equal(t, io.EOF, err)
}

func TestReadMessage_NonStrictHeader(t *testing.T) {
	w := NewWriter()
	w.WriteString("ping")
	w.WriteByte(byte(CALL))
	w.WriteI32(9)
	w.WriteFieldStop()

	got, err := ReadMessage(bytes.NewReader(w.Bytes()), 0)
	require.NoError(t, err)
	assert.Equal(t, w.Bytes(), got)
}

func TestReadMessage_Truncated(t *testing.T) {
	msg := EncodeMessage(Header{Name: "call", Type: CALL, SeqID: 1}, mixed{})
	for _, n := range []int{1, 5, len(msg) / 2, len(msg) - 1} {
		_, err := ReadMessage(bytes.NewReader(msg[:n]), 0)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF, "cut at %d", n)
	}
}

func TestReadMessage_Limits(t *testing.T) {
	msg := EncodeMessage(Header{Name: "call", Type: CALL, SeqID: 1}, mixed{})
	_, err := ReadMessage(bytes.NewReader(msg), len(msg)-1)
	assert.ErrorIs(t, err, ErrorInvalidSize)

	got, err := ReadMessage(bytes.NewReader(msg), len(msg))
	require.NoError(t, err)
	assert.Len(t, got, len(msg))

	// A string claiming 1 GB is refused before anything is allocated for it.
	w := NewWriter()
	w.WriteMessageBegin("call", CALL, 1)
	w.WriteFieldBegin(STRING, 1)
	w.WriteI32(1 << 30)
	_, err = ReadMessage(bytes.NewReader(w.Bytes()), 1024)
	assert.ErrorIs(t, err, ErrorInvalidSize)
}

func TestReadMessage_Malformed(t *testing.T) {
	tests := map[string][]byte{
		"bad version":     {0x80, 0x02, 0x00, 0x01},
		"bad field type":  append(EncodeMessage(Header{Name: "x", Type: CALL}, nil)[:13], 0x09, 0x00, 0x01),
		"negative length": append(EncodeMessage(Header{Name: "x", Type: CALL}, nil)[:13], byte(STRING), 0x00, 0x01, 0xff, 0xff, 0xff, 0xff),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadMessage(bytes.NewReader(data), 0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrorMalformed) || errors.Is(err, ErrorInvalidSize), err)
		})
	}
}
