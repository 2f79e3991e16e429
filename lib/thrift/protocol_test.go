package thrift

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_MessageBeginGolden(t *testing.T) {
	got := EncodeMessage(Header{Name: "ping", Type: CALL, SeqID: 1}, Empty{})

	want := []byte{
		0x80, 0x01, 0x00, 0x01, // version | CALL
		0x00, 0x00, 0x00, 0x04, 'p', 'i', 'n', 'g',
		0x00, 0x00, 0x00, 0x01, // seqid
		0x00, // STOP
	}
	assert.Equal(t, want, got)
}

func TestReader_Primitives(t *testing.T) {
	w := NewWriter()
	w.WriteBool(true)
	w.WriteBool(false)
	w.WriteByte(0x7f)
	w.WriteI16(-2)
	w.WriteI32(math.MinInt32)
	w.WriteI64(math.MaxInt64)
	w.WriteDouble(math.Pi)
	w.WriteString("héllo")
	w.WriteBinary([]byte{0, 1, 2})

	r := NewReader(w.Bytes())

	b, err := r.ReadBool()
	require.NoError(t, err)
	assert.True(t, b)
	b, err = r.ReadBool()
	require.NoError(t, err)
	assert.False(t, b)

	by, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x7f), by)

	i16, err := r.ReadI16()
	require.NoError(t, err)
	assert.Equal(t, int16(-2), i16)

	i32, err := r.ReadI32()
	require.NoError(t, err)
	assert.Equal(t, int32(math.MinInt32), i32)

	i64, err := r.ReadI64()
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), i64)

	d, err := r.ReadDouble()
	require.NoError(t, err)
	assert.Equal(t, math.Pi, d)

	s, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "héllo", s)

	bin, err := r.ReadBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, bin)

	assert.Zero(t, r.Remaining())
}

func TestReader_Truncated(t *testing.T) {
	w := NewWriter()
	w.WriteString("truncated")
	data := w.Bytes()

	_, err := NewReader(data[:len(data)-1]).ReadString()
	assert.ErrorIs(t, err, ErrorMalformed)

	_, err = NewReader([]byte{0, 0}).ReadI32()
	assert.ErrorIs(t, err, ErrorMalformed)
}

func TestReader_NonStrictMessageHeader(t *testing.T) {
	w := NewWriter()
	w.WriteString("ping")
	w.WriteByte(byte(CALL))
	w.WriteI32(42)

	name, typ, seq, err := NewReader(w.Bytes()).ReadMessageBegin()
	require.NoError(t, err)
	assert.Equal(t, "ping", name)
	assert.Equal(t, CALL, typ)
	assert.Equal(t, int32(42), seq)
}

func TestReader_BadVersion(t *testing.T) {
	w := NewWriter()
	w.WriteI32(int32(-0x7ffdffff)) // 0x80020001
	w.WriteString("ping")
	w.WriteI32(1)

	_, _, _, err := NewReader(w.Bytes()).ReadMessageBegin()
	assert.ErrorIs(t, err, ErrorMalformed)
}

func TestReader_UnknownFieldType(t *testing.T) {
	r := NewReader([]byte{0x42, 0x00, 0x01})
	_, _, err := r.ReadFieldBegin()
	assert.ErrorIs(t, err, ErrorMalformed)
}

func TestReadStruct_SkipsUnknownFields(t *testing.T) {
	w := NewWriter()
	w.WriteFieldBegin(LIST, 9)
	w.WriteListBegin(STRING, 2)
	w.WriteString("a")
	w.WriteString("b")
	w.WriteFieldBegin(I32, 1)
	w.WriteI32(7)
	w.WriteFieldStop()

	var got int32
	err := ReadStruct(NewReader(w.Bytes()), func(r *Reader, typ Type, id int16) (bool, error) {
		if id != 1 {
			return false, nil
		}
		v, err := r.ReadI32()
		got = v
		return true, err
	})
	require.NoError(t, err)
	assert.Equal(t, int32(7), got)
}

func TestReader_ContainerSizeLimits(t *testing.T) {
	w := NewWriter()
	w.WriteMapBegin(STRING, STRING, 1<<20)
	_, err := ReadStringMap(NewReader(w.Bytes()))
	assert.ErrorIs(t, err, ErrorInvalidSize)

	w = NewWriter()
	w.WriteListBegin(MAP, -1)
	_, err = ReadStringMapList(NewReader(w.Bytes()))
	assert.ErrorIs(t, err, ErrorInvalidSize)
}

func TestWriteStringMap_Deterministic(t *testing.T) {
	m := map[string]string{"zeta": "1", "alpha": "2", "mid": "3", "": "empty"}

	first := NewWriter()
	WriteStringMap(first, m)
	for i := 0; i < 20; i++ {
		again := NewWriter()
		WriteStringMap(again, map[string]string{"mid": "3", "": "empty", "alpha": "2", "zeta": "1"})
		require.Equal(t, first.Bytes(), again.Bytes())
	}

	got, err := ReadStringMap(NewReader(first.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestStringMapList_RoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		rows []map[string]string
	}{
		{name: "zero rows", rows: []map[string]string{}},
		{name: "one row", rows: []map[string]string{{"pid": "1", "name": "init"}}},
		{name: "empty row", rows: []map[string]string{{}}},
		{name: "many rows", rows: func() []map[string]string {
			rows := make([]map[string]string, 500)
			for i := range rows {
				rows[i] = map[string]string{"i": string(rune('a' + i%26))}
			}
			return rows
		}()},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := NewWriter()
			WriteStringMapList(w, tc.rows)
			got, err := ReadStringMapList(NewReader(w.Bytes()))
			require.NoError(t, err)
			assert.Equal(t, tc.rows, got)
		})
	}
}

func TestApplicationException_RoundTrip(t *testing.T) {
	ex := NewApplicationException(ExceptionUnknownMethod, "unknown method %q", "frobnicate")
	frame := EncodeMessage(Header{Name: "frobnicate", Type: EXCEPTION, SeqID: 3}, ex)

	h, r, err := DecodeHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, EXCEPTION, h.Type)
	assert.Equal(t, int32(3), h.SeqID)

	var got ApplicationException
	require.NoError(t, DecodeBody(r, &got))
	assert.Equal(t, ExceptionUnknownMethod, got.Kind)
	assert.Equal(t, `unknown method "frobnicate"`, got.Message)
	assert.Contains(t, got.Error(), "frobnicate")
}

func TestDecodeBody_TrailingBytes(t *testing.T) {
	frame := append(EncodeMessage(Header{Name: "ping", Type: CALL, SeqID: 1}, Empty{}), 0xff)
	_, r, err := DecodeHeader(frame)
	require.NoError(t, err)
	assert.ErrorIs(t, DecodeBody(r, Empty{}), ErrorMalformed)
}

func TestSkip_DepthLimit(t *testing.T) {
	w := NewWriter()
	for i := 0; i < maxSkipDepth+2; i++ {
		w.WriteListBegin(LIST, 1)
	}
	w.WriteListBegin(I32, 0)
	assert.ErrorIs(t, NewReader(w.Bytes()).Skip(LIST), ErrorMalformed)
}
