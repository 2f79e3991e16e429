// Package thrift implements the subset of the Thrift binary protocol spoken
// by the osquery extension manager.
//
// Writers append to an in-memory buffer and cannot fail; readers work on a
// complete frame and report truncated or ill-typed input as ErrorMalformed.
// Maps are written in sorted key order so equal values encode to equal bytes.
package thrift

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrorMalformed   = errors.New("thrift: malformed message")
	ErrorInvalidSize = errors.New("thrift: invalid size")
)

// Type is a Thrift wire type identifier.
type Type byte

const (
	STOP   Type = 0
	VOID   Type = 1
	BOOL   Type = 2
	BYTE   Type = 3
	DOUBLE Type = 4
	I16    Type = 6
	I32    Type = 8
	I64    Type = 10
	STRING Type = 11
	STRUCT Type = 12
	MAP    Type = 13
	SET    Type = 14
	LIST   Type = 15
)

// Valid reports whether t is a type this codec can read or skip.
func (t Type) Valid() bool {
	switch t {
	case STOP, VOID, BOOL, BYTE, DOUBLE, I16, I32, I64, STRING, STRUCT, MAP, SET, LIST:
		return true
	default:
		return false
	}
}

func (t Type) String() string {
	switch t {
	case STOP:
		return "STOP"
	case VOID:
		return "VOID"
	case BOOL:
		return "BOOL"
	case BYTE:
		return "BYTE"
	case DOUBLE:
		return "DOUBLE"
	case I16:
		return "I16"
	case I32:
		return "I32"
	case I64:
		return "I64"
	case STRING:
		return "STRING"
	case STRUCT:
		return "STRUCT"
	case MAP:
		return "MAP"
	case SET:
		return "SET"
	case LIST:
		return "LIST"
	default:
		return fmt.Sprintf("Type(%d)", byte(t))
	}
}

// MessageType distinguishes calls from their replies.
type MessageType byte

const (
	CALL      MessageType = 1
	REPLY     MessageType = 2
	EXCEPTION MessageType = 3
	ONEWAY    MessageType = 4
)

func (mt MessageType) String() string {
	switch mt {
	case CALL:
		return "CALL"
	case REPLY:
		return "REPLY"
	case EXCEPTION:
		return "EXCEPTION"
	case ONEWAY:
		return "ONEWAY"
	default:
		return "UNKNOWN"
	}
}

const (
	versionMask = 0xffff0000
	version1    = 0x80010000
	typeMask    = 0x000000ff

	// maxSkipDepth bounds recursion when skipping nested values.
	maxSkipDepth = 64
)

// Writer encodes Thrift binary values into a growing buffer.
type Writer struct {
	buf bytes.Buffer
	tmp [8]byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the encoded bytes. The slice aliases the writer's buffer.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// WriteMessageBegin writes a strict (versioned) message header.
func (w *Writer) WriteMessageBegin(name string, typ MessageType, seq int32) {
	w.WriteI32(int32(uint32(version1) | uint32(typ)))
	w.WriteString(name)
	w.WriteI32(seq)
}

func (w *Writer) WriteFieldBegin(typ Type, id int16) {
	w.WriteByte(byte(typ))
	w.WriteI16(id)
}

func (w *Writer) WriteFieldStop() {
	w.WriteByte(byte(STOP))
}

func (w *Writer) WriteMapBegin(keyType, valueType Type, size int) {
	w.WriteByte(byte(keyType))
	w.WriteByte(byte(valueType))
	w.WriteI32(int32(size))
}

func (w *Writer) WriteListBegin(elemType Type, size int) {
	w.WriteByte(byte(elemType))
	w.WriteI32(int32(size))
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteByte(1)
		return
	}
	w.WriteByte(0)
}

// WriteByte appends a single byte. It never fails; the error return only
// satisfies io.ByteWriter.
func (w *Writer) WriteByte(v byte) error {
	return w.buf.WriteByte(v)
}

func (w *Writer) WriteI16(v int16) {
	binary.BigEndian.PutUint16(w.tmp[:2], uint16(v))
	w.buf.Write(w.tmp[:2])
}

func (w *Writer) WriteI32(v int32) {
	binary.BigEndian.PutUint32(w.tmp[:4], uint32(v))
	w.buf.Write(w.tmp[:4])
}

func (w *Writer) WriteI64(v int64) {
	binary.BigEndian.PutUint64(w.tmp[:8], uint64(v))
	w.buf.Write(w.tmp[:8])
}

func (w *Writer) WriteDouble(v float64) {
	w.WriteI64(int64(math.Float64bits(v)))
}

func (w *Writer) WriteString(s string) {
	w.WriteI32(int32(len(s)))
	w.buf.WriteString(s)
}

func (w *Writer) WriteBinary(b []byte) {
	w.WriteI32(int32(len(b)))
	w.buf.Write(b)
}

// Reader decodes Thrift binary values from a single frame.
type Reader struct {
	data []byte
	pos  int
}

// NewReader returns a Reader over data. The reader does not copy data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

func (r *Reader) next(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrorMalformed, n, r.pos, r.Remaining())
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadMessageBegin reads a message header. Both the strict versioned form
// and the old unversioned form are accepted.
func (r *Reader) ReadMessageBegin() (name string, typ MessageType, seq int32, err error) {
	size, err := r.ReadI32()
	if err != nil {
		return "", 0, 0, err
	}

	if size < 0 {
		if uint32(size)&versionMask != version1 {
			return "", 0, 0, fmt.Errorf("%w: bad protocol version %#x", ErrorMalformed, uint32(size)&versionMask)
		}
		typ = MessageType(uint32(size) & typeMask)
		if name, err = r.ReadString(); err != nil {
			return "", 0, 0, err
		}
	} else {
		b, err := r.next(int(size))
		if err != nil {
			return "", 0, 0, err
		}
		name = string(b)
		t, err := r.ReadByte()
		if err != nil {
			return "", 0, 0, err
		}
		typ = MessageType(t)
	}

	if typ < CALL || typ > ONEWAY {
		return "", 0, 0, fmt.Errorf("%w: invalid message type %d", ErrorMalformed, typ)
	}

	if seq, err = r.ReadI32(); err != nil {
		return "", 0, 0, err
	}
	return name, typ, seq, nil
}

// ReadFieldBegin reads a field header. A STOP type carries no id.
func (r *Reader) ReadFieldBegin() (Type, int16, error) {
	b, err := r.ReadByte()
	if err != nil {
		return STOP, 0, err
	}
	typ := Type(b)
	if typ == STOP {
		return STOP, 0, nil
	}
	if !typ.Valid() {
		return STOP, 0, fmt.Errorf("%w: unknown field type %d", ErrorMalformed, b)
	}
	id, err := r.ReadI16()
	if err != nil {
		return STOP, 0, err
	}
	return typ, id, nil
}

func (r *Reader) ReadMapBegin() (keyType, valueType Type, size int, err error) {
	kv, err := r.next(2)
	if err != nil {
		return 0, 0, 0, err
	}
	keyType, valueType = Type(kv[0]), Type(kv[1])
	n, err := r.ReadI32()
	if err != nil {
		return 0, 0, 0, err
	}
	if err := r.checkSize(n); err != nil {
		return 0, 0, 0, err
	}
	if n > 0 && (!keyType.Valid() || !valueType.Valid() || keyType == STOP || valueType == STOP) {
		return 0, 0, 0, fmt.Errorf("%w: invalid map types %s/%s", ErrorMalformed, keyType, valueType)
	}
	return keyType, valueType, int(n), nil
}

func (r *Reader) ReadListBegin() (elemType Type, size int, err error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	elemType = Type(b)
	n, err := r.ReadI32()
	if err != nil {
		return 0, 0, err
	}
	if err := r.checkSize(n); err != nil {
		return 0, 0, err
	}
	if n > 0 && (!elemType.Valid() || elemType == STOP) {
		return 0, 0, fmt.Errorf("%w: invalid list type %s", ErrorMalformed, elemType)
	}
	return elemType, int(n), nil
}

// checkSize rejects container sizes that cannot fit in the rest of the
// frame; every element takes at least one byte.
func (r *Reader) checkSize(n int32) error {
	if n < 0 {
		return fmt.Errorf("%w: negative size %d", ErrorInvalidSize, n)
	}
	if int(n) > r.Remaining() {
		return fmt.Errorf("%w: size %d exceeds remaining %d bytes", ErrorInvalidSize, n, r.Remaining())
	}
	return nil
}

func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (r *Reader) ReadByte() (byte, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadI16() (int16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

func (r *Reader) ReadI32() (int32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (r *Reader) ReadI64() (int64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (r *Reader) ReadDouble() (float64, error) {
	v, err := r.ReadI64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(uint64(v)), nil
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBinary()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) ReadBinary() ([]byte, error) {
	n, err := r.ReadI32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrorInvalidSize, n)
	}
	b, err := r.next(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Skip consumes one value of the given type.
func (r *Reader) Skip(typ Type) error {
	return r.skip(typ, 0)
}

func (r *Reader) skip(typ Type, depth int) error {
	if depth > maxSkipDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrorMalformed, maxSkipDepth)
	}

	var err error
	switch typ {
	case BOOL, BYTE:
		_, err = r.next(1)
	case I16:
		_, err = r.next(2)
	case I32:
		_, err = r.next(4)
	case I64, DOUBLE:
		_, err = r.next(8)
	case STRING:
		var n int32
		if n, err = r.ReadI32(); err == nil {
			_, err = r.next(int(n))
		}
	case STRUCT:
		for {
			ft, _, ferr := r.ReadFieldBegin()
			if ferr != nil {
				return ferr
			}
			if ft == STOP {
				return nil
			}
			if err := r.skip(ft, depth+1); err != nil {
				return err
			}
		}
	case MAP:
		kt, vt, n, merr := r.ReadMapBegin()
		if merr != nil {
			return merr
		}
		for i := 0; i < n; i++ {
			if err := r.skip(kt, depth+1); err != nil {
				return err
			}
			if err := r.skip(vt, depth+1); err != nil {
				return err
			}
		}
	case SET, LIST:
		et, n, lerr := r.ReadListBegin()
		if lerr != nil {
			return lerr
		}
		for i := 0; i < n; i++ {
			if err := r.skip(et, depth+1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: cannot skip type %s", ErrorMalformed, typ)
	}
	return err
}

// Expect returns ErrorMalformed when a field arrived with the wrong type.
func Expect(got, want Type, field string) error {
	if got != want {
		return fmt.Errorf("%w: field %s has type %s, want %s", ErrorMalformed, field, got, want)
	}
	return nil
}
