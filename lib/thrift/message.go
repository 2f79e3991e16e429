package thrift

import (
	"fmt"
)

// Struct is a Thrift struct that knows its own wire layout.
type Struct interface {
	Write(w *Writer)
	Read(r *Reader) error
}

// FieldFunc decodes one field of a struct. It returns false for ids it does
// not know, in which case the value is skipped.
type FieldFunc func(r *Reader, typ Type, id int16) (bool, error)

// ReadStruct walks the fields of a struct until STOP, handing each one to fn.
func ReadStruct(r *Reader, fn FieldFunc) error {
	for {
		typ, id, err := r.ReadFieldBegin()
		if err != nil {
			return err
		}
		if typ == STOP {
			return nil
		}
		handled, err := fn(r, typ, id)
		if err != nil {
			return err
		}
		if !handled {
			if err := r.Skip(typ); err != nil {
				return err
			}
		}
	}
}

// Header identifies a message on the wire.
type Header struct {
	Name  string
	Type  MessageType
	SeqID int32
}

func (h Header) String() string {
	return fmt.Sprintf("%s %s#%d", h.Type, h.Name, h.SeqID)
}

// EncodeMessage produces the complete bytes of one message: header and body.
func EncodeMessage(h Header, body Struct) []byte {
	w := NewWriter()
	w.WriteMessageBegin(h.Name, h.Type, h.SeqID)
	if body != nil {
		body.Write(w)
	} else {
		w.WriteFieldStop()
	}
	return w.Bytes()
}

// DecodeHeader reads the header of a message and returns a reader positioned
// at its body.
func DecodeHeader(frame []byte) (Header, *Reader, error) {
	r := NewReader(frame)
	name, typ, seq, err := r.ReadMessageBegin()
	if err != nil {
		return Header{}, nil, err
	}
	return Header{Name: name, Type: typ, SeqID: seq}, r, nil
}

// DecodeBody reads a struct body and requires that it consumes the frame.
func DecodeBody(r *Reader, body Struct) error {
	if err := body.Read(r); err != nil {
		return err
	}
	if r.Remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrorMalformed, r.Remaining())
	}
	return nil
}

// Empty is the argument or result struct of a method without fields.
type Empty struct{}

func (Empty) Write(w *Writer) {
	w.WriteFieldStop()
}

func (Empty) Read(r *Reader) error {
	return ReadStruct(r, func(*Reader, Type, int16) (bool, error) {
		return false, nil
	})
}
