package thrift

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ReadMessage reads one complete binary-protocol message from an unframed
// stream and returns its raw bytes, ready for DecodeHeader. It only walks
// the wire types, so it works for any method. maxSize bounds the message;
// zero means unbounded. An empty stream returns io.EOF and a stream that
// ends mid-message returns io.ErrUnexpectedEOF.
func ReadMessage(r io.Reader, maxSize int) ([]byte, error) {
	s := &scanner{r: r, max: maxSize}
	if err := s.message(); err != nil {
		if errors.Is(err, io.EOF) && len(s.buf) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return s.buf, nil
}

type scanner struct {
	r   io.Reader
	buf []byte
	max int
}

// take reads n more bytes. The returned slice is only valid until the next
// call.
func (s *scanner) take(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrorInvalidSize, n)
	}
	if s.max > 0 && len(s.buf)+n > s.max {
		return nil, fmt.Errorf("%w: message exceeds %d bytes", ErrorInvalidSize, s.max)
	}
	start := len(s.buf)
	s.buf = append(s.buf, make([]byte, n)...)
	if _, err := io.ReadFull(s.r, s.buf[start:]); err != nil {
		s.buf = s.buf[:start]
		return nil, err
	}
	return s.buf[start:], nil
}

func (s *scanner) i32() (int32, error) {
	b, err := s.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (s *scanner) count() (int, error) {
	n, err := s.i32()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: negative size %d", ErrorInvalidSize, n)
	}
	return int(n), nil
}

func (s *scanner) message() error {
	size, err := s.i32()
	if err != nil {
		return err
	}
	if size < 0 {
		if uint32(size)&versionMask != version1 {
			return fmt.Errorf("%w: bad protocol version %#x", ErrorMalformed, uint32(size)&versionMask)
		}
		if err := s.skip(STRING, 0); err != nil {
			return err
		}
	} else {
		// Old unversioned header: name bytes, then the message type.
		if _, err := s.take(int(size) + 1); err != nil {
			return err
		}
	}
	if _, err := s.take(4); err != nil {
		return err
	}
	return s.skip(STRUCT, 0)
}

func (s *scanner) skip(typ Type, depth int) error {
	if depth > maxSkipDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrorMalformed, maxSkipDepth)
	}

	var err error
	switch typ {
	case BOOL, BYTE:
		_, err = s.take(1)
	case I16:
		_, err = s.take(2)
	case I32:
		_, err = s.take(4)
	case I64, DOUBLE:
		_, err = s.take(8)
	case STRING:
		var n int
		if n, err = s.count(); err == nil {
			_, err = s.take(n)
		}
	case STRUCT:
		for {
			b, ferr := s.take(1)
			if ferr != nil {
				return ferr
			}
			ft := Type(b[0])
			if ft == STOP {
				return nil
			}
			if !ft.Valid() || ft == VOID {
				return fmt.Errorf("%w: unknown field type %d", ErrorMalformed, byte(ft))
			}
			if _, err := s.take(2); err != nil {
				return err
			}
			if err := s.skip(ft, depth+1); err != nil {
				return err
			}
		}
	case MAP:
		kv, merr := s.take(2)
		if merr != nil {
			return merr
		}
		kt, vt := Type(kv[0]), Type(kv[1])
		n, cerr := s.count()
		if cerr != nil {
			return cerr
		}
		for i := 0; i < n; i++ {
			if err := s.skip(kt, depth+1); err != nil {
				return err
			}
			if err := s.skip(vt, depth+1); err != nil {
				return err
			}
		}
	case SET, LIST:
		b, lerr := s.take(1)
		if lerr != nil {
			return lerr
		}
		et := Type(b[0])
		n, cerr := s.count()
		if cerr != nil {
			return cerr
		}
		for i := 0; i < n; i++ {
			if err := s.skip(et, depth+1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: cannot skip type %s", ErrorMalformed, typ)
	}
	return err
}
