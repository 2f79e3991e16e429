package thrift

import "fmt"

// Application exception kinds, as defined by the Thrift runtime.
const (
	ExceptionUnknown            int32 = 0
	ExceptionUnknownMethod      int32 = 1
	ExceptionInvalidMessageType int32 = 2
	ExceptionWrongMethodName    int32 = 3
	ExceptionBadSequenceID      int32 = 4
	ExceptionMissingResult      int32 = 5
	ExceptionInternalError      int32 = 6
	ExceptionProtocolError      int32 = 7
)

// ApplicationException is the generic error reply a Thrift server sends when
// it cannot produce a typed result.
type ApplicationException struct {
	Kind    int32
	Message string
}

func NewApplicationException(kind int32, format string, args ...any) *ApplicationException {
	return &ApplicationException{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *ApplicationException) Error() string {
	return fmt.Sprintf("thrift application exception %d: %s", e.Kind, e.Message)
}

func (e *ApplicationException) Write(w *Writer) {
	if e.Message != "" {
		w.WriteFieldBegin(STRING, 1)
		w.WriteString(e.Message)
	}
	w.WriteFieldBegin(I32, 2)
	w.WriteI32(e.Kind)
	w.WriteFieldStop()
}

func (e *ApplicationException) Read(r *Reader) error {
	return ReadStruct(r, func(r *Reader, typ Type, id int16) (bool, error) {
		var err error
		switch id {
		case 1:
			if err = Expect(typ, STRING, "message"); err == nil {
				e.Message, err = r.ReadString()
			}
		case 2:
			if err = Expect(typ, I32, "type"); err == nil {
				e.Kind, err = r.ReadI32()
			}
		default:
			return false, nil
		}
		return true, err
	})
}
