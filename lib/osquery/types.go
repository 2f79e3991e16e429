// Package osquery holds the data types and service envelopes of the osquery
// extension protocol together with their Thrift binary encoding.
package osquery

import (
	"fmt"

	"github.com/snowmerak/osquery.go/lib/thrift"
)

// ExtensionCode is the status code carried in every ExtensionStatus.
type ExtensionCode int32

const (
	ExtSuccess ExtensionCode = 0
	ExtFailed  ExtensionCode = 1
	ExtFatal   ExtensionCode = 2
)

func (c ExtensionCode) String() string {
	switch c {
	case ExtSuccess:
		return "EXT_SUCCESS"
	case ExtFailed:
		return "EXT_FAILED"
	case ExtFatal:
		return "EXT_FATAL"
	default:
		return fmt.Sprintf("ExtensionCode(%d)", int32(c))
	}
}

// ExtensionRouteUUID is the id the manager assigns to a registered extension.
type ExtensionRouteUUID int64

// ExtensionPluginRequest is the parameter map of a plugin call.
type ExtensionPluginRequest map[string]string

// ExtensionPluginResponse is the row list a plugin call returns.
type ExtensionPluginResponse []map[string]string

// ExtensionRouteTable maps plugin names to their routes within one registry.
type ExtensionRouteTable map[string]ExtensionPluginResponse

// ExtensionRegistry maps registry names (table, config, logger) to routes.
type ExtensionRegistry map[string]ExtensionRouteTable

// InternalExtensionList maps route ids to the extensions registered under them.
type InternalExtensionList map[ExtensionRouteUUID]*InternalExtensionInfo

// InternalOptionList maps option names to their values.
type InternalOptionList map[string]*InternalOptionInfo

type InternalOptionInfo struct {
	Value        string
	DefaultValue string
	Type         string
}

func (o *InternalOptionInfo) Write(w *thrift.Writer) {
	w.WriteFieldBegin(thrift.STRING, 1)
	w.WriteString(o.Value)
	w.WriteFieldBegin(thrift.STRING, 2)
	w.WriteString(o.DefaultValue)
	w.WriteFieldBegin(thrift.STRING, 3)
	w.WriteString(o.Type)
	w.WriteFieldStop()
}

func (o *InternalOptionInfo) Read(r *thrift.Reader) error {
	return thrift.ReadStruct(r, func(r *thrift.Reader, typ thrift.Type, id int16) (bool, error) {
		switch id {
		case 1:
			return true, readString(r, typ, "value", &o.Value)
		case 2:
			return true, readString(r, typ, "default_value", &o.DefaultValue)
		case 3:
			return true, readString(r, typ, "type", &o.Type)
		}
		return false, nil
	})
}

// InternalExtensionInfo is the identity an extension advertises when it
// registers.
type InternalExtensionInfo struct {
	Name          string
	Version       string
	SDKVersion    string
	MinSDKVersion string
}

func (i *InternalExtensionInfo) Write(w *thrift.Writer) {
	w.WriteFieldBegin(thrift.STRING, 1)
	w.WriteString(i.Name)
	w.WriteFieldBegin(thrift.STRING, 2)
	w.WriteString(i.Version)
	w.WriteFieldBegin(thrift.STRING, 3)
	w.WriteString(i.SDKVersion)
	w.WriteFieldBegin(thrift.STRING, 4)
	w.WriteString(i.MinSDKVersion)
	w.WriteFieldStop()
}

func (i *InternalExtensionInfo) Read(r *thrift.Reader) error {
	return thrift.ReadStruct(r, func(r *thrift.Reader, typ thrift.Type, id int16) (bool, error) {
		switch id {
		case 1:
			return true, readString(r, typ, "name", &i.Name)
		case 2:
			return true, readString(r, typ, "version", &i.Version)
		case 3:
			return true, readString(r, typ, "sdk_version", &i.SDKVersion)
		case 4:
			return true, readString(r, typ, "min_sdk_version", &i.MinSDKVersion)
		}
		return false, nil
	})
}

// ExtensionStatus is the result envelope every RPC returns.
type ExtensionStatus struct {
	Code    int32
	Message string
	UUID    ExtensionRouteUUID
}

// OK reports whether the status carries EXT_SUCCESS.
func (s *ExtensionStatus) OK() bool {
	return s != nil && ExtensionCode(s.Code) == ExtSuccess
}

// Err converts a failed status into a *StatusError. A nil or successful
// status yields nil.
func (s *ExtensionStatus) Err() error {
	if s == nil || s.OK() {
		return nil
	}
	return &StatusError{Code: ExtensionCode(s.Code), Message: s.Message}
}

func (s *ExtensionStatus) Write(w *thrift.Writer) {
	w.WriteFieldBegin(thrift.I32, 1)
	w.WriteI32(s.Code)
	w.WriteFieldBegin(thrift.STRING, 2)
	w.WriteString(s.Message)
	w.WriteFieldBegin(thrift.I64, 3)
	w.WriteI64(int64(s.UUID))
	w.WriteFieldStop()
}

func (s *ExtensionStatus) Read(r *thrift.Reader) error {
	return thrift.ReadStruct(r, func(r *thrift.Reader, typ thrift.Type, id int16) (bool, error) {
		var err error
		switch id {
		case 1:
			if err = thrift.Expect(typ, thrift.I32, "code"); err == nil {
				s.Code, err = r.ReadI32()
			}
		case 2:
			err = readString(r, typ, "message", &s.Message)
		case 3:
			if err = thrift.Expect(typ, thrift.I64, "uuid"); err == nil {
				var v int64
				v, err = r.ReadI64()
				s.UUID = ExtensionRouteUUID(v)
			}
		default:
			return false, nil
		}
		return true, err
	})
}

// StatusError is a failed ExtensionStatus seen as a Go error.
type StatusError struct {
	Code    ExtensionCode
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Success returns a successful status with the conventional "OK" message.
func Success() *ExtensionStatus {
	return &ExtensionStatus{Code: int32(ExtSuccess), Message: "OK"}
}

// Failure returns an EXT_FAILED status with a formatted message.
func Failure(format string, args ...any) *ExtensionStatus {
	return &ExtensionStatus{Code: int32(ExtFailed), Message: fmt.Sprintf(format, args...)}
}

// ExtensionResponse pairs a status with the rows of a plugin call or query.
type ExtensionResponse struct {
	Status   *ExtensionStatus
	Response ExtensionPluginResponse
}

func (e *ExtensionResponse) Write(w *thrift.Writer) {
	if e.Status != nil {
		w.WriteFieldBegin(thrift.STRUCT, 1)
		e.Status.Write(w)
	}
	w.WriteFieldBegin(thrift.LIST, 2)
	thrift.WriteStringMapList(w, e.Response)
	w.WriteFieldStop()
}

func (e *ExtensionResponse) Read(r *thrift.Reader) error {
	return thrift.ReadStruct(r, func(r *thrift.Reader, typ thrift.Type, id int16) (bool, error) {
		switch id {
		case 1:
			if err := thrift.Expect(typ, thrift.STRUCT, "status"); err != nil {
				return true, err
			}
			e.Status = &ExtensionStatus{}
			return true, e.Status.Read(r)
		case 2:
			if err := thrift.Expect(typ, thrift.LIST, "response"); err != nil {
				return true, err
			}
			rows, err := thrift.ReadStringMapList(r)
			e.Response = rows
			return true, err
		}
		return false, nil
	})
}

func readString(r *thrift.Reader, typ thrift.Type, field string, dst *string) error {
	if err := thrift.Expect(typ, thrift.STRING, field); err != nil {
		return err
	}
	v, err := r.ReadString()
	if err != nil {
		return err
	}
	*dst = v
	return nil
}
