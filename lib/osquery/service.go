package osquery

import (
	"github.com/snowmerak/osquery.go/lib/thrift"
)

// Method names of the Extension and ExtensionManager services.
const (
	MethodPing                = "ping"
	MethodCall                = "call"
	MethodShutdown            = "shutdown"
	MethodExtensions          = "extensions"
	MethodOptions             = "options"
	MethodRegisterExtension   = "registerExtension"
	MethodDeregisterExtension = "deregisterExtension"
	MethodQuery               = "query"
	MethodGetQueryColumns     = "getQueryColumns"
)

// StatusResult is the result struct of methods returning ExtensionStatus.
type StatusResult struct {
	Success *ExtensionStatus
}

func (s *StatusResult) Write(w *thrift.Writer) {
	if s.Success != nil {
		w.WriteFieldBegin(thrift.STRUCT, 0)
		s.Success.Write(w)
	}
	w.WriteFieldStop()
}

func (s *StatusResult) Read(r *thrift.Reader) error {
	return thrift.ReadStruct(r, func(r *thrift.Reader, typ thrift.Type, id int16) (bool, error) {
		if id != 0 {
			return false, nil
		}
		if err := thrift.Expect(typ, thrift.STRUCT, "success"); err != nil {
			return true, err
		}
		s.Success = &ExtensionStatus{}
		return true, s.Success.Read(r)
	})
}

// ResponseResult is the result struct of methods returning ExtensionResponse.
type ResponseResult struct {
	Success *ExtensionResponse
}

func (s *ResponseResult) Write(w *thrift.Writer) {
	if s.Success != nil {
		w.WriteFieldBegin(thrift.STRUCT, 0)
		s.Success.Write(w)
	}
	w.WriteFieldStop()
}

func (s *ResponseResult) Read(r *thrift.Reader) error {
	return thrift.ReadStruct(r, func(r *thrift.Reader, typ thrift.Type, id int16) (bool, error) {
		if id != 0 {
			return false, nil
		}
		if err := thrift.Expect(typ, thrift.STRUCT, "success"); err != nil {
			return true, err
		}
		s.Success = &ExtensionResponse{}
		return true, s.Success.Read(r)
	})
}

// CallArgs are the arguments of Extension.call.
type CallArgs struct {
	Registry string
	Item     string
	Request  ExtensionPluginRequest
}

func (a *CallArgs) Write(w *thrift.Writer) {
	w.WriteFieldBegin(thrift.STRING, 1)
	w.WriteString(a.Registry)
	w.WriteFieldBegin(thrift.STRING, 2)
	w.WriteString(a.Item)
	w.WriteFieldBegin(thrift.MAP, 3)
	thrift.WriteStringMap(w, a.Request)
	w.WriteFieldStop()
}

func (a *CallArgs) Read(r *thrift.Reader) error {
	return thrift.ReadStruct(r, func(r *thrift.Reader, typ thrift.Type, id int16) (bool, error) {
		switch id {
		case 1:
			return true, readString(r, typ, "registry", &a.Registry)
		case 2:
			return true, readString(r, typ, "item", &a.Item)
		case 3:
			if err := thrift.Expect(typ, thrift.MAP, "request"); err != nil {
				return true, err
			}
			m, err := thrift.ReadStringMap(r)
			a.Request = m
			return true, err
		}
		return false, nil
	})
}

// ExtensionsResult is the result struct of ExtensionManager.extensions.
type ExtensionsResult struct {
	Success InternalExtensionList
}

func (s *ExtensionsResult) Write(w *thrift.Writer) {
	if s.Success != nil {
		w.WriteFieldBegin(thrift.MAP, 0)
		writeExtensionList(w, s.Success)
	}
	w.WriteFieldStop()
}

func (s *ExtensionsResult) Read(r *thrift.Reader) error {
	return thrift.ReadStruct(r, func(r *thrift.Reader, typ thrift.Type, id int16) (bool, error) {
		if id != 0 {
			return false, nil
		}
		if err := thrift.Expect(typ, thrift.MAP, "success"); err != nil {
			return true, err
		}
		list, err := readExtensionList(r)
		s.Success = list
		return true, err
	})
}

// OptionsResult is the result struct of ExtensionManager.options.
type OptionsResult struct {
	Success InternalOptionList
}

func (s *OptionsResult) Write(w *thrift.Writer) {
	if s.Success != nil {
		w.WriteFieldBegin(thrift.MAP, 0)
		writeOptionList(w, s.Success)
	}
	w.WriteFieldStop()
}

func (s *OptionsResult) Read(r *thrift.Reader) error {
	return thrift.ReadStruct(r, func(r *thrift.Reader, typ thrift.Type, id int16) (bool, error) {
		if id != 0 {
			return false, nil
		}
		if err := thrift.Expect(typ, thrift.MAP, "success"); err != nil {
			return true, err
		}
		list, err := readOptionList(r)
		s.Success = list
		return true, err
	})
}

// RegisterExtensionArgs are the arguments of ExtensionManager.registerExtension.
type RegisterExtensionArgs struct {
	Info     *InternalExtensionInfo
	Registry ExtensionRegistry
}

func (a *RegisterExtensionArgs) Write(w *thrift.Writer) {
	if a.Info != nil {
		w.WriteFieldBegin(thrift.STRUCT, 1)
		a.Info.Write(w)
	}
	w.WriteFieldBegin(thrift.MAP, 2)
	writeRegistry(w, a.Registry)
	w.WriteFieldStop()
}

func (a *RegisterExtensionArgs) Read(r *thrift.Reader) error {
	return thrift.ReadStruct(r, func(r *thrift.Reader, typ thrift.Type, id int16) (bool, error) {
		switch id {
		case 1:
			if err := thrift.Expect(typ, thrift.STRUCT, "info"); err != nil {
				return true, err
			}
			a.Info = &InternalExtensionInfo{}
			return true, a.Info.Read(r)
		case 2:
			if err := thrift.Expect(typ, thrift.MAP, "registry"); err != nil {
				return true, err
			}
			reg, err := readRegistry(r)
			a.Registry = reg
			return true, err
		}
		return false, nil
	})
}

// DeregisterExtensionArgs are the arguments of ExtensionManager.deregisterExtension.
type DeregisterExtensionArgs struct {
	UUID ExtensionRouteUUID
}

func (a *DeregisterExtensionArgs) Write(w *thrift.Writer) {
	w.WriteFieldBegin(thrift.I64, 1)
	w.WriteI64(int64(a.UUID))
	w.WriteFieldStop()
}

func (a *DeregisterExtensionArgs) Read(r *thrift.Reader) error {
	return thrift.ReadStruct(r, func(r *thrift.Reader, typ thrift.Type, id int16) (bool, error) {
		if id != 1 {
			return false, nil
		}
		if err := thrift.Expect(typ, thrift.I64, "uuid"); err != nil {
			return true, err
		}
		v, err := r.ReadI64()
		a.UUID = ExtensionRouteUUID(v)
		return true, err
	})
}

// SQLArgs are the arguments of ExtensionManager.query and getQueryColumns.
type SQLArgs struct {
	SQL string
}

func (a *SQLArgs) Write(w *thrift.Writer) {
	w.WriteFieldBegin(thrift.STRING, 1)
	w.WriteString(a.SQL)
	w.WriteFieldStop()
}

func (a *SQLArgs) Read(r *thrift.Reader) error {
	return thrift.ReadStruct(r, func(r *thrift.Reader, typ thrift.Type, id int16) (bool, error) {
		if id != 1 {
			return false, nil
		}
		return true, readString(r, typ, "sql", &a.SQL)
	})
}
