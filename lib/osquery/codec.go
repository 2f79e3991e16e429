package osquery

import (
	"fmt"

	"github.com/snowmerak/osquery.go/lib/thrift"
)

func writeRegistry(w *thrift.Writer, reg ExtensionRegistry) {
	w.WriteMapBegin(thrift.STRING, thrift.MAP, len(reg))
	for _, name := range thrift.SortedKeys(reg) {
		w.WriteString(name)
		table := reg[name]
		w.WriteMapBegin(thrift.STRING, thrift.LIST, len(table))
		for _, item := range thrift.SortedKeys(table) {
			w.WriteString(item)
			thrift.WriteStringMapList(w, table[item])
		}
	}
}

func readRegistry(r *thrift.Reader) (ExtensionRegistry, error) {
	kt, vt, n, err := r.ReadMapBegin()
	if err != nil {
		return nil, err
	}
	if n > 0 && (kt != thrift.STRING || vt != thrift.MAP) {
		return nil, fmt.Errorf("%w: registry map<%s,%s>", thrift.ErrorMalformed, kt, vt)
	}
	reg := make(ExtensionRegistry, n)
	for i := 0; i < n; i++ {
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		kt, vt, m, err := r.ReadMapBegin()
		if err != nil {
			return nil, err
		}
		if m > 0 && (kt != thrift.STRING || vt != thrift.LIST) {
			return nil, fmt.Errorf("%w: route table map<%s,%s>", thrift.ErrorMalformed, kt, vt)
		}
		table := make(ExtensionRouteTable, m)
		for j := 0; j < m; j++ {
			item, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			routes, err := thrift.ReadStringMapList(r)
			if err != nil {
				return nil, err
			}
			table[item] = routes
		}
		reg[name] = table
	}
	return reg, nil
}

func writeExtensionList(w *thrift.Writer, list InternalExtensionList) {
	w.WriteMapBegin(thrift.I64, thrift.STRUCT, len(list))
	for _, id := range thrift.SortedKeys(list) {
		w.WriteI64(int64(id))
		info := list[id]
		if info == nil {
			info = &InternalExtensionInfo{}
		}
		info.Write(w)
	}
}

func readExtensionList(r *thrift.Reader) (InternalExtensionList, error) {
	kt, vt, n, err := r.ReadMapBegin()
	if err != nil {
		return nil, err
	}
	if n > 0 && (kt != thrift.I64 || vt != thrift.STRUCT) {
		return nil, fmt.Errorf("%w: extension list map<%s,%s>", thrift.ErrorMalformed, kt, vt)
	}
	list := make(InternalExtensionList, n)
	for i := 0; i < n; i++ {
		id, err := r.ReadI64()
		if err != nil {
			return nil, err
		}
		info := &InternalExtensionInfo{}
		if err := info.Read(r); err != nil {
			return nil, err
		}
		list[ExtensionRouteUUID(id)] = info
	}
	return list, nil
}

func writeOptionList(w *thrift.Writer, list InternalOptionList) {
	w.WriteMapBegin(thrift.STRING, thrift.STRUCT, len(list))
	for _, name := range thrift.SortedKeys(list) {
		w.WriteString(name)
		opt := list[name]
		if opt == nil {
			opt = &InternalOptionInfo{}
		}
		opt.Write(w)
	}
}

func readOptionList(r *thrift.Reader) (InternalOptionList, error) {
	kt, vt, n, err := r.ReadMapBegin()
	if err != nil {
		return nil, err
	}
	if n > 0 && (kt != thrift.STRING || vt != thrift.STRUCT) {
		return nil, fmt.Errorf("%w: option list map<%s,%s>", thrift.ErrorMalformed, kt, vt)
	}
	list := make(InternalOptionList, n)
	for i := 0; i < n; i++ {
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		opt := &InternalOptionInfo{}
		if err := opt.Read(r); err != nil {
			return nil, err
		}
		list[name] = opt
	}
	return list, nil
}
