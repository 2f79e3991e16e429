package thrift

import (
	"fmt"
	"slices"
)

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[M ~map[K]V, K ~string | ~int64, V any](m M) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// WriteStringMap writes a map<string,string> in key order.
func WriteStringMap(w *Writer, m map[string]string) {
	w.WriteMapBegin(STRING, STRING, len(m))
	for _, k := range SortedKeys(m) {
		w.WriteString(k)
		w.WriteString(m[k])
	}
}

// ReadStringMap reads a map<string,string>. An empty map on the wire yields
// a non-nil empty map.
func ReadStringMap(r *Reader) (map[string]string, error) {
	kt, vt, n, err := r.ReadMapBegin()
	if err != nil {
		return nil, err
	}
	if n > 0 && (kt != STRING || vt != STRING) {
		return nil, fmt.Errorf("%w: map<%s,%s>, want map<STRING,STRING>", ErrorMalformed, kt, vt)
	}
	m := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// WriteStringMapList writes a list<map<string,string>>.
func WriteStringMapList(w *Writer, rows []map[string]string) {
	w.WriteListBegin(MAP, len(rows))
	for _, row := range rows {
		WriteStringMap(w, row)
	}
}

// ReadStringMapList reads a list<map<string,string>>. An empty list yields a
// non-nil empty slice.
func ReadStringMapList(r *Reader) ([]map[string]string, error) {
	et, n, err := r.ReadListBegin()
	if err != nil {
		return nil, err
	}
	if n > 0 && et != MAP {
		return nil, fmt.Errorf("%w: list<%s>, want list<MAP>", ErrorMalformed, et)
	}
	rows := make([]map[string]string, 0, n)
	for i := 0; i < n; i++ {
		row, err := ReadStringMap(r)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}
