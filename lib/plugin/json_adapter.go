package plugin

import (
	"encoding/json"
)

// JSONSerializer encodes values as JSON text.
func JSONSerializer[T any]() Serializer[T] {
	return Serializer[T]{
		Marshal: func(v T) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
		Unmarshal: func(s string) (T, error) {
			var v T
			err := json.Unmarshal([]byte(s), &v)
			return v, err
		},
	}
}

// NewJSONParam is a ParamAdapter for a JSON-encoded request value.
func NewJSONParam[T any](key string) *ParamAdapter[T] {
	return NewParamAdapter(key, JSONSerializer[T]())
}
