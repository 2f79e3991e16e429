package plugin

import (
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// ProtoJSONSerializer encodes protobuf messages in their canonical JSON
// form. newMessage must return a fresh, non-nil message each call.
func ProtoJSONSerializer[T proto.Message](newMessage func() T) Serializer[T] {
	return Serializer[T]{
		Marshal: func(m T) (string, error) {
			b, err := protojson.Marshal(m)
			return string(b), err
		},
		Unmarshal: func(s string) (T, error) {
			m := newMessage()
			if err := protojson.Unmarshal([]byte(s), m); err != nil {
				var zero T
				return zero, err
			}
			return m, nil
		},
	}
}

// NewProtoParam is a ParamAdapter for a protobuf message carried as JSON.
func NewProtoParam[T proto.Message](key string, newMessage func() T) *ParamAdapter[T] {
	return NewParamAdapter(key, ProtoJSONSerializer(newMessage))
}
