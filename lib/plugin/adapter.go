package plugin

import (
	"fmt"

	"github.com/snowmerak/osquery.go/lib/osquery"
)

// Serializer converts a typed value to and from the string form carried in
// request and response maps. The transport only moves strings; structure
// inside a value is a convention between the host and the plugin.
type Serializer[T any] struct {
	Marshal   func(T) (string, error)
	Unmarshal func(string) (T, error)
}

// ParamAdapter reads and writes one typed parameter of a plugin request.
type ParamAdapter[T any] struct {
	key        string
	serializer Serializer[T]
}

// NewParamAdapter binds a serializer to a request key.
func NewParamAdapter[T any](key string, serializer Serializer[T]) *ParamAdapter[T] {
	return &ParamAdapter[T]{key: key, serializer: serializer}
}

// Key returns the request key the adapter reads.
func (a *ParamAdapter[T]) Key() string {
	return a.key
}

// Decode extracts the parameter. A missing key is reported with ErrNotFound.
func (a *ParamAdapter[T]) Decode(request osquery.ExtensionPluginRequest) (T, error) {
	var zero T
	raw, ok := request[a.key]
	if !ok {
		return zero, fmt.Errorf("param adapter: %w: request has no %q", ErrNotFound, a.key)
	}
	v, err := a.serializer.Unmarshal(raw)
	if err != nil {
		return zero, fmt.Errorf("param adapter: failed to unmarshal %q: %w", a.key, err)
	}
	return v, nil
}

// Encode stores v into request under the adapter's key.
func (a *ParamAdapter[T]) Encode(request osquery.ExtensionPluginRequest, v T) error {
	raw, err := a.serializer.Marshal(v)
	if err != nil {
		return fmt.Errorf("param adapter: failed to marshal %q: %w", a.key, err)
	}
	request[a.key] = raw
	return nil
}
