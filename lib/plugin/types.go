// Package plugin provides the plugin contract of an osquery extension, the
// registry that holds an extension's plugins, and the table, config and logger
// implementations built on top of it.
package plugin

import (
	"context"
	"fmt"

	"github.com/snowmerak/osquery.go/lib/osquery"
)

// Kind is the registry a plugin belongs to on the host.
type Kind string

const (
	KindTable  Kind = "table"
	KindConfig Kind = "config"
	KindLogger Kind = "logger"
)

// Valid reports whether k is one of the supported plugin kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTable, KindConfig, KindLogger:
		return true
	default:
		return false
	}
}

// Plugin is the capability every table, config or logger implementation
// offers to the dispatcher.
//
// Call receives the request parameters of one host call. The returned
// response may carry its own failed status, which is distinct from a
// returned error: a status is a plugin-level answer, an error is a fault
// that the dispatcher reports on the plugin's behalf. The context carries
// the dispatcher's call deadline; the protocol cannot interrupt a call, so
// long-running plugins should check it themselves.
type Plugin interface {
	Name() string
	Kind() Kind
	Routes() osquery.ExtensionPluginResponse
	Call(ctx context.Context, request osquery.ExtensionPluginRequest) (osquery.ExtensionResponse, error)
}

// Registration describes one registered plugin for advertisement.
type Registration struct {
	Kind   Kind
	Name   string
	Routes osquery.ExtensionPluginResponse
}

func (r Registration) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.Name)
}

// ActionKey is the request parameter naming the verb of a table or config
// call.
const ActionKey = "action"

// okResponse wraps rows in a successful response.
func okResponse(rows osquery.ExtensionPluginResponse) osquery.ExtensionResponse {
	if rows == nil {
		rows = osquery.ExtensionPluginResponse{}
	}
	return osquery.ExtensionResponse{Status: osquery.Success(), Response: rows}
}

// failedResponse is a plugin-level failure: the call itself was handled.
func failedResponse(format string, args ...any) osquery.ExtensionResponse {
	return osquery.ExtensionResponse{
		Status:   osquery.Failure(format, args...),
		Response: osquery.ExtensionPluginResponse{},
	}
}
