package plugin

import (
	"context"
	"fmt"

	"github.com/snowmerak/osquery.go/lib/osquery"
)

// LogType identifies what the host is asking a logger to record.
type LogType int

const (
	LogTypeString LogType = iota
	LogTypeSnapshot
	LogTypeHealth
	LogTypeInit
	LogTypeStatus
)

func (t LogType) String() string {
	switch t {
	case LogTypeString:
		return "string"
	case LogTypeSnapshot:
		return "snapshot"
	case LogTypeHealth:
		return "health"
	case LogTypeInit:
		return "init"
	case LogTypeStatus:
		return "status"
	default:
		return fmt.Sprintf("LogType(%d)", int(t))
	}
}

// LogFunc records one log request. For LogTypeString the category parameter
// is passed through as well; it is empty otherwise.
type LogFunc func(ctx context.Context, typ LogType, category, text string) error

// Logger is a logger plugin.
type Logger struct {
	name string
	log  LogFunc
}

// NewLogger builds a logger plugin.
func NewLogger(name string, log LogFunc) *Logger {
	return &Logger{name: name, log: log}
}

func (l *Logger) Name() string { return l.name }

func (l *Logger) Kind() Kind { return KindLogger }

func (l *Logger) Routes() osquery.ExtensionPluginResponse {
	return osquery.ExtensionPluginResponse{}
}

func (l *Logger) Call(ctx context.Context, request osquery.ExtensionPluginRequest) (osquery.ExtensionResponse, error) {
	typ, text, ok := classifyLogRequest(request)
	if !ok {
		return failedResponse("logger %s: unknown log request", l.name), nil
	}

	var category string
	if typ == LogTypeString {
		category = request["category"]
	}
	if l.log == nil {
		return okResponse(nil), nil
	}
	if err := l.log(ctx, typ, category, text); err != nil {
		return osquery.ExtensionResponse{}, fmt.Errorf("logger %s: %s: %w", l.name, typ, err)
	}
	return okResponse(nil), nil
}

// classifyLogRequest maps the request keys osquery uses to a LogType. Status
// logs carry their lines in the "log" parameter.
func classifyLogRequest(request osquery.ExtensionPluginRequest) (LogType, string, bool) {
	if v, ok := request["string"]; ok {
		return LogTypeString, v, true
	}
	if v, ok := request["snapshot"]; ok {
		return LogTypeSnapshot, v, true
	}
	if v, ok := request["health"]; ok {
		return LogTypeHealth, v, true
	}
	if v, ok := request["init"]; ok {
		return LogTypeInit, v, true
	}
	if _, ok := request["status"]; ok {
		return LogTypeStatus, request["log"], true
	}
	return 0, "", false
}
