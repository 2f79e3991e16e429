package plugin

import (
	"context"
	"fmt"

	"github.com/snowmerak/osquery.go/lib/osquery"
)

// ColumnType is the SQL affinity of a table column.
type ColumnType string

const (
	ColumnText           ColumnType = "TEXT"
	ColumnInteger        ColumnType = "INTEGER"
	ColumnBigInt         ColumnType = "BIGINT"
	ColumnUnsignedBigInt ColumnType = "UNSIGNED BIGINT"
	ColumnDouble         ColumnType = "DOUBLE"
	ColumnBlob           ColumnType = "BLOB"
)

// Column is one entry of a table schema.
type Column struct {
	Name string
	Type ColumnType
}

func TextColumn(name string) Column           { return Column{Name: name, Type: ColumnText} }
func IntegerColumn(name string) Column        { return Column{Name: name, Type: ColumnInteger} }
func BigIntColumn(name string) Column         { return Column{Name: name, Type: ColumnBigInt} }
func UnsignedBigIntColumn(name string) Column { return Column{Name: name, Type: ColumnUnsignedBigInt} }
func DoubleColumn(name string) Column         { return Column{Name: name, Type: ColumnDouble} }
func BlobColumn(name string) Column           { return Column{Name: name, Type: ColumnBlob} }

// Table actions.
const (
	ActionGenerate = "generate"
	ActionColumns  = "columns"
)

// ContextKey is the request parameter holding the JSON query context.
const ContextKey = "context"

// GenerateFunc produces the rows of a table for one query.
type GenerateFunc func(ctx context.Context, qc QueryContext) ([]map[string]string, error)

// Table is a table plugin backed by a generate function.
type Table struct {
	name     string
	columns  []Column
	generate GenerateFunc
}

// NewTable builds a table plugin. The columns are the advertised schema and
// every generated row is trimmed or padded to exactly these keys.
func NewTable(name string, columns []Column, generate GenerateFunc) *Table {
	return &Table{
		name:     name,
		columns:  append([]Column(nil), columns...),
		generate: generate,
	}
}

func (t *Table) Name() string { return t.name }

func (t *Table) Kind() Kind { return KindTable }

// Columns returns a copy of the schema.
func (t *Table) Columns() []Column {
	return append([]Column(nil), t.columns...)
}

// Routes advertises one route per column in schema order.
func (t *Table) Routes() osquery.ExtensionPluginResponse {
	routes := make(osquery.ExtensionPluginResponse, 0, len(t.columns))
	for _, c := range t.columns {
		routes = append(routes, map[string]string{
			"id":   "column",
			"name": c.Name,
			"type": string(c.Type),
			"op":   "0",
		})
	}
	return routes
}

func (t *Table) Call(ctx context.Context, request osquery.ExtensionPluginRequest) (osquery.ExtensionResponse, error) {
	switch action := request[ActionKey]; action {
	case ActionGenerate:
		qc, err := ParseQueryContext(request[ContextKey])
		if err != nil {
			return failedResponse("table %s: %v", t.name, err), nil
		}
		if t.generate == nil {
			return okResponse(nil), nil
		}
		rows, err := t.generate(ctx, qc)
		if err != nil {
			return osquery.ExtensionResponse{}, fmt.Errorf("table %s: generate: %w", t.name, err)
		}
		return okResponse(t.normalize(rows)), nil

	case ActionColumns:
		return okResponse(t.Routes()), nil

	default:
		return failedResponse("table %s: unknown action %q", t.name, action), nil
	}
}

// normalize gives every row exactly the schema's keys; absent values become
// empty strings and columns outside the schema are dropped.
func (t *Table) normalize(rows []map[string]string) osquery.ExtensionPluginResponse {
	out := make(osquery.ExtensionPluginResponse, 0, len(rows))
	for _, row := range rows {
		clean := make(map[string]string, len(t.columns))
		for _, c := range t.columns {
			clean[c.Name] = row[c.Name]
		}
		out = append(out, clean)
	}
	return out
}
