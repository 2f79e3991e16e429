package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Operator is a constraint operator as osquery numbers them.
type Operator int

const (
	OpUnique              Operator = 1
	OpEquals              Operator = 2
	OpGreaterThan         Operator = 4
	OpLessThanOrEquals    Operator = 8
	OpLessThan            Operator = 16
	OpGreaterThanOrEquals Operator = 32
	OpMatch               Operator = 64
	OpLike                Operator = 65
	OpGlob                Operator = 66
	OpRegexp              Operator = 67
)

// UnmarshalJSON accepts the operator as a number or a quoted number; osquery
// has emitted both over time.
func (o *Operator) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	v, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("invalid constraint operator %q: %w", data, err)
	}
	*o = Operator(v)
	return nil
}

// Constraint is one predicate osquery pushed down to a table.
type Constraint struct {
	Operator   Operator `json:"op"`
	Expression string   `json:"expr"`
}

// ConstraintList holds the predicates on one column.
type ConstraintList struct {
	Name        string       `json:"name"`
	Affinity    ColumnType   `json:"affinity"`
	Constraints []Constraint `json:"list"`
}

// UnmarshalJSON tolerates the empty string osquery sends for a column
// without predicates.
func (c *ConstraintList) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name     string          `json:"name"`
		Affinity ColumnType      `json:"affinity"`
		List     json.RawMessage `json:"list"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Name = raw.Name
	c.Affinity = raw.Affinity
	c.Constraints = nil

	list := bytes.TrimSpace(raw.List)
	if len(list) == 0 || bytes.Equal(list, []byte(`""`)) || bytes.Equal(list, []byte("null")) {
		return nil
	}
	return json.Unmarshal(list, &c.Constraints)
}

// QueryContext is the decoded "context" parameter of a table generate call.
type QueryContext struct {
	Constraints []ConstraintList `json:"constraints"`
}

// ParseQueryContext decodes the JSON form of a query context. Empty input
// yields an empty context.
func ParseQueryContext(data string) (QueryContext, error) {
	if len(bytes.TrimSpace([]byte(data))) == 0 {
		return QueryContext{}, nil
	}
	qc, err := JSONSerializer[QueryContext]().Unmarshal(data)
	if err != nil {
		return QueryContext{}, fmt.Errorf("failed to parse query context: %w", err)
	}
	return qc, nil
}

// Column returns the constraints on the named column.
func (qc QueryContext) Column(name string) []Constraint {
	var out []Constraint
	for _, cl := range qc.Constraints {
		if cl.Name == name {
			out = append(out, cl.Constraints...)
		}
	}
	return out
}

// Equals returns the expressions of equality constraints on the named column.
func (qc QueryContext) Equals(name string) []string {
	var out []string
	for _, c := range qc.Column(name) {
		if c.Operator == OpEquals {
			out = append(out, c.Expression)
		}
	}
	return out
}
