package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	"github.com/snowmerak/osquery.go/lib/plugin"
)

func newProcessesTable() *plugin.Table {
	return plugin.NewTable("processes",
		[]plugin.Column{plugin.TextColumn("pid"), plugin.TextColumn("name")},
		generateProcesses)
}

// generateProcesses lists running processes. Equality constraints on pid
// are resolved directly instead of scanning every process.
func generateProcesses(ctx context.Context, qc plugin.QueryContext) ([]map[string]string, error) {
	var procs []*process.Process
	if pids := qc.Equals("pid"); len(pids) > 0 {
		for _, raw := range pids {
			pid, err := strconv.ParseInt(raw, 10, 32)
			if err != nil {
				continue
			}
			p, err := process.NewProcessWithContext(ctx, int32(pid))
			if err != nil {
				continue
			}
			procs = append(procs, p)
		}
	} else {
		all, err := process.ProcessesWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list processes: %w", err)
		}
		procs = all
	}

	rows := make([]map[string]string, 0, len(procs))
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// The process exited while we were listing.
			continue
		}
		rows = append(rows, map[string]string{
			"pid":  strconv.FormatInt(int64(p.Pid), 10),
			"name": name,
		})
	}
	return rows, nil
}

// yamlConfig serves an osquery config kept as YAML. The document is
// converted to JSON through structpb so numbers, lists and nested maps keep
// their JSON types.
type yamlConfig struct {
	path string
	json plugin.Serializer[*structpb.Struct]
}

func newYAMLConfig(path string) *plugin.Config {
	c := &yamlConfig{
		path: path,
		json: plugin.ProtoJSONSerializer(func() *structpb.Struct { return &structpb.Struct{} }),
	}
	return plugin.NewConfig("yaml_config", c.generate).WithPacks(c.pack)
}

func (c *yamlConfig) load() (map[string]any, error) {
	if c.path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", c.path, err)
	}
	doc := map[string]any{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", c.path, err)
	}
	return doc, nil
}

func (c *yamlConfig) toJSON(doc map[string]any) (string, error) {
	s, err := structpb.NewStruct(doc)
	if err != nil {
		return "", fmt.Errorf("config is not representable as JSON: %w", err)
	}
	return c.json.Marshal(s)
}

func (c *yamlConfig) generate(ctx context.Context) (map[string]string, error) {
	doc, err := c.load()
	if err != nil {
		return nil, err
	}
	text, err := c.toJSON(doc)
	if err != nil {
		return nil, err
	}
	return map[string]string{c.source(): text}, nil
}

// pack resolves packs declared under the top-level "packs" key.
func (c *yamlConfig) pack(ctx context.Context, name, value string) (string, error) {
	doc, err := c.load()
	if err != nil {
		return "", err
	}
	packs, _ := doc["packs"].(map[string]any)
	p, ok := packs[name].(map[string]any)
	if !ok {
		return "", fmt.Errorf("pack %q not found", name)
	}
	return c.toJSON(p)
}

func (c *yamlConfig) source() string {
	if c.path == "" {
		return "yaml_config"
	}
	return c.path
}

func newLogrusLogger(logger logrus.FieldLogger) *plugin.Logger {
	return plugin.NewLogger("logrus_logger", func(ctx context.Context, typ plugin.LogType, category, text string) error {
		entry := logger.WithField("log_type", typ.String())
		if category != "" {
			entry = entry.WithField("category", category)
		}
		switch typ {
		case plugin.LogTypeHealth, plugin.LogTypeInit:
			entry.Debug(text)
		default:
			entry.Info(text)
		}
		return nil
	})
}
