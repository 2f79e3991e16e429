package plugin

import (
	"context"
	"fmt"

	"github.com/snowmerak/osquery.go/lib/osquery"
)

// Config actions.
const (
	ActionGenConfig = "genConfig"
	ActionGenPack   = "genPack"
)

// GenerateConfigsFunc returns config sources keyed by source name; each value
// is the JSON text of one osquery config.
type GenerateConfigsFunc func(ctx context.Context) (map[string]string, error)

// GeneratePackFunc resolves a pack by name and value.
type GeneratePackFunc func(ctx context.Context, name, value string) (string, error)

// Config is a config plugin.
type Config struct {
	name     string
	generate GenerateConfigsFunc
	pack     GeneratePackFunc
}

// NewConfig builds a config plugin answering genConfig.
func NewConfig(name string, generate GenerateConfigsFunc) *Config {
	return &Config{name: name, generate: generate}
}

// WithPacks adds genPack support.
func (c *Config) WithPacks(pack GeneratePackFunc) *Config {
	c.pack = pack
	return c
}

func (c *Config) Name() string { return c.name }

func (c *Config) Kind() Kind { return KindConfig }

func (c *Config) Routes() osquery.ExtensionPluginResponse {
	return osquery.ExtensionPluginResponse{}
}

func (c *Config) Call(ctx context.Context, request osquery.ExtensionPluginRequest) (osquery.ExtensionResponse, error) {
	switch action := request[ActionKey]; action {
	case ActionGenConfig:
		if c.generate == nil {
			return okResponse(osquery.ExtensionPluginResponse{{}}), nil
		}
		configs, err := c.generate(ctx)
		if err != nil {
			return osquery.ExtensionResponse{}, fmt.Errorf("config %s: genConfig: %w", c.name, err)
		}
		row := make(map[string]string, len(configs))
		for source, text := range configs {
			row[source] = text
		}
		return okResponse(osquery.ExtensionPluginResponse{row}), nil

	case ActionGenPack:
		if c.pack == nil {
			return failedResponse("config %s: packs are not supported", c.name), nil
		}
		name, value := request["name"], request["value"]
		pack, err := c.pack(ctx, name, value)
		if err != nil {
			return osquery.ExtensionResponse{}, fmt.Errorf("config %s: genPack %s: %w", c.name, name, err)
		}
		return okResponse(osquery.ExtensionPluginResponse{{name: pack}}), nil

	default:
		return failedResponse("config %s: unknown action %q", c.name, action), nil
	}
}
