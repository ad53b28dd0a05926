// Package config loads and validates the app's property file: the app URI,
// logging options, the command timeout window and any predefined graphs
// started with the app.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/extmesh/errors"
)

// LogConfig selects the log level and formatter.
type LogConfig struct {
	Level  string `json:"level,omitempty"`  // verbose|debug|info|warn|error
	Format string `json:"format,omitempty"` // text|json
}

// PredefinedGraph is a graph description shipped with the app.
type PredefinedGraph struct {
	Name      string          `json:"name"`
	AutoStart bool            `json:"auto_start,omitempty"`
	Graph     json.RawMessage `json:"graph"`
}

// Property is the app's property file.
type Property struct {
	URI          string            `json:"uri,omitempty"`
	NATSUrl      string            `json:"nats_url,omitempty"`
	Log          LogConfig         `json:"log,omitempty"`
	CmdTimeoutMs int64             `json:"cmd_timeout_ms,omitempty"`
	Graphs       []PredefinedGraph `json:"predefined_graphs,omitempty"`
}

const propertySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "uri": {"type": "string"},
    "nats_url": {"type": "string"},
    "log": {
      "type": "object",
      "properties": {
        "level": {"enum": ["verbose", "debug", "info", "warn", "warning", "error"]},
        "format": {"enum": ["text", "json", "gcp"]}
      }
    },
    "cmd_timeout_ms": {"type": "integer", "minimum": 0},
    "predefined_graphs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "graph"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "auto_start": {"type": "boolean"},
          "graph": {"type": "object"}
        }
      }
    }
  }
}`

// Parse validates and decodes a property document.
func Parse(data []byte) (*Property, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(propertySchema),
		gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Parse", "schema validation")
	}
	if !result.Valid() {
		detail := ""
		for _, desc := range result.Errors() {
			if detail != "" {
				detail += "; "
			}
			detail += desc.String()
		}
		return nil, errors.WrapInvalid(
			fmt.Errorf("property file invalid: %s", detail), "Config", "Parse", "schema validation")
	}

	var p Property
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Parse", "decoding")
	}
	return &p, nil
}

// Load reads and parses a property file.
func Load(path string) (*Property, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapTransient(err, "Config", "Load", "read "+path)
	}
	return Parse(data)
}

// CmdTimeout returns the configured command window, or zero for the default.
func (p *Property) CmdTimeout() time.Duration {
	return time.Duration(p.CmdTimeoutMs) * time.Millisecond
}
