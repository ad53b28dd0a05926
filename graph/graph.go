// Package graph parses and validates the JSON graph description accepted by
// START_GRAPH: extension nodes grouped into extension groups, plus typed
// connections that route named messages between them.
package graph

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/extmesh/errors"
	"github.com/c360/extmesh/message"
)

// DefaultGroupName hosts nodes that do not name an extension group.
const DefaultGroupName = "default_extension_group"

// manualTriggerKey is the nested node property listing manually triggered
// lifecycle stages.
const manualTriggerKey = "manual_trigger_life_cycle"

// runtimePropertyKey is the reserved node property namespace.
const runtimePropertyKey = "extmesh"

// Node is one extension in the graph.
type Node struct {
	Type           string         `json:"type"`
	Name           string         `json:"name"`
	Addon          string         `json:"addon"`
	ExtensionGroup string         `json:"extension_group,omitempty"`
	App            string         `json:"app,omitempty"`
	Property       map[string]any `json:"property,omitempty"`
}

// DestRef addresses one routing destination.
type DestRef struct {
	App       string `json:"app,omitempty"`
	Extension string `json:"extension"`
}

// NameRoute routes one message name to its destinations.
type NameRoute struct {
	Name string    `json:"name"`
	Dest []DestRef `json:"dest"`
}

// Connection lists the routes originating from one extension.
type Connection struct {
	App        string      `json:"app,omitempty"`
	Extension  string      `json:"extension"`
	Cmd        []NameRoute `json:"cmd,omitempty"`
	Data       []NameRoute `json:"data,omitempty"`
	AudioFrame []NameRoute `json:"audio_frame,omitempty"`
	VideoFrame []NameRoute `json:"video_frame,omitempty"`
}

// Graph is a parsed graph description.
type Graph struct {
	Name        string       `json:"name,omitempty"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections,omitempty"`
}

const graphSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "name": {"type": "string"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "name", "addon"],
        "properties": {
          "type": {"enum": ["extension"]},
          "name": {"type": "string", "minLength": 1},
          "addon": {"type": "string", "minLength": 1},
          "extension_group": {"type": "string"},
          "app": {"type": "string"},
          "property": {"type": "object"}
        }
      }
    },
    "connections": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["extension"],
        "properties": {
          "app": {"type": "string"},
          "extension": {"type": "string", "minLength": 1},
          "cmd": {"$ref": "#/definitions/routes"},
          "data": {"$ref": "#/definitions/routes"},
          "audio_frame": {"$ref": "#/definitions/routes"},
          "video_frame": {"$ref": "#/definitions/routes"}
        }
      }
    }
  },
  "definitions": {
    "routes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "dest"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "dest": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["extension"],
              "properties": {
                "app": {"type": "string"},
                "extension": {"type": "string", "minLength": 1}
              }
            }
          }
        }
      }
    }
  }
}`

// Parse validates data against the graph schema and unmarshals it.
func Parse(data []byte) (*Graph, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(graphSchema),
		gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Graph", "Parse", "schema validation")
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
			fmt.Errorf("graph description invalid: %s", detail), "Graph", "Parse", "schema validation")
	}

	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, errors.WrapInvalid(err, "Graph", "Parse", "decoding")
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks semantic constraints the schema cannot express.
func (g *Graph) Validate() error {
	seen := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		key := n.App + "/" + n.Name
		if _, dup := seen[key]; dup {
			return errors.WrapInvalid(
				fmt.Errorf("duplicate extension name %q", n.Name), "Graph", "Validate", "node uniqueness")
		}
		seen[key] = struct{}{}
	}

	for _, c := range g.Connections {
		for _, routes := range [][]NameRoute{c.Cmd, c.Data, c.AudioFrame, c.VideoFrame} {
			for _, r := range routes {
				if len(r.Dest) == 0 {
					return errors.WrapInvalid(
						fmt.Errorf("route %q from %q has no destinations", r.Name, c.Extension),
						"Graph", "Validate", "route destinations")
				}
			}
		}
	}
	return nil
}

// NodesForApp returns the nodes homed on the given app URI. Nodes without an
// app are local to every app that starts the graph.
func (g *Graph) NodesForApp(appURI string) []Node {
	var out []Node
	for _, n := range g.Nodes {
		if n.App == "" || n.App == appURI {
			out = append(out, n)
		}
	}
	return out
}

// GroupNodes buckets an app's nodes by extension group, preserving node
// order inside each group.
func (g *Graph) GroupNodes(appURI string) map[string][]Node {
	out := make(map[string][]Node)
	for _, n := range g.NodesForApp(appURI) {
		group := n.ExtensionGroup
		if group == "" {
			group = DefaultGroupName
		}
		out[group] = append(out[group], n)
	}
	return out
}

// RoutesFor resolves the destinations for a message of the given kind and
// name emitted by the given extension.
func (g *Graph) RoutesFor(appURI, ext string, kind message.Kind, name string) []DestRef {
	for _, c := range g.Connections {
		if c.Extension != ext {
			continue
		}
		if c.App != "" && appURI != "" && c.App != appURI {
			continue
		}

		var routes []NameRoute
		switch kind {
		case message.KindCmd:
			routes = c.Cmd
		case message.KindData:
			routes = c.Data
		case message.KindAudioFrame:
			routes = c.AudioFrame
		case message.KindVideoFrame:
			routes = c.VideoFrame
		default:
			return nil
		}

		for _, r := range routes {
			if r.Name == name {
				return r.Dest
			}
		}
	}
	return nil
}

// ManualStages extracts the node's manually triggered lifecycle stages from
// its reserved runtime property.
func (n Node) ManualStages() map[string]bool {
	out := make(map[string]bool)

	runtimeProps, ok := n.Property[runtimePropertyKey].(map[string]any)
	if !ok {
		return out
	}
	entries, ok := runtimeProps[manualTriggerKey].([]any)
	if !ok {
		return out
	}
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if stage, ok := entry["stage"].(string); ok && stage != "" {
			out[stage] = true
		}
	}
	return out
}
