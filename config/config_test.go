package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFullProperty(t *testing.T) {
	p, err := Parse([]byte(`{
		"uri": "msgpack://localhost:8001/",
		"log": {"level": "debug", "format": "json"},
		"cmd_timeout_ms": 2500,
		"predefined_graphs": [
			{"name": "main", "auto_start": true,
			 "graph": {"nodes": [{"type": "extension", "name": "x", "addon": "a"}]}}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "msgpack://localhost:8001/", p.URI)
	assert.Equal(t, "debug", p.Log.Level)
	assert.Equal(t, 2500*time.Millisecond, p.CmdTimeout())
	require.Len(t, p.Graphs, 1)
	assert.True(t, p.Graphs[0].AutoStart)
}

func TestParseEmptyProperty(t *testing.T) {
	p, err := Parse([]byte(`{}`))
	require.NoError(t, err)
	assert.Zero(t, p.CmdTimeout())
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"bad level", `{"log": {"level": "shouty"}}`},
		{"negative timeout", `{"cmd_timeout_ms": -5}`},
		{"graph without name", `{"predefined_graphs": [{"graph": {}}]}`},
		{"not json", `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.in))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "property.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"uri": "msgpack://h:1/"}`), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "msgpack://h:1/", p.URI)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
