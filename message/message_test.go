package message

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCmdAssignsID(t *testing.T) {
	a := NewCmd("hello_world")
	b := NewCmd("hello_world")

	require.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, KindCmd, a.Kind())
	assert.NoError(t, a.Validate())
}

func TestCmdResultReferencesCommand(t *testing.T) {
	cmd := NewCmd("process")
	cmd.SetSrc(Loc{AppURI: "msgpack://app-a:8001/", Extension: "tester"})
	cmd.SetDest(Loc{AppURI: "msgpack://app-a:8001/", Extension: "worker"})

	res, err := NewCmdResult(StatusOK, cmd)
	require.NoError(t, err)

	assert.Equal(t, cmd.ID(), res.OrigCmdID())
	assert.Empty(t, res.ID())
	assert.Equal(t, StatusOK, res.Status())
	// Routing reversed: result goes back to the command's source.
	require.Len(t, res.Dests(), 1)
	assert.Equal(t, cmd.Src(), res.Dests()[0])
}

func TestCmdResultForNonCommandRejected(t *testing.T) {
	data := NewData("frame")
	_, err := NewCmdResult(StatusOK, data)
	require.Error(t, err)
}

func TestCloneIndependentProperties(t *testing.T) {
	m := NewCmd("test")
	m.SetProp("detail", "original")
	m.SetProp("nested", map[string]any{"a": 1})
	m.SetDest(Loc{Extension: "x"})

	c := m.Clone()
	c.SetProp("detail", "changed")
	c.Props()["nested"].(map[string]any)["a"] = 2

	// Identical routing and identity.
	assert.Equal(t, m.ID(), c.ID())
	assert.Equal(t, m.Dests(), c.Dests())
	// Independent property map.
	assert.Equal(t, "original", m.PropString("detail", ""))
	assert.Equal(t, 1, m.Props()["nested"].(map[string]any)["a"])
}

func TestControlCmdKinds(t *testing.T) {
	for _, kind := range []Kind{KindCloseApp, KindStopGraph, KindStartGraph, KindTriggerLifeCycle} {
		m, err := NewControlCmd(kind)
		require.NoError(t, err)
		assert.NotEmpty(t, m.ID())
		assert.True(t, m.Kind().IsCmd())
	}

	_, err := NewControlCmd(KindData)
	assert.Error(t, err)
	_, err = NewControlCmd(KindCmd)
	assert.Error(t, err)
}

func TestPropHelpers(t *testing.T) {
	m := NewCmd("test")
	m.SetProp("s", "str")
	m.SetProp("i", 42)
	m.SetProp("f", float64(7))

	assert.Equal(t, "str", m.PropString("s", ""))
	assert.Equal(t, "dflt", m.PropString("missing", "dflt"))
	assert.Equal(t, 42, m.PropInt("i", 0))
	assert.Equal(t, 7, m.PropInt("f", 0))
	assert.Equal(t, -1, m.PropInt("missing", -1))
}

func TestWireRoundTrip(t *testing.T) {
	m := NewCmd("process")
	m.SetSrc(Loc{AppURI: "msgpack://a:8001/", GraphID: "g1", Extension: "tester"})
	m.SetDest(Loc{AppURI: "msgpack://b:8088/", GraphID: "g1", Extension: "worker"})
	m.SetProp("data", 3)

	raw, err := m.MarshalWire()
	require.NoError(t, err)

	got, err := UnmarshalWire(raw)
	require.NoError(t, err)
	assert.Equal(t, m.Kind(), got.Kind())
	assert.Equal(t, m.ID(), got.ID())
	assert.Equal(t, m.Name(), got.Name())
	assert.Equal(t, m.Src(), got.Src())
	assert.Equal(t, m.Dests(), got.Dests())
	assert.Equal(t, 3, got.PropInt("data", 0))
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	a := NewCmd("first")
	b := NewData("second")
	b.SetData([]byte{1, 2, 3})

	require.NoError(t, WriteFrame(&buf, a))
	require.NoError(t, WriteFrame(&buf, b))

	got1, err := ReadFrame(&buf)
	require.NoError(t, err)
	got2, err := ReadFrame(&buf)
	require.NoError(t, err)

	assert.Equal(t, "first", got1.Name())
	assert.Equal(t, a.ID(), got1.ID())
	assert.Equal(t, "second", got2.Name())
	assert.Equal(t, []byte{1, 2, 3}, got2.Data())
}

func TestAudioFrameBodySurvivesWire(t *testing.T) {
	m := NewAudioFrame("pcm")
	m.AudioFrame().Buf = []byte{9, 9}
	m.AudioFrame().SampleRate = 16000
	m.AudioFrame().Channels = 1

	raw, err := m.MarshalWire()
	require.NoError(t, err)
	got, err := UnmarshalWire(raw)
	require.NoError(t, err)

	require.NotNil(t, got.AudioFrame())
	assert.Equal(t, 16000, got.AudioFrame().SampleRate)
	assert.Equal(t, []byte{9, 9}, got.AudioFrame().Buf)
}
