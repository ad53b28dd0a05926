// Package message defines the envelope that flows through the runtime: typed
// commands with results, one-way data, and framed audio/video buffers, each
// carrying routing locations and a JSON-compatible property map.
//
// Envelopes have shared ownership across the routing fabric. A message that
// crosses a thread boundary must be cloned by the sender unless the protocol
// explicitly transfers ownership (start_graph does, individual commands do
// not). Clone produces an envelope with an independent property map but
// identical routing.
package message

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/c360/extmesh/errors"
	"github.com/c360/extmesh/pkg/timestamp"
)

// AudioFrameBody is the opaque typed body of an AUDIO_FRAME message.
type AudioFrameBody struct {
	Buf               []byte `msgpack:"buf"`
	SampleRate        int    `msgpack:"sample_rate"`
	BytesPerSample    int    `msgpack:"bytes_per_sample"`
	SamplesPerChannel int    `msgpack:"samples_per_channel"`
	Channels          int    `msgpack:"channels"`
	EOF               bool   `msgpack:"eof"`
}

// VideoFrameBody is the opaque typed body of a VIDEO_FRAME message.
type VideoFrameBody struct {
	Buf          []byte `msgpack:"buf"`
	Width        int    `msgpack:"width"`
	Height       int    `msgpack:"height"`
	PixelFormat  string `msgpack:"pixel_fmt"`
	FrameTimeUs  int64  `msgpack:"frame_time_us"`
	EOF          bool   `msgpack:"eof"`
}

// Msg is the message envelope. Construct with NewCmd, NewData, NewAudioFrame,
// NewVideoFrame or NewCmdResult; the zero value is invalid.
type Msg struct {
	kind      Kind
	name      string
	id        string // command id; set for the command family
	origCmdID string // for results: the command this answers
	status    StatusCode
	src       Loc
	dests     []Loc
	props     map[string]any
	ts        int64 // unix ms

	data  []byte
	audio *AudioFrameBody
	video *VideoFrameBody
}

func newMsg(kind Kind, name string) *Msg {
	m := &Msg{
		kind:  kind,
		name:  name,
		props: make(map[string]any),
		ts:    timestamp.Now(),
	}
	if kind.IsCmd() {
		m.id = uuid.New().String()
	}
	return m
}

// NewCmd creates a command envelope with a fresh command id.
func NewCmd(name string) *Msg { return newMsg(KindCmd, name) }

// NewData creates a one-way data envelope.
func NewData(name string) *Msg { return newMsg(KindData, name) }

// NewAudioFrame creates an audio frame envelope.
func NewAudioFrame(name string) *Msg {
	m := newMsg(KindAudioFrame, name)
	m.audio = &AudioFrameBody{}
	return m
}

// NewVideoFrame creates a video frame envelope.
func NewVideoFrame(name string) *Msg {
	m := newMsg(KindVideoFrame, name)
	m.video = &VideoFrameBody{}
	return m
}

// NewControlCmd creates one of the runtime control commands (close_app,
// start_graph, stop_graph, trigger_life_cycle, timer, timeout).
func NewControlCmd(kind Kind) (*Msg, error) {
	if !kind.IsCmd() || kind == KindCmd {
		return nil, errors.WrapInvalid(
			fmt.Errorf("kind %s is not a control command", kind),
			"Msg", "NewControlCmd", "kind check")
	}
	return newMsg(kind, kind.String()), nil
}

// NewCmdResult creates the result envelope for cmd. Routing is reversed: the
// result's sole destination is the command's source, and the result
// references the command by id. A result for a non-command is a programming
// error surfaced as an error return.
func NewCmdResult(status StatusCode, cmd *Msg) (*Msg, error) {
	if cmd == nil || !cmd.kind.IsCmd() {
		return nil, errors.WrapInvalid(errors.ErrInvalidData,
			"Msg", "NewCmdResult", "command check")
	}
	m := newMsg(KindCmdResult, cmd.name)
	m.id = ""
	m.origCmdID = cmd.id
	m.status = status
	m.dests = []Loc{cmd.src}
	return m, nil
}

// SynthesizeResult builds a result for a command known only by id. Used by
// the engine's outstanding-command tracker for TIMEOUT and closed-status
// results where the original envelope is no longer at hand.
func SynthesizeResult(origCmdID string, status StatusCode) *Msg {
	m := newMsg(KindCmdResult, "")
	m.id = ""
	m.origCmdID = origCmdID
	m.status = status
	return m
}

// Kind returns the envelope kind.
func (m *Msg) Kind() Kind { return m.kind }

// Name returns the message name used for routing by connection lists.
func (m *Msg) Name() string { return m.name }

// ID returns the command id, empty for non-command kinds.
func (m *Msg) ID() string { return m.id }

// OrigCmdID returns the id of the command a result answers.
func (m *Msg) OrigCmdID() string { return m.origCmdID }

// Status returns the result status code. Meaningful only for results.
func (m *Msg) Status() StatusCode { return m.status }

// Timestamp returns the creation time in unix milliseconds.
func (m *Msg) Timestamp() int64 { return m.ts }

// Src returns the source location.
func (m *Msg) Src() Loc { return m.src }

// SetSrc stamps the source location. Only the current owner may call this.
func (m *Msg) SetSrc(l Loc) { m.src = l }

// Dests returns the destination list. Callers must not mutate it.
func (m *Msg) Dests() []Loc { return m.dests }

// SetDest replaces the destination list with a single location.
func (m *Msg) SetDest(l Loc) { m.dests = []Loc{l} }

// AddDest appends a destination.
func (m *Msg) AddDest(l Loc) { m.dests = append(m.dests, l) }

// ClearDests empties the destination list.
func (m *Msg) ClearDests() { m.dests = nil }

// Prop returns a property value.
func (m *Msg) Prop(key string) (any, bool) {
	v, ok := m.props[key]
	return v, ok
}

// SetProp sets a property value. Values must be JSON-compatible.
func (m *Msg) SetProp(key string, v any) { m.props[key] = v }

// PropString returns a string property or the fallback.
func (m *Msg) PropString(key, fallback string) string {
	if v, ok := m.props[key].(string); ok {
		return v
	}
	return fallback
}

// PropInt returns an integer property or the fallback. JSON decoding yields
// float64 and the wire codec yields sized integers, so all are accepted.
func (m *Msg) PropInt(key string, fallback int) int {
	switch v := m.props[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// Props returns the live property map. Only the current owner may mutate it.
func (m *Msg) Props() map[string]any { return m.props }

// Data returns the DATA payload buffer.
func (m *Msg) Data() []byte { return m.data }

// SetData sets the DATA payload buffer.
func (m *Msg) SetData(b []byte) { m.data = b }

// AudioFrame returns the audio body, nil for other kinds.
func (m *Msg) AudioFrame() *AudioFrameBody { return m.audio }

// VideoFrame returns the video body, nil for other kinds.
func (m *Msg) VideoFrame() *VideoFrameBody { return m.video }

// Clone returns an envelope with an independent property map and payload but
// identical routing and identity. The clone of a command shares the command
// id; results for either copy satisfy the same sender.
func (m *Msg) Clone() *Msg {
	c := &Msg{
		kind:      m.kind,
		name:      m.name,
		id:        m.id,
		origCmdID: m.origCmdID,
		status:    m.status,
		src:       m.src,
		ts:        m.ts,
	}
	c.dests = append([]Loc(nil), m.dests...)
	c.props = cloneProps(m.props)
	if m.data != nil {
		c.data = append([]byte(nil), m.data...)
	}
	if m.audio != nil {
		a := *m.audio
		a.Buf = append([]byte(nil), m.audio.Buf...)
		c.audio = &a
	}
	if m.video != nil {
		v := *m.video
		v.Buf = append([]byte(nil), m.video.Buf...)
		c.video = &v
	}
	return c
}

func cloneProps(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneProps(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Validate performs envelope validation before dispatch.
func (m *Msg) Validate() error {
	if m.kind == KindInvalid {
		return errors.WrapInvalid(errors.ErrInvalidData, "Msg", "Validate", "kind check")
	}
	if m.kind.IsCmd() && m.id == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Msg", "Validate", "command id check")
	}
	if m.kind == KindCmdResult && m.origCmdID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Msg", "Validate", "original command id check")
	}
	if err := timestamp.Validate(m.ts); err != nil {
		return errors.WrapInvalid(err, "Msg", "Validate", "timestamp check")
	}
	return nil
}

// String renders the envelope for logs.
func (m *Msg) String() string {
	if m.kind == KindCmdResult {
		return fmt.Sprintf("%s[%s->%s %s]", m.kind, m.name, m.origCmdID, m.status)
	}
	return fmt.Sprintf("%s[%s %s]", m.kind, m.name, m.id)
}
