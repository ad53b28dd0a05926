package message

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/c360/extmesh/errors"
)

// maxFrameSize bounds a single wire frame. Frames above this are rejected
// before any allocation happens.
const maxFrameSize = 64 * 1024 * 1024

// wireMsg is the MessagePack wire format used between apps. Field layout is
// part of the external interface and must stay stable.
type wireMsg struct {
	Type       int             `msgpack:"type"`
	Name       string          `msgpack:"name"`
	ID         string          `msgpack:"id,omitempty"`
	OrigCmdID  string          `msgpack:"original_cmd_id,omitempty"`
	StatusCode int             `msgpack:"status_code,omitempty"`
	Src        Loc             `msgpack:"src"`
	Dests      []Loc           `msgpack:"dests,omitempty"`
	Properties map[string]any  `msgpack:"properties,omitempty"`
	Timestamp  int64           `msgpack:"timestamp"`
	Data       []byte          `msgpack:"data,omitempty"`
	Audio      *AudioFrameBody `msgpack:"audio_frame,omitempty"`
	Video      *VideoFrameBody `msgpack:"video_frame,omitempty"`
}

// MarshalWire encodes the envelope as a MessagePack map.
func (m *Msg) MarshalWire() ([]byte, error) {
	w := wireMsg{
		Type:       int(m.kind),
		Name:       m.name,
		ID:         m.id,
		OrigCmdID:  m.origCmdID,
		StatusCode: int(m.status),
		Src:        m.src,
		Dests:      m.dests,
		Properties: m.props,
		Timestamp:  m.ts,
		Data:       m.data,
		Audio:      m.audio,
		Video:      m.video,
	}
	out, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Msg", "MarshalWire", "msgpack encoding")
	}
	return out, nil
}

// UnmarshalWire decodes a MessagePack envelope produced by MarshalWire.
func UnmarshalWire(data []byte) (*Msg, error) {
	var w wireMsg
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, errors.WrapInvalid(err, "Msg", "UnmarshalWire", "msgpack decoding")
	}

	kind := Kind(w.Type)
	if kind == KindInvalid || kind.String() == "invalid" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown message type %d", w.Type),
			"Msg", "UnmarshalWire", "type check")
	}

	m := &Msg{
		kind:      kind,
		name:      w.Name,
		id:        w.ID,
		origCmdID: w.OrigCmdID,
		status:    StatusCode(w.StatusCode),
		src:       w.Src,
		dests:     w.Dests,
		props:     w.Properties,
		ts:        w.Timestamp,
		data:      w.Data,
		audio:     w.Audio,
		video:     w.Video,
	}
	if m.props == nil {
		m.props = make(map[string]any)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteFrame writes the envelope as a length-prefixed MessagePack frame:
// a 4-byte big-endian length followed by the encoded map.
func WriteFrame(w io.Writer, m *Msg) error {
	payload, err := m.MarshalWire()
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.WrapTransient(err, "Msg", "WriteFrame", "header write")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.WrapTransient(err, "Msg", "WriteFrame", "payload write")
	}
	return nil
}

// ReadFrame reads one length-prefixed envelope from r.
func ReadFrame(r io.Reader) (*Msg, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, errors.WrapTransient(err, "Msg", "ReadFrame", "header read")
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("frame of %d bytes exceeds limit", n),
			"Msg", "ReadFrame", "frame size check")
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.WrapTransient(err, "Msg", "ReadFrame", "payload read")
	}
	return UnmarshalWire(payload)
}
