package protocol

import (
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/extmesh/errors"
	"github.com/c360/extmesh/message"
)

// natsSubjectPrefix namespaces app inboxes on the broker.
const natsSubjectPrefix = "extmesh.app."

// SubjectFor maps an app URI to its broker subject.
func SubjectFor(appURI string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, appURI)
	return natsSubjectPrefix + sanitized
}

// NATSTransport carries envelopes over a NATS broker: each app subscribes to
// its own subject, and replies travel on the broker's reply subjects. It
// implements the engine's Remote interface.
type NATSTransport struct {
	nc     *nats.Conn
	appURI string
	sink   Sink
	logger *slog.Logger
	sub    *nats.Subscription
}

// natsReplier answers on the inbound message's reply subject.
type natsReplier struct {
	nc    *nats.Conn
	reply string
}

// Reply implements Replier.
func (r *natsReplier) Reply(m *message.Msg) error {
	if r.reply == "" {
		return errors.WrapInvalid(errors.ErrRouteFailed, "NATSTransport", "Reply", "reply subject check")
	}
	blob, err := m.MarshalWire()
	if err != nil {
		return err
	}
	return r.nc.Publish(r.reply, blob)
}

// DialNATS connects to the broker and subscribes to this app's subject.
func DialNATS(url, appURI string, sink Sink, logger *slog.Logger) (*NATSTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "protocol_nats", "app", appURI)

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, derr error) {
			logger.Warn("broker connection lost", "error", derr)
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			logger.Info("broker connection restored")
		}),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSTransport", "DialNATS", "broker connect")
	}

	t := &NATSTransport{nc: nc, appURI: appURI, sink: sink, logger: logger}

	sub, err := nc.Subscribe(SubjectFor(appURI), t.onInbound)
	if err != nil {
		nc.Close()
		return nil, errors.WrapTransient(err, "NATSTransport", "DialNATS", "inbox subscribe")
	}
	t.sub = sub

	return t, nil
}

func (t *NATSTransport) onInbound(nm *nats.Msg) {
	m, err := message.UnmarshalWire(nm.Data)
	if err != nil {
		t.logger.Warn("dropping undecodable broker message", "error", err)
		return
	}
	t.sink.OnRemoteMsg(&natsReplier{nc: t.nc, reply: nm.Reply}, m)
}

// Send implements the engine's Remote interface.
func (t *NATSTransport) Send(appURI string, m *message.Msg) error {
	blob, err := m.MarshalWire()
	if err != nil {
		return err
	}
	if err := t.nc.Publish(SubjectFor(appURI), blob); err != nil {
		return errors.WrapTransient(err, "NATSTransport", "Send", "broker publish")
	}
	return nil
}

// Close unsubscribes and drains the broker connection.
func (t *NATSTransport) Close() {
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
	t.nc.Close()
}
