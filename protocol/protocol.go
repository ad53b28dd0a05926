// Package protocol carries message envelopes between apps. The default
// transport is length-prefixed MessagePack frames over TCP; a NATS transport
// is available for deployments that already run a broker.
//
// App URIs use the form msgpack://host:port/ for the TCP transport and
// nats://name/ for the NATS transport.
package protocol

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/c360/extmesh/errors"
	"github.com/c360/extmesh/message"
)

// Replier returns a result toward whoever delivered an inbound message.
type Replier interface {
	Reply(m *message.Msg) error
}

// Sink consumes inbound remote messages. Implementations hand the message
// off to a runloop; they must not block the transport's read path.
type Sink interface {
	OnRemoteMsg(r Replier, m *message.Msg)
}

// HostPort extracts the dial address from a TCP app URI.
func HostPort(appURI string) (string, error) {
	rest, ok := strings.CutPrefix(appURI, "msgpack://")
	if !ok {
		return "", errors.WrapInvalid(
			fmt.Errorf("app uri %q is not a msgpack:// uri", appURI),
			"Protocol", "HostPort", "uri scheme check")
	}
	rest = strings.TrimSuffix(rest, "/")
	if rest == "" {
		return "", errors.WrapInvalid(
			fmt.Errorf("app uri %q has no address", appURI),
			"Protocol", "HostPort", "uri address check")
	}
	return rest, nil
}

// Conn is one framed TCP connection. Sends are serialized; the read loop
// lives with whoever accepted or dialed the connection.
type Conn struct {
	nc      net.Conn
	writeMu sync.Mutex
}

func newConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// Send writes one envelope as a length-prefixed frame.
func (c *Conn) Send(m *message.Msg) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return message.WriteFrame(c.nc, m)
}

// Reply implements Replier.
func (c *Conn) Reply(m *message.Msg) error { return c.Send(m) }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// RemoteAddr names the peer for logs.
func (c *Conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }
