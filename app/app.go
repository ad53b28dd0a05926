// Package app implements the top-level host: it owns the main runloop, the
// addon store, the engines (one per running graph) and the wire endpoints
// other apps and clients connect to.
package app

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360/extmesh/addon"
	"github.com/c360/extmesh/affinity"
	"github.com/c360/extmesh/engine"
	"github.com/c360/extmesh/errors"
	"github.com/c360/extmesh/message"
	"github.com/c360/extmesh/metric"
	"github.com/c360/extmesh/protocol"
	"github.com/c360/extmesh/runloop"
)

// Config assembles an app.
type Config struct {
	// URI is this app's address. A msgpack:// URI makes the app listen for
	// framed TCP connections; a nats:// URI attaches to a broker (NATSUrl
	// names the broker). Empty means in-process only.
	URI     string
	NATSUrl string

	Logger     *slog.Logger
	Metrics    *metric.Registry
	CmdTimeout time.Duration
}

// funcReplier adapts a result callback to protocol.Replier for in-process
// clients.
type funcReplier func(m *message.Msg)

func (f funcReplier) Reply(m *message.Msg) error {
	f(m)
	return nil
}

// App is the top-level host.
type App struct {
	tag    affinity.Tag
	loop   *runloop.Runloop
	logger *slog.Logger

	uri        string
	natsURL    string
	cmdTimeout time.Duration
	metrics    *metric.Registry

	addonMgr *addon.Manager
	engines  map[string]*engine.Engine

	server *protocol.Server
	pool   *protocol.Pool
	nats   *protocol.NATSTransport
	remote engine.Remote

	// Graph-stop commands answered once the engine actually closes.
	stopWaiters map[string][]replyBinding

	isClosing bool
	finished  chan struct{}
}

// New assembles an app. Start must be called before anything else.
func New(cfg Config) *App {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loop := runloop.New()
	return &App{
		loop:        loop,
		logger:      logger.With("component", "app", "uri", cfg.URI),
		uri:         cfg.URI,
		natsURL:     cfg.NATSUrl,
		cmdTimeout:  cfg.CmdTimeout,
		metrics:     cfg.Metrics,
		addonMgr:    addon.NewManager(loop, logger),
		engines:     make(map[string]*engine.Engine),
		stopWaiters: make(map[string][]replyBinding),
		finished:    make(chan struct{}),
	}
}

// AddonManager exposes the app's addon manager for registration.
func (a *App) AddonManager() *addon.Manager { return a.addonMgr }

// URI returns the app's address.
func (a *App) URI() string { return a.uri }

// Start brings up the wire endpoints and the main runloop goroutine.
func (a *App) Start() error {
	switch {
	case strings.HasPrefix(a.uri, "msgpack://"):
		addr, err := protocol.HostPort(a.uri)
		if err != nil {
			return err
		}
		a.server = protocol.NewServer(addr, a, a.logger)
		if err := a.server.Start(); err != nil {
			return err
		}
		a.pool = protocol.NewPool(a, a.logger)
		a.remote = a.pool

	case strings.HasPrefix(a.uri, "nats://"):
		if a.natsURL == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "App", "Start", "broker url check")
		}
		t, err := protocol.DialNATS(a.natsURL, a.uri, a, a.logger)
		if err != nil {
			return err
		}
		a.nats = t
		a.remote = t

	case a.uri == "":
		// In-process only.

	default:
		return errors.WrapInvalid(
			fmt.Errorf("unsupported app uri %q", a.uri), "App", "Start", "uri scheme check")
	}

	go func() {
		defer close(a.finished)
		a.tag.Latch()
		a.loop.Run()
	}()

	a.logger.Info("app started")
	return nil
}

// Wait blocks until the app has fully closed.
func (a *App) Wait() { <-a.finished }

// Close tears the app down: engines first, then the addon store, then the
// wire endpoints. Callable from any goroutine.
func (a *App) Close() {
	if err := a.loop.PostTaskTail(func() { a.closeTask(nil) }); err != nil {
		a.logger.Warn("could not post app close", "error", err)
	}
}

// Submit delivers a message to the app as if it arrived from a client. The
// reply callback receives any results. Callable from any goroutine.
func (a *App) Submit(m *message.Msg, reply func(*message.Msg)) error {
	var r protocol.Replier
	if reply != nil {
		r = funcReplier(reply)
	}
	return a.loop.PostTaskTail(func() {
		a.handleInMsg(r, m)
	})
}

// OnRemoteMsg implements protocol.Sink: wire traffic hops onto the app
// runloop before anything is touched.
func (a *App) OnRemoteMsg(r protocol.Replier, m *message.Msg) {
	if err := a.loop.PostTaskTail(func() {
		a.handleInMsg(r, m)
	}); err != nil {
		a.logger.Warn("dropping remote message", "kind", m.Kind().String(), "error", err)
	}
}
