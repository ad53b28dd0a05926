// Package engine runs one graph: it owns the graph's extension threads,
// resolves routing against the connection list, forwards messages between
// threads and across apps, and tracks outstanding commands so every command
// gets exactly one result, synthesized as TIMEOUT when the responder never
// answers.
package engine

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360/extmesh/addon"
	"github.com/c360/extmesh/affinity"
	"github.com/c360/extmesh/extension"
	"github.com/c360/extmesh/extthread"
	"github.com/c360/extmesh/graph"
	"github.com/c360/extmesh/message"
	"github.com/c360/extmesh/metric"
	"github.com/c360/extmesh/runloop"
)

// DefaultCmdTimeout bounds how long an externally submitted command may stay
// unanswered before the tracker synthesizes a TIMEOUT result.
const DefaultCmdTimeout = 10 * time.Second

// Remote sends a message to another app over the wire layer. Implemented by
// the app's protocol endpoints.
type Remote interface {
	Send(appURI string, m *message.Msg) error
}

// Responder receives the single ultimate result of an externally submitted
// command. It runs on the engine goroutine; implementations hand off (e.g.
// write to a connection) rather than block.
type Responder func(result *message.Msg)

// Config assembles an engine.
type Config struct {
	AppURI     string
	GraphID    string // generated when empty
	Graph      *graph.Graph
	AddonMgr   *addon.Manager
	Remote     Remote
	Logger     *slog.Logger
	Metrics    *metric.Registry
	CmdTimeout time.Duration

	// OnClosed runs on the engine goroutine, inside the task that stops the
	// engine loop; Join waits for the goroutine to exit.
	OnClosed func(e *Engine)
}

// pendingCmd is one externally submitted command awaiting its result.
type pendingCmd struct {
	respond Responder
	timer   *time.Timer
}

// Engine runs one graph on its own goroutine.
type Engine struct {
	tag    affinity.Tag
	loop   *runloop.Runloop
	logger *slog.Logger

	appURI    string
	graphID   string
	graph     *graph.Graph
	addonMgr  *addon.Manager
	remote    Remote
	metrics   *metric.Registry
	onClosed  func(e *Engine)
	cmdWindow time.Duration

	threads     map[string]*extthread.Thread // by group name
	extToThread map[string]*extthread.Thread // by extension instance name

	tracker map[string]*pendingCmd // by command id

	groupsPending  int
	groupsTotal    int
	groupsReported int
	graphReady     bool

	// Messages for extensions whose threads have not reported yet.
	preReady []*message.Msg

	isClosing    bool
	threadsAlive int
	finished     chan struct{}
}

// New assembles an engine for a parsed graph. Start must be called before
// anything else.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	graphID := cfg.GraphID
	if graphID == "" {
		graphID = uuid.New().String()
	}
	window := cfg.CmdTimeout
	if window <= 0 {
		window = DefaultCmdTimeout
	}
	return &Engine{
		loop:        runloop.New(),
		logger:      logger.With("component", "engine", "graph_id", graphID),
		appURI:      cfg.AppURI,
		graphID:     graphID,
		graph:       cfg.Graph,
		addonMgr:    cfg.AddonMgr,
		remote:      cfg.Remote,
		metrics:     cfg.Metrics,
		onClosed:    cfg.OnClosed,
		cmdWindow:   window,
		threads:     make(map[string]*extthread.Thread),
		extToThread: make(map[string]*extthread.Thread),
		tracker:     make(map[string]*pendingCmd),
		finished:    make(chan struct{}),
	}
}

// Runloop implements extthread.EngineContext. Fixed after Start.
func (e *Engine) Runloop() *runloop.Runloop { return e.loop }

// AppURI implements extthread.EngineContext.
func (e *Engine) AppURI() string { return e.appURI }

// GraphID implements extthread.EngineContext.
func (e *Engine) GraphID() string { return e.graphID }

// GraphName implements extthread.EngineContext.
func (e *Engine) GraphName() string { return e.graph.Name }

// Start spawns the engine goroutine and schedules graph startup.
func (e *Engine) Start() error {
	go func() {
		defer close(e.finished)
		e.tag.Latch()
		e.loop.Run()
	}()

	return e.loop.PostTaskTail(e.startGraphTask)
}

// Join blocks until the engine goroutine has exited.
func (e *Engine) Join() { <-e.finished }

// startGraphTask creates one extension group per bucket of nodes, using the
// group addon when one is registered, then spawns the extension threads.
func (e *Engine) startGraphTask() {
	e.tag.MustCheck("engine")

	groups := e.graph.GroupNodes(e.appURI)
	if len(groups) == 0 {
		e.logger.Warn("graph has no local extensions")
	}

	e.groupsPending = len(groups)
	e.groupsTotal = len(groups)
	if e.groupsPending == 0 {
		e.graphReady = true
		return
	}

	for name, nodes := range groups {
		name, nodes := name, nodes

		members := make([]string, len(nodes))
		for i, n := range nodes {
			members[i] = n.Name
		}

		if _, ok := e.addonMgr.Store().Find(addon.TypeExtensionGroup, graph.DefaultGroupName); ok {
			ctx := &addon.Context{
				AddonType:     addon.TypeExtensionGroup,
				AddonName:     graph.DefaultGroupName,
				InstanceName:  name,
				Flow:          addon.FlowEngineCreateExtensionGroup,
				OwnerLoop:     e.loop,
				RequesterLoop: e.loop,
				Target:        e,
				Done: func(instance any, err error) {
					grp, _ := instance.(*extension.Group)
					if err != nil || grp == nil {
						e.logger.Error("group addon failed, using bare group",
							"group", name, "error", err)
						grp = extension.NewGroup(name, members)
					}
					e.onGroupReady(grp, nodes)
				},
			}
			if err := e.addonMgr.CreateInstanceAsync(ctx); err == nil {
				continue
			}
		}

		e.onGroupReady(extension.NewGroup(name, members), nodes)
	}
}

// onGroupReady spawns the extension thread for a created group and asks it
// to create its extensions.
func (e *Engine) onGroupReady(grp *extension.Group, nodes []graph.Node) {
	e.tag.MustCheck("engine")

	t := extthread.New(e, grp, e.addonMgr, e.logger)
	e.threads[grp.Name()] = t
	e.threadsAlive++
	if e.metrics != nil {
		e.metrics.Core.ExtensionThreads.Inc()
	}

	// Spawning blocks until the thread's runloop is ready; afterwards tasks
	// post to it without a mutex.
	t.Start()

	specs := make([]extthread.ExtensionSpec, len(nodes))
	for i, n := range nodes {
		specs[i] = extthread.ExtensionSpec{
			AddonName:    n.Addon,
			InstanceName: n.Name,
			Props:        n.Property,
			ManualStages: n.ManualStages(),
		}
	}
	if err := t.CreateExtensions(specs); err != nil {
		e.logger.Error("could not request extension creation", "group", grp.Name(), "error", err)
	}

	e.groupsPending--
	if e.groupsPending == 0 && e.isClosing {
		// A close raced graph startup; the threads will fold up as their
		// creation phases complete.
		for _, t := range e.threads {
			t.Close()
		}
	}
}

// OnExtensionsCreated implements extthread.EngineContext: record the thread
// hosting each newly created extension, then start lifecycles on the thread.
// Destinations are resolved against the graph's connection list per message,
// in ForwardMessage.
func (e *Engine) OnExtensionsCreated(t *extthread.Thread) {
	e.tag.MustCheck("engine")

	for _, name := range t.Group().Members() {
		e.extToThread[name] = t
	}

	if err := t.StartLifecycles(); err != nil {
		e.logger.Error("could not start lifecycles", "group", t.Group().Name(), "error", err)
	}

	e.groupsReported++
	if e.groupsReported == e.groupsTotal && !e.graphReady {
		e.graphReady = true
		held := e.preReady
		e.preReady = nil
		for _, m := range held {
			e.ForwardMessage(m)
		}
	}
}

// OnExtensionThreadClosed implements extthread.EngineContext: the thread has
// left its runloop; join the goroutine and release the group.
func (e *Engine) OnExtensionThreadClosed(t *extthread.Thread) {
	e.tag.MustCheck("engine")

	t.Join()

	delete(e.threads, t.Group().Name())
	for _, name := range t.Group().Members() {
		delete(e.extToThread, name)
	}
	if e.metrics != nil {
		e.metrics.Core.ExtensionThreads.Dec()
	}

	e.threadsAlive--
	if e.threadsAlive == 0 && e.isClosing {
		e.shutdown()
	}
}

// Close tears the graph down. Callable from any goroutine.
func (e *Engine) Close() {
	if err := e.loop.PostTaskTail(e.closeTask); err != nil {
		e.logger.Warn("could not post engine close", "error", err)
	}
}

func (e *Engine) closeTask() {
	e.tag.MustCheck("engine")

	if e.isClosing {
		return
	}
	e.isClosing = true

	// Commands still waiting get a closed-status result rather than
	// dangling until their timers fire.
	for id, pending := range e.tracker {
		pending.timer.Stop()
		e.respondSynthetic(id, pending, message.StatusRuntimeClosed, "graph is closing")
	}
	e.preReady = nil

	if e.threadsAlive == 0 && e.groupsPending == 0 {
		e.shutdown()
		return
	}
	for _, t := range e.threads {
		t.Close()
	}
}

// shutdown stops the engine loop and reports closure.
func (e *Engine) shutdown() {
	e.logger.Debug("engine shutting down")
	e.loop.Stop()
	if e.onClosed != nil {
		e.onClosed(e)
	}
}

// respondSynthetic builds and delivers a synthesized result for a tracked
// command that will never get a real one.
func (e *Engine) respondSynthetic(id string, pending *pendingCmd, status message.StatusCode, detail string) {
	delete(e.tracker, id)

	result := message.SynthesizeResult(id, status)
	result.SetProp("detail", detail)
	pending.respond(result)
}
