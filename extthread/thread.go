// Package extthread implements the extension thread: a goroutine plus
// runloop that owns one extension group, drives the lifecycle of its
// extensions, and routes their inbound and outbound messages with strict
// thread-affinity invariants.
//
// A thread moves through INIT → CREATING_EXTENSIONS → NORMAL →
// PREPARE_TO_CLOSE → CLOSED with no back-edges. It is allocated and
// configured on the engine goroutine, then hands ownership to its own
// goroutine at the top of the thread main function.
package extthread

import (
	"log/slog"

	"github.com/c360/extmesh/addon"
	"github.com/c360/extmesh/affinity"
	"github.com/c360/extmesh/extension"
	"github.com/c360/extmesh/message"
	"github.com/c360/extmesh/runloop"
)

// State is the extension thread's position in its lifecycle.
type State int

const (
	// StateInit means the thread object exists but extensions have not been
	// requested yet.
	StateInit State = iota
	// StateCreatingExtensions means instance creation is in flight.
	StateCreatingExtensions
	// StateNormal means extensions are added and their lifecycles run.
	StateNormal
	// StatePrepareToClose means the stop flow is draining extensions.
	StatePrepareToClose
	// StateClosed means the runloop has exited.
	StateClosed
)

// String names the state for logs.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateCreatingExtensions:
		return "creating_extensions"
	case StateNormal:
		return "normal"
	case StatePrepareToClose:
		return "prepare_to_close"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EngineContext is the engine as seen from its extension threads. All
// callbacks are posted to the engine's runloop by the thread.
type EngineContext interface {
	// Runloop returns the engine's runloop. Fixed for the engine's lifetime.
	Runloop() *runloop.Runloop
	// AppURI and GraphID locate this engine's graph for source stamping.
	AppURI() string
	GraphID() string
	// GraphName returns the optional human name of the graph.
	GraphName() string

	// OnExtensionsCreated runs on the engine loop after the thread has added
	// all created extensions; the engine records which thread hosts each
	// extension, then calls back Thread.StartLifecycles.
	OnExtensionsCreated(t *Thread)

	// OnExtensionThreadClosed runs on the engine loop after the thread has
	// left its runloop; the engine joins the goroutine and releases the
	// group.
	OnExtensionThreadClosed(t *Thread)

	// ForwardMessage runs on the engine loop for messages whose destination
	// is not on the originating thread.
	ForwardMessage(m *message.Msg)
}

// ExtensionSpec describes one extension the thread must create.
type ExtensionSpec struct {
	AddonName    string
	InstanceName string
	Props        map[string]any
	ManualStages map[string]bool // stage name → gated on TRIGGER_LIFE_CYCLE
}

// Thread owns a group of extensions. Jointly known to engine and thread, but
// mutated only by its own goroutine after startup; the engine reads only the
// runloop pointer, which is fixed once the ready event fires.
type Thread struct {
	tag   affinity.Tag
	state State

	isCloseTriggered bool

	engine   EngineContext
	group    *extension.Group
	addonMgr *addon.Manager
	logger   *slog.Logger

	// Extension store, keyed by instance name.
	store map[string]*extension.Instance
	// Creation order, for deterministic lifecycle driving.
	order []string

	// Messages received while still in INIT or CREATING_EXTENSIONS.
	pendingMsgs []*message.Msg

	// Creation bookkeeping.
	specs          []ExtensionSpec
	createsPending int
	created        []*extension.Instance

	// Teardown bookkeeping.
	teardownStarted bool
	destroysPending int

	loop     *runloop.Runloop
	ready    chan struct{} // one-shot: runloop is ready to use
	finished chan struct{} // goroutine exit, joined by the engine
}

// New allocates a thread in state INIT, attached to its engine and group.
// Runs on the engine goroutine; the affinity tag stays unset until the
// thread's own goroutine latches it.
func New(engine EngineContext, group *extension.Group, addonMgr *addon.Manager, logger *slog.Logger) *Thread {
	if logger == nil {
		logger = slog.Default()
	}
	return &Thread{
		state:    StateInit,
		engine:   engine,
		group:    group,
		addonMgr: addonMgr,
		logger:   logger.With("component", "extension_thread", "group", group.Name()),
		store:    make(map[string]*extension.Instance),
		ready:    make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Group returns the owned extension group.
func (t *Thread) Group() *extension.Group { return t.group }

// State returns the thread state. Owner goroutine only.
func (t *Thread) State() State {
	t.tag.MustCheck("extension thread")
	return t.state
}

// setState moves the thread state forward. Back-edges abort.
func (t *Thread) setState(s State) {
	t.tag.MustCheck("extension thread")
	if s < t.state {
		panic("extension thread state moved backwards: " + t.state.String() + " -> " + s.String())
	}
	t.state = s
}

// Runloop returns the thread's runloop. Safe from other goroutines once
// Start has returned.
func (t *Thread) Runloop() *runloop.Runloop { return t.loop }

// Start spawns the owning goroutine and blocks until its runloop is ready
// for use. After Start returns, the engine may post tasks to the thread's
// runloop without a mutex.
func (t *Thread) Start() {
	go t.main()
	<-t.ready
}

// Join blocks until the owning goroutine has exited. Called by the engine
// after OnExtensionThreadClosed.
func (t *Thread) Join() {
	<-t.finished
}

// main is the thread's goroutine. It takes ownership of the thread object,
// the group, and the group's environment handle, creates the runloop, signals
// readiness, and runs until the close flow stops the loop.
func (t *Thread) main() {
	defer close(t.finished)

	t.inheritOwnership()

	t.loop = runloop.New()
	if err := t.loop.PostTaskTail(t.handleStartTask); err != nil {
		panic("extension thread could not schedule its start task: " + err.Error())
	}

	// Notify the engine the runloop is ready before entering it.
	close(t.ready)

	t.loop.Run()

	t.logger.Debug("notifying engine that we are closed")
	t.notifyEngineClosed()
}

// inheritOwnership moves the thread-relevant resources to the newly spawned
// goroutine. Runs before any task does.
func (t *Thread) inheritOwnership() {
	t.tag.Latch()
	t.group.Tag().InheritFrom(&t.tag)
	if ge := t.group.Env(); ge != nil {
		ge.Tag().InheritFrom(&t.tag)
	}
}

func (t *Thread) handleStartTask() {
	t.logger.Debug("extension thread started")
}

// Close may be called from any thread; it posts the close trigger onto the
// thread's own runloop.
func (t *Thread) Close() {
	t.logger.Debug("try to close extension thread")
	if err := t.loop.PostTaskTail(t.onTriggeringClose); err != nil {
		t.logger.Warn("failed to post close trigger", "error", err)
	}
}

// onTriggeringClose runs once on the thread; re-entry is a no-op. Behavior
// depends on state: in INIT the lifecycle is skipped entirely; while
// creating, the create-done callback re-enters the close flow so in-flight
// instances are not leaked; in NORMAL the extensions are stopped.
func (t *Thread) onTriggeringClose() {
	t.tag.MustCheck("extension thread")

	if t.isCloseTriggered {
		return
	}
	t.isCloseTriggered = true

	switch t.state {
	case StateInit:
		t.deinitGroup()

	case StateCreatingExtensions:
		// Wait for the create-done callback; that is the point when all
		// created extensions can be retrieved to begin the close flow.

	case StateNormal:
		t.stopLifecycleOfAllExtensions()

	default:
		panic("close triggered in illegal extension thread state " + t.state.String())
	}
}

// notifyEngineClosed transitions to CLOSED and tells the engine to join this
// goroutine. In the closing flow the engine always closes after its
// extension threads, so posting to its runloop here is safe.
func (t *Thread) notifyEngineClosed() {
	t.setState(StateClosed)

	engine := t.engine
	if err := engine.Runloop().PostTaskTail(func() {
		engine.OnExtensionThreadClosed(t)
	}); err != nil {
		t.logger.Warn("failed to post thread-closed task to engine", "error", err)
	}
}

// InMsg hands an inbound message to the thread. Callable from the engine
// goroutine; the message must already be cloned or ownership-transferred.
func (t *Thread) InMsg(m *message.Msg) error {
	return t.loop.PostTaskTail(func() {
		t.handleInMsg(m)
	})
}
