package extension

import (
	"github.com/c360/extmesh/env"
	"github.com/c360/extmesh/errors"
	"github.com/c360/extmesh/message"
)

// State is an extension's position in its lifecycle. The sequence is strictly
// forward; the thread enforces transitions.
type State int

const (
	// StateCreated means the factory produced the instance but metadata is
	// not yet loaded.
	StateCreated State = iota
	// StateConfiguring means on_configure is in flight.
	StateConfiguring
	// StateConfigured means on_configure_done was called.
	StateConfigured
	// StateIniting means on_init is in flight.
	StateIniting
	// StateInited means on_init_done was called.
	StateInited
	// StateStarting means on_start is in flight, or the instance is waiting
	// for a manual start trigger.
	StateStarting
	// StateRunning means on_start_done was called; messages flow.
	StateRunning
	// StateStopping means on_stop is in flight, or the instance is waiting
	// for a manual stop trigger.
	StateStopping
	// StateStopped means on_stop_done was called.
	StateStopped
	// StateDeiniting means on_deinit is in flight.
	StateDeiniting
	// StateDeinited means on_deinit_done was called; the instance is dead.
	StateDeinited
)

// String names the state for logs.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfiguring:
		return "configuring"
	case StateConfigured:
		return "configured"
	case StateIniting:
		return "initing"
	case StateInited:
		return "inited"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateDeiniting:
		return "deiniting"
	case StateDeinited:
		return "deinited"
	default:
		return "unknown"
	}
}

// Instance is the runtime wrapper around a user extension: its name (unique
// within the group), property map, path table, pre-start pending queue and
// environment handle. All mutating access happens on the owning extension
// thread.
type Instance struct {
	name  string
	ext   Extension
	props map[string]any

	state     State
	pathTable *PathTable
	pending   []*message.Msg // inbound messages received before running

	// Stages gated on an external TRIGGER_LIFE_CYCLE command, from the
	// node's manual_trigger_life_cycle property.
	manualStages map[env.Stage]bool
	// The trigger command awaiting the gated stage's *_done, per stage.
	pendingTrigger map[env.Stage]*message.Msg

	env *env.Env
}

// NewInstance wraps a user extension. The environment handle is attached by
// the thread once the instance joins its store.
func NewInstance(name string, ext Extension, props map[string]any, manualStages map[env.Stage]bool) *Instance {
	if props == nil {
		props = make(map[string]any)
	}
	if manualStages == nil {
		manualStages = make(map[env.Stage]bool)
	}
	return &Instance{
		name:           name,
		ext:            ext,
		props:          props,
		state:          StateCreated,
		pathTable:      NewPathTable(),
		manualStages:   manualStages,
		pendingTrigger: make(map[env.Stage]*message.Msg),
	}
}

// Name returns the instance name, unique within its group.
func (i *Instance) Name() string { return i.name }

// Extension returns the wrapped user extension.
func (i *Instance) Extension() Extension { return i.ext }

// Props returns the property map from the graph node.
func (i *Instance) Props() map[string]any { return i.props }

// State returns the lifecycle state.
func (i *Instance) State() State { return i.state }

// SetState moves the lifecycle forward. Back-edges are programming errors.
func (i *Instance) SetState(s State) {
	if s < i.state {
		panic("extension lifecycle moved backwards: " + i.state.String() + " -> " + s.String())
	}
	i.state = s
}

// PathTable returns the outstanding-command table.
func (i *Instance) PathTable() *PathTable { return i.pathTable }

// Env returns the instance's environment handle.
func (i *Instance) Env() *env.Env { return i.env }

// AttachEnv binds the environment handle. Called once by the thread.
func (i *Instance) AttachEnv(e *env.Env) { i.env = e }

// ManualStage reports whether the stage waits for an external trigger.
func (i *Instance) ManualStage(s env.Stage) bool { return i.manualStages[s] }

// HoldTrigger records the trigger command whose result is returned once the
// gated stage completes. A second trigger for the same stage is rejected.
func (i *Instance) HoldTrigger(s env.Stage, cmd *message.Msg) error {
	if _, dup := i.pendingTrigger[s]; dup {
		return errors.WrapInvalid(errors.ErrDuplicateResult, "Instance", "HoldTrigger",
			"stage "+s.String())
	}
	i.pendingTrigger[s] = cmd
	return nil
}

// TakeTrigger removes and returns the held trigger for a stage.
func (i *Instance) TakeTrigger(s env.Stage) (*message.Msg, bool) {
	cmd, ok := i.pendingTrigger[s]
	if ok {
		delete(i.pendingTrigger, s)
	}
	return cmd, ok
}

// QueuePending holds an inbound message that arrived before the instance was
// running. Flushed in FIFO order at start_done.
func (i *Instance) QueuePending(m *message.Msg) {
	i.pending = append(i.pending, m)
}

// DrainPending returns and clears the pre-start queue in arrival order.
func (i *Instance) DrainPending() []*message.Msg {
	out := i.pending
	i.pending = nil
	return out
}

// PendingCount reports queued pre-start messages.
func (i *Instance) PendingCount() int { return len(i.pending) }
