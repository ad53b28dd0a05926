package extthread

import (
	"github.com/c360/extmesh/addon"
	"github.com/c360/extmesh/env"
	"github.com/c360/extmesh/errors"
	"github.com/c360/extmesh/extension"
	"github.com/c360/extmesh/message"
)

// StartLifecycles begins processing all lifecycle stages of the thread's
// extensions, beginning with on_configure. Posted by the engine once routing
// is resolved.
func (t *Thread) StartLifecycles() error {
	return t.loop.PostTaskTail(t.startLifecycleOfAllExtensionsTask)
}

func (t *Thread) startLifecycleOfAllExtensionsTask() {
	t.tag.MustCheck("extension thread")

	// The extension system is about to be shut down; do not proceed with
	// initialization anymore.
	if t.isCloseTriggered {
		return
	}

	t.setState(StateNormal)
	t.flushThreadPendingMsgs()

	for _, name := range t.order {
		t.loadMetadata(t.store[name])
	}
}

// loadMetadata is the first lifecycle step for one extension; configuration
// was captured at creation, so this moves straight into on_configure.
func (t *Thread) loadMetadata(inst *extension.Instance) {
	inst.SetState(extension.StateConfiguring)
	inst.Extension().OnConfigure(inst.Env())
}

// StageDone implements env.Dispatcher for extension handles: the sole
// permitted way an extension advances its lifecycle.
func (t *Thread) StageDone(from *env.Env, stage env.Stage, err error) {
	t.tag.MustCheck("extension thread")

	inst, ok := t.store[from.OwnerName()]
	if !ok {
		t.logger.Warn("stage-done from unknown extension", "extension", from.OwnerName())
		return
	}

	switch stage {
	case env.StageConfigure:
		t.onConfigureDone(inst, err)
	case env.StageInit:
		t.onInitDone(inst, err)
	case env.StageStart:
		t.onStartDone(inst, err)
	case env.StageStop:
		t.onStopDone(inst, err)
	case env.StageDeinit:
		t.onDeinitDone(inst, err)
	default:
		panic("stage-done for unknown stage")
	}
}

func (t *Thread) onConfigureDone(inst *extension.Instance, err error) {
	if inst.State() >= extension.StateStopping {
		// A close overtook this extension; teardown already ran.
		return
	}
	if err != nil {
		// User error: the extension never advances past init.
		t.logger.Error("extension configure failed", "extension", inst.Name(), "error", err)
		inst.SetState(extension.StateConfigured)
		return
	}
	inst.SetState(extension.StateConfigured)

	inst.SetState(extension.StateIniting)
	inst.Extension().OnInit(inst.Env())
}

func (t *Thread) onInitDone(inst *extension.Instance, err error) {
	if inst.State() >= extension.StateStopping {
		return
	}
	if err != nil {
		t.logger.Error("extension init failed", "extension", inst.Name(), "error", err)
		inst.SetState(extension.StateInited)
		return
	}
	inst.SetState(extension.StateInited)
	t.beginStart(inst)
}

// beginStart enters the start stage, unless the stage is gated on an
// external trigger, in which case the extension parks until the matching
// TRIGGER_LIFE_CYCLE command arrives.
func (t *Thread) beginStart(inst *extension.Instance) {
	inst.SetState(extension.StateStarting)
	if inst.ManualStage(env.StageStart) {
		t.logger.Debug("extension waiting for manual start trigger", "extension", inst.Name())
		return
	}
	inst.Extension().OnStart(inst.Env())
}

func (t *Thread) onStartDone(inst *extension.Instance, err error) {
	if inst.State() >= extension.StateStopping {
		return
	}
	if err != nil {
		t.logger.Error("extension start failed", "extension", inst.Name(), "error", err)
	}
	inst.SetState(extension.StateRunning)

	// A manual trigger's result is returned only now.
	if trigger, held := inst.TakeTrigger(env.StageStart); held {
		t.answerTrigger(inst, trigger, err)
	}

	// Flush messages that arrived before the extension was running.
	for _, m := range inst.DrainPending() {
		t.deliverToExtension(inst, m)
	}

	// A close raced in while starting: continue straight into the stop flow.
	if t.isCloseTriggered {
		t.beginStop(inst)
	}
}

// beginStop enters the stop stage, honoring a manual stop gate.
func (t *Thread) beginStop(inst *extension.Instance) {
	inst.SetState(extension.StateStopping)
	if inst.ManualStage(env.StageStop) {
		t.logger.Debug("extension waiting for manual stop trigger", "extension", inst.Name())
		return
	}
	inst.Extension().OnStop(inst.Env())
}

func (t *Thread) onStopDone(inst *extension.Instance, err error) {
	if err != nil {
		t.logger.Error("extension stop failed", "extension", inst.Name(), "error", err)
	}
	inst.SetState(extension.StateStopped)

	if trigger, held := inst.TakeTrigger(env.StageStop); held {
		t.answerTrigger(inst, trigger, err)
	}

	t.beginDeinit(inst)
}

// beginDeinit cancels the extension's outstanding commands with an error
// result, then runs on_deinit. The path table never loses an entry silently.
func (t *Thread) beginDeinit(inst *extension.Instance) {
	inst.SetState(extension.StateDeiniting)

	for _, h := range inst.PathTable().CancelAll() {
		h(inst.Env(), nil, errors.WrapTransient(
			errors.ErrDestinationGone, "ExtensionThread", "beginDeinit", "pending command cancellation"))
	}

	inst.Extension().OnDeinit(inst.Env())
}

func (t *Thread) onDeinitDone(inst *extension.Instance, err error) {
	if err != nil {
		t.logger.Error("extension deinit failed", "extension", inst.Name(), "error", err)
	}
	inst.SetState(extension.StateDeinited)

	t.maybeFinishTeardown()
}

// maybeFinishTeardown starts instance destruction once the close flow is
// active and every extension has completed deinit. Runs as a fresh task so
// teardown never reenters a lifecycle sweep that is still iterating the
// store.
func (t *Thread) maybeFinishTeardown() {
	if !t.isCloseTriggered || t.state != StatePrepareToClose || t.teardownStarted {
		return
	}
	for _, name := range t.order {
		if t.store[name].State() < extension.StateDeinited {
			return
		}
	}

	t.teardownStarted = true
	if err := t.loop.PostTaskTail(t.destroyAllInstances); err != nil {
		t.logger.Warn("could not schedule instance destruction", "error", err)
	}
}

// stopLifecycleOfAllExtensions drives each extension through on_stop and
// on_deinit, then tears the group down once every instance reports back.
func (t *Thread) stopLifecycleOfAllExtensions() {
	t.tag.MustCheck("extension thread")

	t.setState(StatePrepareToClose)

	if len(t.store) == 0 {
		t.deinitGroup()
		return
	}

	for _, name := range t.order {
		inst := t.store[name]
		switch {
		case inst.State() >= extension.StateStopping:
			// Already on the way down.
		case inst.State() == extension.StateRunning:
			t.beginStop(inst)
		case inst.State() == extension.StateStarting:
			// on_start still in flight (or parked on a manual trigger that
			// will never come); fail any held trigger and deinit directly.
			if trigger, held := inst.TakeTrigger(env.StageStart); held {
				t.answerTrigger(inst, trigger, errors.ErrClosing)
			}
			if inst.ManualStage(env.StageStart) {
				inst.SetState(extension.StateStopping)
				inst.SetState(extension.StateStopped)
				t.beginDeinit(inst)
			}
			// Otherwise onStartDone notices isCloseTriggered and stops.
		default:
			// Never started: skip the stop stage.
			inst.SetState(extension.StateStopping)
			inst.SetState(extension.StateStopped)
			t.beginDeinit(inst)
		}
	}

	t.maybeFinishTeardown()
}

// destroyAllInstances hands each instance back to the addon that created it,
// then deinits the group once every destroy handshake completes.
func (t *Thread) destroyAllInstances() {
	t.tag.MustCheck("extension thread")

	if len(t.specs) == 0 || len(t.store) == 0 {
		t.deinitGroup()
		return
	}

	specByInstance := make(map[string]ExtensionSpec, len(t.specs))
	for _, spec := range t.specs {
		specByInstance[spec.InstanceName] = spec
	}

	t.destroysPending = 0
	for _, name := range t.order {
		spec, ok := specByInstance[name]
		if !ok {
			continue
		}
		inst := t.store[name]
		ctx := &addon.Context{
			AddonType:     addon.TypeExtension,
			AddonName:     spec.AddonName,
			InstanceName:  name,
			Flow:          addon.FlowExtensionThreadDestroyExtension,
			OwnerLoop:     t.loop,
			RequesterLoop: t.loop,
			Target:        t,
			Done: func(_ any, err error) {
				t.onDestroyInstanceDone(err)
			},
		}
		if err := t.addonMgr.DestroyInstanceAsync(ctx, inst.Extension()); err != nil {
			t.logger.Warn("extension instance destroy failed",
				"instance", name, "error", err)
			continue
		}
		t.destroysPending++
	}

	if t.destroysPending == 0 {
		t.deinitGroup()
	}
}

func (t *Thread) onDestroyInstanceDone(err error) {
	t.tag.MustCheck("extension thread")

	if err != nil {
		t.logger.Warn("addon reported instance destroy failure", "error", err)
	}
	t.destroysPending--
	if t.destroysPending == 0 {
		t.deinitGroup()
	}
}

// deinitGroup tears down the group's resources and stops the runloop. On
// exit from Run the thread transitions to CLOSED and notifies the engine.
func (t *Thread) deinitGroup() {
	t.tag.MustCheck("extension thread")

	for name := range t.store {
		delete(t.store, name)
	}
	t.order = nil

	t.logger.Debug("extension group deinitialized, stopping runloop")
	t.loop.Stop()
}

// handleTriggerLifeCycle processes a TRIGGER_LIFE_CYCLE command aimed at one
// of this thread's extensions. The trigger's result is returned to the
// sender only after the gated stage's *_done runs. Unrecognized stages
// produce an error result.
func (t *Thread) handleTriggerLifeCycle(cmd *message.Msg) {
	dest := t.localDest(cmd)
	inst, ok := t.store[dest]
	if !ok {
		t.routeFailed(cmd)
		return
	}

	stage, err := env.ParseStage(cmd.PropString("stage", ""))
	if err != nil || (stage != env.StageStart && stage != env.StageStop) {
		t.answerTrigger(inst, cmd, errors.WrapInvalid(
			errors.ErrUnknownStage, "ExtensionThread", "handleTriggerLifeCycle", "stage parse"))
		return
	}

	if !inst.ManualStage(stage) {
		t.answerTrigger(inst, cmd, errors.WrapInvalid(
			errors.ErrUnknownStage, "ExtensionThread", "handleTriggerLifeCycle",
			"stage is not manually triggered"))
		return
	}

	switch stage {
	case env.StageStart:
		if inst.State() != extension.StateStarting {
			t.answerTrigger(inst, cmd, errors.WrapInvalid(
				errors.ErrBadTransition, "ExtensionThread", "handleTriggerLifeCycle",
				"extension not awaiting start"))
			return
		}
		if err := inst.HoldTrigger(stage, cmd); err != nil {
			t.answerTrigger(inst, cmd, err)
			return
		}
		inst.Extension().OnStart(inst.Env())

	case env.StageStop:
		if inst.State() != extension.StateRunning && inst.State() != extension.StateStopping {
			t.answerTrigger(inst, cmd, errors.WrapInvalid(
				errors.ErrBadTransition, "ExtensionThread", "handleTriggerLifeCycle",
				"extension not running"))
			return
		}
		if err := inst.HoldTrigger(stage, cmd); err != nil {
			t.answerTrigger(inst, cmd, err)
			return
		}
		if inst.State() == extension.StateRunning {
			inst.SetState(extension.StateStopping)
		}
		inst.Extension().OnStop(inst.Env())
	}
}

// answerTrigger returns a result for a TRIGGER_LIFE_CYCLE command.
func (t *Thread) answerTrigger(inst *extension.Instance, trigger *message.Msg, err error) {
	status := message.StatusOK
	if err != nil {
		status = message.StatusError
	}
	result, rerr := message.NewCmdResult(status, trigger)
	if rerr != nil {
		t.logger.Warn("could not build trigger result", "error", rerr)
		return
	}
	if err != nil {
		result.SetProp("detail", err.Error())
	}
	t.routeResult(inst, result)
}
