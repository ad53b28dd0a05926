package extthread

import (
	"github.com/c360/extmesh/env"
	"github.com/c360/extmesh/errors"
	"github.com/c360/extmesh/extension"
	"github.com/c360/extmesh/message"
)

// handleInMsg processes one inbound message on the thread. Messages that
// arrive before the thread reaches NORMAL are held and flushed in FIFO order
// once lifecycles begin.
func (t *Thread) handleInMsg(m *message.Msg) {
	t.tag.MustCheck("extension thread")

	if t.state == StateInit || t.state == StateCreatingExtensions {
		t.pendingMsgs = append(t.pendingMsgs, m)
		return
	}

	t.dispatchNow(m)
}

// flushThreadPendingMsgs replays messages held during INIT and
// CREATING_EXTENSIONS, in arrival order.
func (t *Thread) flushThreadPendingMsgs() {
	pending := t.pendingMsgs
	t.pendingMsgs = nil
	for _, m := range pending {
		t.dispatchNow(m)
	}
}

func (t *Thread) dispatchNow(m *message.Msg) {
	switch m.Kind() {
	case message.KindCmdResult:
		t.handleInCmdResult(m)
	case message.KindTriggerLifeCycle:
		t.handleTriggerLifeCycle(m)
	case message.KindCmd:
		t.handleInCmd(m)
	case message.KindData, message.KindAudioFrame, message.KindVideoFrame:
		t.handleInNonCmd(m)
	default:
		t.logger.Warn("dropping message of unexpected kind", "kind", m.Kind().String())
	}
}

// localDest resolves the destination extension name this thread should serve.
func (t *Thread) localDest(m *message.Msg) string {
	appURI := t.engine.AppURI()
	graphID := t.engine.GraphID()
	for _, d := range m.Dests() {
		if d.Extension == "" {
			continue
		}
		if (d.AppURI == "" || d.AppURI == appURI) && (d.GraphID == "" || d.GraphID == graphID) {
			return d.Extension
		}
	}
	return ""
}

func (t *Thread) handleInCmd(cmd *message.Msg) {
	inst, ok := t.store[t.localDest(cmd)]
	if !ok {
		t.routeFailed(cmd)
		return
	}

	switch {
	case inst.State() == extension.StateRunning:
		t.deliverToExtension(inst, cmd)

	case inst.State() > extension.StateRunning:
		t.answerClosed(cmd)

	case inst.ManualStage(env.StageStart):
		// A manually started extension answers rather than queueing; the
		// sender learns it must trigger the start stage first.
		result, err := message.NewCmdResult(message.StatusError, cmd)
		if err != nil {
			return
		}
		result.SetProp("detail", "not started")
		t.routeOut(result)

	default:
		inst.QueuePending(cmd)
	}
}

func (t *Thread) handleInNonCmd(m *message.Msg) {
	inst, ok := t.store[t.localDest(m)]
	if !ok {
		// Data and frames have no result to carry the failure.
		t.logger.Debug("dropping message for unknown extension",
			"kind", m.Kind().String(), "name", m.Name())
		return
	}

	if inst.State() == extension.StateRunning {
		t.deliverToExtension(inst, m)
		return
	}
	if inst.State() > extension.StateRunning {
		t.logger.Debug("dropping message for stopped extension",
			"kind", m.Kind().String(), "extension", inst.Name())
		return
	}
	inst.QueuePending(m)
}

// handleInCmdResult looks the original command up in the destination
// extension's path table, invokes the stored handler and deletes the entry.
func (t *Thread) handleInCmdResult(result *message.Msg) {
	inst, ok := t.store[t.localDest(result)]
	if !ok {
		t.logger.Warn("result for unknown extension", "cmd", result.OrigCmdID())
		return
	}

	h, ok := inst.PathTable().Take(result.OrigCmdID())
	if !ok {
		t.logger.Warn("result without a pending command",
			"extension", inst.Name(), "cmd", result.OrigCmdID())
		return
	}
	h(inst.Env(), result, nil)
}

// deliverToExtension invokes the typed handler for a running extension.
func (t *Thread) deliverToExtension(inst *extension.Instance, m *message.Msg) {
	switch m.Kind() {
	case message.KindCmd:
		inst.Extension().OnCmd(inst.Env(), m)
	case message.KindData:
		inst.Extension().OnData(inst.Env(), m)
	case message.KindAudioFrame:
		inst.Extension().OnAudioFrame(inst.Env(), m)
	case message.KindVideoFrame:
		inst.Extension().OnVideoFrame(inst.Env(), m)
	default:
		t.logger.Warn("no extension handler for kind", "kind", m.Kind().String())
	}
}

// routeFailed answers an unroutable command with ROUTE_FAILED.
func (t *Thread) routeFailed(cmd *message.Msg) {
	result, err := message.NewCmdResult(message.StatusRouteFailed, cmd)
	if err != nil {
		t.logger.Warn("unroutable message is not a command", "kind", cmd.Kind().String())
		return
	}
	result.SetProp("detail", "no such destination extension")
	t.routeOut(result)
}

// answerClosed answers a command aimed at an extension past its run phase.
func (t *Thread) answerClosed(cmd *message.Msg) {
	result, err := message.NewCmdResult(message.StatusRuntimeClosed, cmd)
	if err != nil {
		return
	}
	result.SetProp("detail", "destination extension is closed")
	t.routeOut(result)
}

// routeOut routes a message whose source is already stamped: local
// destinations are posted back onto this loop, everything else goes through
// the engine. Messages crossing to the engine are cloned; the engine owns
// the clone.
func (t *Thread) routeOut(m *message.Msg) {
	appURI := t.engine.AppURI()
	graphID := t.engine.GraphID()

	dests := m.Dests()
	if len(dests) == 0 {
		t.logger.Warn("message with no destinations", "kind", m.Kind().String(), "name", m.Name())
		return
	}

	var remote []message.Loc
	localDelivered := false
	for _, d := range dests {
		sameGraph := (d.AppURI == "" || d.AppURI == appURI) && (d.GraphID == "" || d.GraphID == graphID)
		if sameGraph && d.Extension != "" {
			if _, ok := t.store[d.Extension]; ok {
				dm := m
				if localDelivered || len(remote) > 0 {
					dm = m.Clone()
				}
				dm.SetDest(d)
				local := dm
				if err := t.loop.PostTaskTail(func() { t.dispatchNow(local) }); err != nil {
					t.logger.Warn("local delivery failed", "error", err)
				}
				localDelivered = true
				continue
			}
		}
		remote = append(remote, d)
	}

	if len(remote) > 0 {
		fwd := m
		if localDelivered {
			fwd = m.Clone()
		}
		fwd.ClearDests()
		for _, d := range remote {
			fwd.AddDest(d)
		}
		engine := t.engine
		if err := engine.Runloop().PostTaskTail(func() {
			engine.ForwardMessage(fwd)
		}); err != nil {
			t.logger.Warn("engine forward failed", "error", err)
		}
	}
}

// routeResult routes a result produced by inst back toward the sender.
func (t *Thread) routeResult(inst *extension.Instance, result *message.Msg) {
	result.SetSrc(message.Loc{
		AppURI:    t.engine.AppURI(),
		GraphID:   t.engine.GraphID(),
		Extension: inst.Name(),
	})
	t.routeOut(result)
}

// DispatchOutbound implements env.Dispatcher for this thread's extension and
// group handles: it stamps the source location, records the result handler
// in the sender's path table, and routes each destination.
func (t *Thread) DispatchOutbound(from *env.Env, m *message.Msg, h env.ResultHandler) error {
	t.tag.MustCheck("extension thread")

	sender := from.OwnerName()
	m.SetSrc(message.Loc{
		AppURI:    t.engine.AppURI(),
		GraphID:   t.engine.GraphID(),
		Extension: sender,
	})

	if h != nil {
		inst, ok := t.store[sender]
		if !ok {
			return errors.WrapInvalid(errors.ErrRouteFailed, "ExtensionThread", "DispatchOutbound",
				"sender lookup")
		}
		if err := inst.PathTable().Add(m.ID(), h); err != nil {
			return err
		}
	}

	if len(m.Dests()) == 0 {
		// No explicit destinations: the engine resolves them against the
		// graph's connection list.
		engine := t.engine
		return engine.Runloop().PostTaskTail(func() {
			engine.ForwardMessage(m)
		})
	}

	t.routeOut(m)
	return nil
}

// ReturnResult implements env.Dispatcher: delivers an extension's result for
// an inbound command back toward the original sender.
func (t *Thread) ReturnResult(from *env.Env, result *message.Msg) error {
	t.tag.MustCheck("extension thread")

	inst, ok := t.store[from.OwnerName()]
	if !ok {
		return errors.WrapInvalid(errors.ErrRouteFailed, "ExtensionThread", "ReturnResult",
			"responder lookup")
	}
	t.routeResult(inst, result)
	return nil
}

// CreateInstanceDone implements env.Dispatcher. Extension handles never
// complete instance handshakes; the addon manager does.
func (t *Thread) CreateInstanceDone(from *env.Env, _ any, _ any, _ error) {
	panic("instance handshake completed through an extension handle: " + from.OwnerName())
}
