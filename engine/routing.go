package engine

import (
	"time"

	"github.com/c360/extmesh/message"
)

// SubmitExternalCmd tracks a command submitted from outside the graph (a
// client or a remote app) and routes it. The responder receives exactly one
// result: the responder extension's, or a synthesized TIMEOUT when the
// configured window elapses first. Callable from any goroutine.
func (e *Engine) SubmitExternalCmd(cmd *message.Msg, respond Responder) error {
	return e.loop.PostTaskTail(func() {
		e.submitExternalCmdTask(cmd, respond)
	})
}

func (e *Engine) submitExternalCmdTask(cmd *message.Msg, respond Responder) {
	e.tag.MustCheck("engine")

	if e.isClosing {
		result := message.SynthesizeResult(cmd.ID(), message.StatusRuntimeClosed)
		result.SetProp("detail", "graph is closing")
		respond(result)
		return
	}

	id := cmd.ID()
	pending := &pendingCmd{respond: respond}
	pending.timer = time.AfterFunc(e.cmdWindow, func() {
		// Timer goroutine: hop back onto the engine loop before touching
		// the tracker.
		_ = e.loop.PostTaskTail(func() {
			if p, ok := e.tracker[id]; ok {
				e.logger.Warn("command timed out", "cmd", cmd.Name(), "id", id)
				if e.metrics != nil {
					e.metrics.Core.CmdTimeouts.Inc()
				}
				e.respondSynthetic(id, p, message.StatusTimeout, "no result within timeout window")
			}
		})
	})
	e.tracker[id] = pending

	e.ForwardMessage(cmd)
}

// ForwardMessage routes a message on the engine goroutine: results are
// matched against the tracker, unaddressed messages are resolved against the
// graph's connection list, and each destination goes to its extension thread
// or across the wire to its app.
func (e *Engine) ForwardMessage(m *message.Msg) {
	e.tag.MustCheck("engine")

	if m.Kind() == message.KindCmdResult {
		if pending, ok := e.tracker[m.OrigCmdID()]; ok {
			pending.timer.Stop()
			delete(e.tracker, m.OrigCmdID())
			pending.respond(m)
			return
		}
	}

	if len(m.Dests()) == 0 && !e.resolveDests(m) {
		return
	}
	if e.metrics != nil {
		e.metrics.Core.MessagesRouted.WithLabelValues(m.Kind().String()).Inc()
	}

	dests := m.Dests()
	delivered := false
	for _, d := range dests {
		dm := m
		if delivered || len(dests) > 1 {
			dm = m.Clone()
		}
		dm.SetDest(d)
		e.forwardOne(dm, d)
		delivered = true
	}
}

// resolveDests fills destinations from the graph's connection list. Reports
// whether the message is routable; unroutable commands are answered with
// ROUTE_FAILED toward their source.
func (e *Engine) resolveDests(m *message.Msg) bool {
	refs := e.graph.RoutesFor(e.appURI, m.Src().Extension, m.Kind(), m.Name())
	if len(refs) == 0 {
		e.logger.Warn("no route for message",
			"kind", m.Kind().String(), "name", m.Name(), "src", m.Src().String())
		if m.Kind() == message.KindCmd {
			e.routeFailed(m)
		}
		return false
	}

	for _, ref := range refs {
		appURI := ref.App
		if appURI == "" {
			appURI = e.appURI
		}
		m.AddDest(message.Loc{AppURI: appURI, GraphID: e.graphID, Extension: ref.Extension})
	}
	return true
}

// forwardOne delivers a single-destination message: to a local extension
// thread, or across the wire layer when the destination app differs.
func (e *Engine) forwardOne(m *message.Msg, d message.Loc) {
	if d.AppURI != "" && d.AppURI != e.appURI {
		if e.remote == nil {
			e.logger.Error("no wire layer for remote destination", "dest", d.String())
			if m.Kind() == message.KindCmd {
				e.routeFailed(m)
			}
			return
		}
		if err := e.remote.Send(d.AppURI, m); err != nil {
			e.logger.Error("remote send failed", "dest", d.String(), "error", err)
			if m.Kind() == message.KindCmd {
				e.routeFailed(m)
			}
		}
		return
	}

	t, ok := e.extToThread[d.Extension]
	if !ok {
		if !e.graphReady {
			// Graph startup has not finished; hold the message until every
			// thread has reported its extensions.
			e.preReady = append(e.preReady, m)
			return
		}
		e.logger.Warn("no extension thread for destination", "dest", d.String())
		if m.Kind() == message.KindCmd {
			e.routeFailed(m)
		} else if m.Kind() == message.KindCmdResult {
			e.logger.Warn("dropping result without a sender", "cmd", m.OrigCmdID())
		}
		return
	}

	if err := t.InMsg(m); err != nil {
		e.logger.Error("thread delivery failed", "dest", d.String(), "error", err)
		if m.Kind() == message.KindCmd {
			e.routeFailed(m)
		}
	}
}

// routeFailed answers an unroutable command toward its source.
func (e *Engine) routeFailed(cmd *message.Msg) {
	result, err := message.NewCmdResult(message.StatusRouteFailed, cmd)
	if err != nil {
		return
	}
	result.SetProp("detail", "no such destination extension")
	result.SetSrc(message.Loc{AppURI: e.appURI, GraphID: e.graphID})

	// The failed command may have come from a tracked external submission.
	if pending, ok := e.tracker[cmd.ID()]; ok {
		pending.timer.Stop()
		delete(e.tracker, cmd.ID())
		pending.respond(result)
		return
	}

	e.ForwardMessage(result)
}

// InMsg hands an untracked message (a result or one-way payload from another
// app, or a locally injected message) to the engine for routing. Callable
// from any goroutine.
func (e *Engine) InMsg(m *message.Msg) error {
	return e.loop.PostTaskTail(func() {
		e.ForwardMessage(m)
	})
}

// OutstandingCmds reports tracked commands. Diagnostic; engine goroutine only.
func (e *Engine) OutstandingCmds() int {
	e.tag.MustCheck("engine")
	return len(e.tracker)
}
