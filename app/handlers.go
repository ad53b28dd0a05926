package app

import (
	"github.com/c360/extmesh/engine"
	"github.com/c360/extmesh/graph"
	"github.com/c360/extmesh/message"
	"github.com/c360/extmesh/protocol"
)

// replyBinding pairs a pending stop_graph command with its replier.
type replyBinding struct {
	r   protocol.Replier
	cmd *message.Msg
}

// handleInMsg dispatches one inbound message on the app goroutine.
func (a *App) handleInMsg(r protocol.Replier, m *message.Msg) {
	a.tag.MustCheck("app")

	switch m.Kind() {
	case message.KindStartGraph:
		a.handleStartGraph(r, m)
	case message.KindStopGraph:
		a.handleStopGraph(r, m)
	case message.KindCloseApp:
		a.handleCloseApp(r, m)
	case message.KindCmd, message.KindTriggerLifeCycle:
		a.handleClientCmd(r, m)
	case message.KindCmdResult, message.KindData, message.KindAudioFrame, message.KindVideoFrame:
		a.handleGraphTraffic(m)
	default:
		a.logger.Warn("dropping message of unexpected kind", "kind", m.Kind().String())
	}
}

func (a *App) handleStartGraph(r protocol.Replier, m *message.Msg) {
	if a.isClosing {
		a.answer(r, m, message.StatusRuntimeClosed, "app is closing")
		return
	}

	g, err := graph.Parse([]byte(m.PropString("graph_json", "")))
	if err != nil {
		a.logger.Error("rejecting graph description", "error", err)
		a.answer(r, m, message.StatusError, err.Error())
		return
	}

	e := engine.New(engine.Config{
		AppURI:     a.uri,
		GraphID:    m.PropString("graph_id", ""),
		Graph:      g,
		AddonMgr:   a.addonMgr,
		Remote:     a.remote,
		Logger:     a.logger,
		Metrics:    a.metrics,
		CmdTimeout: a.cmdTimeout,
		OnClosed: func(e *engine.Engine) {
			// Engine goroutine; hop home before touching app state.
			_ = a.loop.PostTaskTail(func() { a.onEngineClosed(e) })
		},
	})

	a.engines[e.GraphID()] = e
	if a.metrics != nil {
		a.metrics.Core.EnginesActive.Inc()
	}

	if err := e.Start(); err != nil {
		delete(a.engines, e.GraphID())
		a.answer(r, m, message.StatusError, err.Error())
		return
	}

	a.logger.Info("graph started", "graph_id", e.GraphID(), "graph_name", g.Name)

	result, rerr := message.NewCmdResult(message.StatusOK, m)
	if rerr == nil {
		result.SetProp("graph_id", e.GraphID())
		a.reply(r, result)
	}
}

func (a *App) handleStopGraph(r protocol.Replier, m *message.Msg) {
	gid := m.PropString("graph_id", "")
	e, ok := a.engines[gid]
	if !ok {
		a.answer(r, m, message.StatusError, "no such graph: "+gid)
		return
	}

	// Answered from onEngineClosed so the result means the graph is gone.
	if r != nil {
		stop := m
		a.stopWaiters[gid] = append(a.stopWaiters[gid], replyBinding{r: r, cmd: stop})
	}
	e.Close()
}

func (a *App) handleCloseApp(r protocol.Replier, m *message.Msg) {
	a.answer(r, m, message.StatusOK, "closing")
	a.closeTask(nil)
}

// handleClientCmd routes an externally submitted command into its graph's
// engine, tracking it so the client gets exactly one result.
func (a *App) handleClientCmd(r protocol.Replier, m *message.Msg) {
	e, ok := a.engineFor(m)
	if !ok {
		a.answer(r, m, message.StatusRouteFailed, "no such graph")
		return
	}

	replier := r
	if err := e.SubmitExternalCmd(m, func(result *message.Msg) {
		a.reply(replier, result)
	}); err != nil {
		a.answer(r, m, message.StatusError, err.Error())
	}
}

// handleGraphTraffic forwards results and one-way payloads into their graph.
func (a *App) handleGraphTraffic(m *message.Msg) {
	e, ok := a.engineFor(m)
	if !ok {
		a.logger.Warn("dropping traffic for unknown graph", "kind", m.Kind().String())
		return
	}
	if err := e.InMsg(m); err != nil {
		a.logger.Warn("engine delivery failed", "error", err)
	}
}

// engineFor picks the engine addressed by the message's destinations, or the
// sole running engine when the address does not name one.
func (a *App) engineFor(m *message.Msg) (*engine.Engine, bool) {
	for _, d := range m.Dests() {
		if d.GraphID != "" {
			if e, ok := a.engines[d.GraphID]; ok {
				return e, true
			}
		}
	}
	if gid := m.PropString("graph_id", ""); gid != "" {
		if e, ok := a.engines[gid]; ok {
			return e, true
		}
	}
	if len(a.engines) == 1 {
		for _, e := range a.engines {
			return e, true
		}
	}
	return nil, false
}

// onEngineClosed runs on the app goroutine after an engine loop exits.
func (a *App) onEngineClosed(e *engine.Engine) {
	a.tag.MustCheck("app")

	e.Join()
	delete(a.engines, e.GraphID())
	if a.metrics != nil {
		a.metrics.Core.EnginesActive.Dec()
	}
	a.logger.Info("graph stopped", "graph_id", e.GraphID())

	for _, waiter := range a.stopWaiters[e.GraphID()] {
		result, err := message.NewCmdResult(message.StatusOK, waiter.cmd)
		if err == nil {
			a.reply(waiter.r, result)
		}
	}
	delete(a.stopWaiters, e.GraphID())

	if a.isClosing && len(a.engines) == 0 {
		a.finishClose()
	}
}

// closeTask drains engines, then finishes the close.
func (a *App) closeTask(_ protocol.Replier) {
	a.tag.MustCheck("app")

	if a.isClosing {
		return
	}
	a.isClosing = true
	a.logger.Info("app closing")

	if len(a.engines) == 0 {
		a.finishClose()
		return
	}
	for _, e := range a.engines {
		e.Close()
	}
}

// finishClose quiesces the addon store, closes the wire endpoints, and stops
// the main runloop. No factory outlives the app.
func (a *App) finishClose() {
	a.addonMgr.UnregisterAllAndCleanupAfterAppClose(func() {
		a.logger.Debug("addon store quiesced")
	})

	// Endpoints are blocking to tear down; leave the runloop first so a
	// lingering peer cannot stall pending tasks.
	server, pool, nats := a.server, a.pool, a.nats
	go func() {
		if server != nil {
			server.Stop()
		}
		if pool != nil {
			pool.Close()
		}
		if nats != nil {
			nats.Close()
		}
	}()

	a.loop.Stop()
}

// answer replies to a command with a one-line status result.
func (a *App) answer(r protocol.Replier, cmd *message.Msg, status message.StatusCode, detail string) {
	result, err := message.NewCmdResult(status, cmd)
	if err != nil {
		return
	}
	if detail != "" {
		result.SetProp("detail", detail)
	}
	a.reply(r, result)
}

// reply delivers a result to a client replier, if any.
func (a *App) reply(r protocol.Replier, result *message.Msg) {
	if r == nil {
		return
	}
	if err := r.Reply(result); err != nil {
		a.logger.Warn("client reply failed", "error", err)
	}
}
