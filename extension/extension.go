// Package extension defines the user-written dataflow node, its runtime
// wrapper, and the per-extension path table that tracks outstanding commands.
//
// User code implements Extension (usually by embedding DefaultExtension and
// overriding the interesting callbacks). The runtime drives the lifecycle
//
//	on_configure → on_init → on_start → (running) → on_stop → on_deinit
//
// on the owning extension thread; each stage is advanced solely by the
// matching *_done call on the environment handle.
package extension

import (
	"github.com/c360/extmesh/env"
	"github.com/c360/extmesh/message"
)

// Extension is the surface a dataflow node implements. Every callback runs on
// the owning extension thread; blocking inside a callback stalls every
// extension in the group.
type Extension interface {
	// OnConfigure loads configuration. Advance with te.OnConfigureDone.
	OnConfigure(te *env.Env)
	// OnInit prepares resources. Advance with te.OnInitDone.
	OnInit(te *env.Env)
	// OnStart begins message flow. Advance with te.OnStartDone.
	OnStart(te *env.Env)
	// OnStop quiesces the node. Advance with te.OnStopDone.
	OnStop(te *env.Env)
	// OnDeinit releases resources. Advance with te.OnDeinitDone.
	OnDeinit(te *env.Env)

	// OnCmd handles an inbound command. The extension must eventually return
	// exactly one result for it through te.ReturnResult.
	OnCmd(te *env.Env, cmd *message.Msg)
	// OnData handles a one-way data message.
	OnData(te *env.Env, data *message.Msg)
	// OnAudioFrame handles an audio frame.
	OnAudioFrame(te *env.Env, frame *message.Msg)
	// OnVideoFrame handles a video frame.
	OnVideoFrame(te *env.Env, frame *message.Msg)
}

// DefaultExtension is a no-op base. Lifecycle stages advance immediately;
// unhandled commands are answered with an error result so the sender never
// hangs waiting.
type DefaultExtension struct{}

// OnConfigure advances immediately.
func (DefaultExtension) OnConfigure(te *env.Env) { te.OnConfigureDone(nil) }

// OnInit advances immediately.
func (DefaultExtension) OnInit(te *env.Env) { te.OnInitDone(nil) }

// OnStart advances immediately.
func (DefaultExtension) OnStart(te *env.Env) { te.OnStartDone(nil) }

// OnStop advances immediately.
func (DefaultExtension) OnStop(te *env.Env) { te.OnStopDone(nil) }

// OnDeinit advances immediately.
func (DefaultExtension) OnDeinit(te *env.Env) { _ = te.OnDeinitDone(nil) }

// OnCmd answers unhandled commands with an error result.
func (DefaultExtension) OnCmd(te *env.Env, cmd *message.Msg) {
	result, err := message.NewCmdResult(message.StatusError, cmd)
	if err != nil {
		return
	}
	result.SetProp("detail", "unhandled command: "+cmd.Name())
	_ = te.ReturnResult(result)
}

// OnData drops the message.
func (DefaultExtension) OnData(*env.Env, *message.Msg) {}

// OnAudioFrame drops the frame.
func (DefaultExtension) OnAudioFrame(*env.Env, *message.Msg) {}

// OnVideoFrame drops the frame.
func (DefaultExtension) OnVideoFrame(*env.Env, *message.Msg) {}
