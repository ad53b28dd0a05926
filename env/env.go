// Package env provides the capability handle a runtime object (app, engine,
// extension, extension group, addon, addon loader) uses to interact with the
// runtime from its home goroutine, plus the thread-safe proxy other
// goroutines use to schedule work onto that home goroutine.
package env

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/extmesh/affinity"
	"github.com/c360/extmesh/errors"
	"github.com/c360/extmesh/message"
	"github.com/c360/extmesh/runloop"
)

// AttachTo tags what an environment handle is attached to. Every call site
// that cares already branches on the variant, so this is a tagged union
// rather than an interface hierarchy.
type AttachTo int

const (
	// AttachApp marks a handle owned by the app.
	AttachApp AttachTo = iota
	// AttachEngine marks a handle owned by an engine.
	AttachEngine
	// AttachExtension marks a handle owned by an extension.
	AttachExtension
	// AttachExtensionGroup marks a handle owned by an extension group.
	AttachExtensionGroup
	// AttachAddon marks a handle owned by an addon factory.
	AttachAddon
	// AttachAddonLoader marks a handle owned by an addon loader.
	AttachAddonLoader
)

// String names the attach variant for diagnostics.
func (a AttachTo) String() string {
	switch a {
	case AttachApp:
		return "app"
	case AttachEngine:
		return "engine"
	case AttachExtension:
		return "extension"
	case AttachExtensionGroup:
		return "extension_group"
	case AttachAddon:
		return "addon"
	case AttachAddonLoader:
		return "addon_loader"
	default:
		return "unknown"
	}
}

// Stage names an extension lifecycle stage.
type Stage int

const (
	// StageConfigure is on_configure.
	StageConfigure Stage = iota
	// StageInit is on_init.
	StageInit
	// StageStart is on_start.
	StageStart
	// StageStop is on_stop.
	StageStop
	// StageDeinit is on_deinit.
	StageDeinit
)

// String returns the stage name as it appears in graph properties.
func (s Stage) String() string {
	switch s {
	case StageConfigure:
		return "configure"
	case StageInit:
		return "init"
	case StageStart:
		return "start"
	case StageStop:
		return "stop"
	case StageDeinit:
		return "deinit"
	default:
		return "unknown"
	}
}

// ParseStage maps a stage name from graph properties to a Stage.
func ParseStage(name string) (Stage, error) {
	switch name {
	case "configure":
		return StageConfigure, nil
	case "init":
		return StageInit, nil
	case "start":
		return StageStart, nil
	case "stop":
		return StageStop, nil
	case "deinit":
		return StageDeinit, nil
	default:
		return 0, errors.WrapInvalid(
			fmt.Errorf("stage %q", name), "Env", "ParseStage", "stage name lookup")
	}
}

// ResultHandler receives the result of a command sent through an Env. It runs
// on the sender's home goroutine.
type ResultHandler func(te *Env, result *message.Msg, err error)

// Dispatcher is the runtime object behind a handle. The extension thread
// implements it for extensions and groups; the engine and app implement it
// for their own handles.
type Dispatcher interface {
	// Runloop returns the owner's runloop. Fixed for the handle's lifetime.
	Runloop() *runloop.Runloop

	// DispatchOutbound routes a message sent from this handle. For commands
	// the handler is recorded in the sender's path table before routing.
	DispatchOutbound(from *Env, m *message.Msg, h ResultHandler) error

	// ReturnResult delivers a result for an inbound command back toward the
	// original sender.
	ReturnResult(from *Env, result *message.Msg) error

	// StageDone is the owner's sole permitted way to advance its lifecycle.
	StageDone(from *Env, stage Stage, err error)

	// CreateInstanceDone completes an addon instance-creation handshake. The
	// token is the addon context that initiated the request.
	CreateInstanceDone(from *Env, instance any, token any, err error)
}

// Env is the environment handle. One per owner. Operations assert they run on
// the owner's home goroutine; logging is deliberately thread-free because
// addons have no home goroutine during registration.
type Env struct {
	attach     AttachTo
	ownerName  string
	dispatcher Dispatcher
	logger     *slog.Logger
	tag        affinity.Tag

	mu      sync.Mutex
	proxies map[*Proxy]struct{}
}

// New creates a handle attached to the given owner. The affinity tag stays
// unset until Latch is called on the owning goroutine.
func New(attach AttachTo, ownerName string, d Dispatcher, logger *slog.Logger) *Env {
	if logger == nil {
		logger = slog.Default()
	}
	return &Env{
		attach:     attach,
		ownerName:  ownerName,
		dispatcher: d,
		logger:     logger.With("env", attach.String(), "owner", ownerName),
		proxies:    make(map[*Proxy]struct{}),
	}
}

// Attach returns the tagged variant of the handle.
func (e *Env) Attach() AttachTo { return e.attach }

// OwnerName returns the owner's name for diagnostics.
func (e *Env) OwnerName() string { return e.ownerName }

// Tag exposes the affinity tag so a spawning goroutine can inherit ownership
// during thread hand-off.
func (e *Env) Tag() *affinity.Tag { return &e.tag }

// Logger returns the structured logger. Callable from any goroutine.
func (e *Env) Logger() *slog.Logger { return e.logger }

// Runloop returns the owner's runloop.
func (e *Env) Runloop() *runloop.Runloop { return e.dispatcher.Runloop() }

// SendCmd sends a command from the owner. The handler, if non-nil, is invoked
// on this goroutine with the command's sole ultimate result. Must be called
// on the home goroutine.
func (e *Env) SendCmd(cmd *message.Msg, h ResultHandler) error {
	e.tag.MustCheck("env:" + e.ownerName)
	if cmd == nil || cmd.Kind() != message.KindCmd {
		return errors.WrapInvalid(errors.ErrInvalidData, "Env", "SendCmd", "command check")
	}
	return e.dispatcher.DispatchOutbound(e, cmd, h)
}

// SendData sends a one-way data message. Must be called on the home goroutine.
func (e *Env) SendData(m *message.Msg) error {
	e.tag.MustCheck("env:" + e.ownerName)
	if m == nil || m.Kind() != message.KindData {
		return errors.WrapInvalid(errors.ErrInvalidData, "Env", "SendData", "data check")
	}
	return e.dispatcher.DispatchOutbound(e, m, nil)
}

// SendAudioFrame sends an audio frame. Must be called on the home goroutine.
func (e *Env) SendAudioFrame(m *message.Msg) error {
	e.tag.MustCheck("env:" + e.ownerName)
	if m == nil || m.Kind() != message.KindAudioFrame {
		return errors.WrapInvalid(errors.ErrInvalidData, "Env", "SendAudioFrame", "frame check")
	}
	return e.dispatcher.DispatchOutbound(e, m, nil)
}

// SendVideoFrame sends a video frame. Must be called on the home goroutine.
func (e *Env) SendVideoFrame(m *message.Msg) error {
	e.tag.MustCheck("env:" + e.ownerName)
	if m == nil || m.Kind() != message.KindVideoFrame {
		return errors.WrapInvalid(errors.ErrInvalidData, "Env", "SendVideoFrame", "frame check")
	}
	return e.dispatcher.DispatchOutbound(e, m, nil)
}

// ReturnResult answers an inbound command. Must be called on the home
// goroutine. The result is delivered on the original sender's home goroutine.
func (e *Env) ReturnResult(result *message.Msg) error {
	e.tag.MustCheck("env:" + e.ownerName)
	if result == nil || result.Kind() != message.KindCmdResult {
		return errors.WrapInvalid(errors.ErrInvalidData, "Env", "ReturnResult", "result check")
	}
	return e.dispatcher.ReturnResult(e, result)
}

// OnConfigureDone advances the owner past on_configure.
func (e *Env) OnConfigureDone(err error) {
	e.tag.MustCheck("env:" + e.ownerName)
	e.dispatcher.StageDone(e, StageConfigure, err)
}

// OnInitDone advances the owner past on_init.
func (e *Env) OnInitDone(err error) {
	e.tag.MustCheck("env:" + e.ownerName)
	e.dispatcher.StageDone(e, StageInit, err)
}

// OnStartDone advances the owner past on_start.
func (e *Env) OnStartDone(err error) {
	e.tag.MustCheck("env:" + e.ownerName)
	e.dispatcher.StageDone(e, StageStart, err)
}

// OnStopDone advances the owner past on_stop.
func (e *Env) OnStopDone(err error) {
	e.tag.MustCheck("env:" + e.ownerName)
	e.dispatcher.StageDone(e, StageStop, err)
}

// OnDeinitDone advances the owner past on_deinit. It fails while any proxy
// still has cross-thread holders; extra holders must Release first.
func (e *Env) OnDeinitDone(err error) error {
	e.tag.MustCheck("env:" + e.ownerName)
	if n := e.outstandingProxyHolders(); n > 0 {
		return errors.WrapInvalid(errors.ErrProxyOutstanding, "Env", "OnDeinitDone",
			fmt.Sprintf("%d extra proxy holders", n))
	}
	e.dispatcher.StageDone(e, StageDeinit, err)
	return nil
}

// OnCreateInstanceDone completes an addon factory's instance creation. The
// token is the addon context passed to OnCreateInstance.
func (e *Env) OnCreateInstanceDone(instance any, token any, err error) {
	e.tag.MustCheck("env:" + e.ownerName)
	e.dispatcher.CreateInstanceDone(e, instance, token, err)
}

// outstandingProxyHolders counts holders beyond each proxy's creator.
func (e *Env) outstandingProxyHolders() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	var extra int64
	for p := range e.proxies {
		if n := p.Refs(); n > 1 {
			extra += n - 1
		}
	}
	return extra
}

func (e *Env) attachProxy(p *Proxy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.proxies[p] = struct{}{}
}

func (e *Env) detachProxy(p *Proxy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.proxies, p)
}
