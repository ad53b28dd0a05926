package addon

import (
	"fmt"
	"log/slog"

	"github.com/c360/extmesh/env"
	"github.com/c360/extmesh/errors"
	"github.com/c360/extmesh/message"
	"github.com/c360/extmesh/runloop"
)

// Manager owns the addon store and drives the create/destroy handshakes. It
// acts as the environment dispatcher for addon handles: addon handles keep
// their affinity tag unset because factory callbacks run on whichever owner
// runloop the request's flow selects.
type Manager struct {
	store   *Store
	appLoop *runloop.Runloop
	logger  *slog.Logger
}

// NewManager creates a manager backed by a fresh store.
func NewManager(appLoop *runloop.Runloop, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   NewStore(),
		appLoop: appLoop,
		logger:  logger.With("component", "addon_manager"),
	}
}

// Store returns the underlying store for read-side lookups.
func (m *Manager) Store() *Store { return m.store }

// RegisterAddon runs the asynchronous registration protocol: fn receives the
// pending registration and a done callback, and the store entry is published
// when done is invoked. Most registrants complete synchronously, in which
// case the publish result is returned directly; a publish failure from a
// deferred done is logged.
func (m *Manager) RegisterAddon(typ Type, name string, fn RegisterFn) error {
	if name == "" || fn == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Manager", "RegisterAddon", "argument check")
	}

	reg := &Registration{Type: typ, Name: name}

	var syncErr error
	completed := false
	fn(reg, func(a Addon, err error) {
		if err != nil {
			syncErr = errors.Wrap(err, "Manager", "RegisterAddon", "registrant callback")
			completed = true
			return
		}
		if a == nil {
			syncErr = errors.WrapInvalid(errors.ErrInvalidData, "Manager", "RegisterAddon", "nil addon check")
			completed = true
			return
		}

		reg.addon = a
		reg.env = env.New(env.AttachAddon, name, m, m.logger)

		publishErr := m.store.publish(reg)
		if publishErr == nil {
			a.OnConfigure(reg.env)
			m.logger.Debug("addon registered", "type", typ.String(), "name", name)
		} else {
			m.logger.Error("addon publish failed", "type", typ.String(), "name", name, "error", publishErr)
		}
		syncErr = publishErr
		completed = true
	})

	if completed {
		return syncErr
	}
	return nil
}

// CreateInstanceAsync resolves (type, name) to a factory and posts the
// factory's OnCreateInstance onto the owner runloop selected by the
// context's flow. The completion callback reaches the requester through
// OnCreateInstanceDone.
func (m *Manager) CreateInstanceAsync(ctx *Context) error {
	if err := ctx.Validate(); err != nil {
		return err
	}

	reg, ok := m.store.Find(ctx.AddonType, ctx.AddonName)
	if !ok {
		return errors.WrapInvalid(errors.ErrAddonNotFound, "Manager", "CreateInstanceAsync",
			fmt.Sprintf("addon %s:%s", ctx.AddonType, ctx.AddonName))
	}

	return ctx.OwnerLoop.PostTaskTail(func() {
		reg.addon.OnCreateInstance(reg.env, ctx.InstanceName, ctx)
	})
}

// DestroyInstanceAsync posts the factory's OnDestroyInstance onto the owner
// runloop. The completion callback carries a nil instance.
func (m *Manager) DestroyInstanceAsync(ctx *Context, instance any) error {
	if err := ctx.Validate(); err != nil {
		return err
	}

	reg, ok := m.store.Find(ctx.AddonType, ctx.AddonName)
	if !ok {
		return errors.WrapInvalid(errors.ErrAddonNotFound, "Manager", "DestroyInstanceAsync",
			fmt.Sprintf("addon %s:%s", ctx.AddonType, ctx.AddonName))
	}

	return ctx.OwnerLoop.PostTaskTail(func() {
		reg.addon.OnDestroyInstance(reg.env, instance, ctx)
	})
}

// UnregisterAllAndCleanupAfterAppClose walks the store, invokes each
// factory's OnDestroy, and finally calls done once. No factory outlives the
// app. Runs on the app goroutine during close.
func (m *Manager) UnregisterAllAndCleanupAfterAppClose(done func()) {
	for _, reg := range m.store.drain() {
		reg.addon.OnDestroy(reg.env)
		m.logger.Debug("addon unregistered", "type", reg.Type.String(), "name", reg.Name)
	}
	if done != nil {
		done()
	}
}

// Runloop implements env.Dispatcher for addon handles.
func (m *Manager) Runloop() *runloop.Runloop { return m.appLoop }

// DispatchOutbound implements env.Dispatcher. Addon factories do not send
// messages.
func (m *Manager) DispatchOutbound(_ *env.Env, _ *message.Msg, _ env.ResultHandler) error {
	return errors.WrapInvalid(errors.ErrInvalidData, "Manager", "DispatchOutbound", "addon send check")
}

// ReturnResult implements env.Dispatcher. Addon factories do not answer
// commands.
func (m *Manager) ReturnResult(_ *env.Env, _ *message.Msg) error {
	return errors.WrapInvalid(errors.ErrInvalidData, "Manager", "ReturnResult", "addon result check")
}

// StageDone implements env.Dispatcher. Addons have no lifecycle stages.
func (m *Manager) StageDone(te *env.Env, stage env.Stage, _ error) {
	m.logger.Warn("unexpected stage-done from addon handle", "owner", te.OwnerName(), "stage", stage.String())
}

// CreateInstanceDone implements env.Dispatcher: it completes the handshake
// carried by the context token, posting the requester's callback onto the
// requester's runloop.
func (m *Manager) CreateInstanceDone(_ *env.Env, instance any, token any, err error) {
	ctx, ok := token.(*Context)
	if !ok || ctx == nil {
		panic("addon create-instance completion without its context")
	}
	if postErr := ctx.complete(instance, err); postErr != nil {
		m.logger.Error("instance completion could not reach requester",
			"addon", ctx.AddonName, "instance", ctx.InstanceName, "error", postErr)
	}
}
