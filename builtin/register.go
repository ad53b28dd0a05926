// Package builtin registers the addons every app carries: the default
// extension group factory the engine uses to create every extension group.
package builtin

import (
	"errors"

	"github.com/c360/extmesh/addon"
	"github.com/c360/extmesh/env"
	"github.com/c360/extmesh/extension"
	"github.com/c360/extmesh/graph"
	pkgerrors "github.com/c360/extmesh/errors"
)

// defaultGroupAddon produces bare extension groups.
type defaultGroupAddon struct{}

// OnConfigure implements addon.Addon.
func (defaultGroupAddon) OnConfigure(te *env.Env) {
	te.Logger().Debug("default extension group addon configured")
}

// OnCreateInstance implements addon.Addon.
func (defaultGroupAddon) OnCreateInstance(te *env.Env, instanceName string, token any) {
	te.OnCreateInstanceDone(extension.NewGroup(instanceName, nil), token, nil)
}

// OnDestroyInstance implements addon.Addon.
func (defaultGroupAddon) OnDestroyInstance(te *env.Env, _ any, token any) {
	te.OnCreateInstanceDone(nil, token, nil)
}

// OnDestroy implements addon.Addon.
func (defaultGroupAddon) OnDestroy(te *env.Env) {
	te.Logger().Debug("default extension group addon destroyed")
}

// Register registers the built-in addons with the app's manager.
func Register(m *addon.Manager) error {
	if m == nil {
		return pkgerrors.WrapFatal(
			errors.New("addon manager cannot be nil"),
			"Builtin", "Register", "manager validation")
	}

	err := m.RegisterAddon(addon.TypeExtensionGroup, graph.DefaultGroupName,
		func(_ *addon.Registration, done func(addon.Addon, error)) {
			done(defaultGroupAddon{}, nil)
		})
	if err != nil {
		return pkgerrors.WrapInvalid(err, "Builtin", "Register", "default extension group registration")
	}

	return nil
}
