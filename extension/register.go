package extension

import (
	"github.com/c360/extmesh/addon"
	"github.com/c360/extmesh/env"
)

// constructorAddon adapts an extension constructor into an addon factory.
type constructorAddon struct {
	create func() Extension
}

// OnConfigure implements addon.Addon.
func (constructorAddon) OnConfigure(*env.Env) {}

// OnCreateInstance implements addon.Addon.
func (a constructorAddon) OnCreateInstance(te *env.Env, _ string, token any) {
	te.OnCreateInstanceDone(a.create(), token, nil)
}

// OnDestroyInstance implements addon.Addon.
func (constructorAddon) OnDestroyInstance(te *env.Env, _ any, token any) {
	te.OnCreateInstanceDone(nil, token, nil)
}

// OnDestroy implements addon.Addon.
func (constructorAddon) OnDestroy(*env.Env) {}

// RegisterAddon registers an extension constructor under the given addon
// name. Each instance request gets a fresh extension.
func RegisterAddon(m *addon.Manager, name string, create func() Extension) error {
	return m.RegisterAddon(addon.TypeExtension, name,
		func(_ *addon.Registration, done func(addon.Addon, error)) {
			done(&constructorAddon{create: create}, nil)
		})
}
