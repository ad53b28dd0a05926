// Package addon implements the process-wide registry of named factories and
// the asynchronous instance-creation protocol used during graph startup.
//
// An addon is a factory keyed by (type, name). Registration is asynchronous:
// the register callback completes by invoking its done function, at which
// point the store entry is published. Instance creation is a cross-thread
// handshake: the factory's OnCreateInstance runs on the owner runloop chosen
// by the request's flow tag, and the completion callback is posted back to
// the requester's runloop.
package addon

import (
	"github.com/c360/extmesh/env"
)

// Type classifies what an addon factory produces.
type Type int

const (
	// TypeExtension produces extensions.
	TypeExtension Type = iota
	// TypeExtensionGroup produces extension groups.
	TypeExtensionGroup
	// TypeProtocol produces wire protocol endpoints.
	TypeProtocol
	// TypeAddonLoader produces loaders for foreign-runtime addons.
	TypeAddonLoader
)

// String returns the registration API name of the type.
func (t Type) String() string {
	switch t {
	case TypeExtension:
		return "extension"
	case TypeExtensionGroup:
		return "extension_group"
	case TypeProtocol:
		return "protocol"
	case TypeAddonLoader:
		return "addon_loader"
	default:
		return "unknown"
	}
}

// ParseType maps a registration API type name to a Type.
func ParseType(s string) (Type, bool) {
	switch s {
	case "extension":
		return TypeExtension, true
	case "extension_group":
		return TypeExtensionGroup, true
	case "protocol":
		return TypeProtocol, true
	case "addon_loader":
		return TypeAddonLoader, true
	default:
		return 0, false
	}
}

// Addon is the factory object registered under (type, name). All callbacks
// run on the runloop selected by the request's flow tag.
type Addon interface {
	// OnConfigure runs once when the store publishes the registration.
	OnConfigure(te *env.Env)

	// OnCreateInstance creates an instance with the given name. The factory
	// must complete by calling te.OnCreateInstanceDone(instance, token, err);
	// it may do so asynchronously from a later task on the same runloop.
	OnCreateInstance(te *env.Env, instanceName string, token any)

	// OnDestroyInstance tears an instance down. The factory must complete by
	// calling te.OnCreateInstanceDone(nil, token, err).
	OnDestroyInstance(te *env.Env, instance any, token any)

	// OnDestroy runs when the store unregisters the factory at app close.
	OnDestroy(te *env.Env)
}

// RegisterFn performs asynchronous registration work and publishes the
// factory by invoking done. Registration fails if done reports an error.
type RegisterFn func(reg *Registration, done func(a Addon, err error))

// Registration is the store entry for one factory.
type Registration struct {
	Type Type
	Name string

	addon Addon
	env   *env.Env
}

// Instance returns the published factory.
func (r *Registration) Instance() Addon { return r.addon }

// Env returns the factory's environment handle. Addon handles keep their
// affinity tag unset, so they may be used from whichever runloop a request's
// flow selects; logging through them is thread-free.
func (r *Registration) Env() *env.Env { return r.env }
