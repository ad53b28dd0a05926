package addon

import (
	"github.com/c360/extmesh/errors"
	"github.com/c360/extmesh/runloop"
)

// Flow tags who needs the instance being created or destroyed. The flow
// selects the owner runloop the factory callback runs on.
type Flow int

const (
	// FlowAppCreateProtocol creates a protocol endpoint for the app.
	FlowAppCreateProtocol Flow = iota
	// FlowAppCreateAddonLoader creates an addon loader for the app.
	FlowAppCreateAddonLoader
	// FlowEngineCreateExtensionGroup creates a group for an engine.
	FlowEngineCreateExtensionGroup
	// FlowExtensionThreadCreateExtension creates an extension for a thread.
	FlowExtensionThreadCreateExtension
	// FlowExtensionThreadDestroyExtension destroys a thread's extension.
	FlowExtensionThreadDestroyExtension
)

// String names the flow for diagnostics.
func (f Flow) String() string {
	switch f {
	case FlowAppCreateProtocol:
		return "app_create_protocol"
	case FlowAppCreateAddonLoader:
		return "app_create_addon_loader"
	case FlowEngineCreateExtensionGroup:
		return "engine_create_extension_group"
	case FlowExtensionThreadCreateExtension:
		return "extension_thread_create_extension"
	case FlowExtensionThreadDestroyExtension:
		return "extension_thread_destroy_extension"
	default:
		return "unknown"
	}
}

// DoneFn receives the created instance (nil for destroy flows) on the
// requester's runloop.
type DoneFn func(instance any, err error)

// Context is the one-shot request object driving a create/destroy handshake.
// It is consumed once the handshake completes.
type Context struct {
	AddonType    Type
	AddonName    string
	InstanceName string
	Flow         Flow

	// OwnerLoop is where the factory callback runs, per Flow.
	OwnerLoop *runloop.Runloop
	// RequesterLoop is where Done is posted back.
	RequesterLoop *runloop.Runloop
	// Done completes the handshake.
	Done DoneFn

	// Target carries the requesting runtime object (extension thread, engine
	// or app) for the factory's benefit. Never dereferenced by the manager.
	Target any

	consumed bool
}

// Validate checks the request is complete enough to route.
func (c *Context) Validate() error {
	if c == nil || c.AddonName == "" || c.OwnerLoop == nil || c.RequesterLoop == nil || c.Done == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Context", "Validate", "field check")
	}
	return nil
}

// complete posts the done callback to the requester's runloop and consumes
// the context. A second completion is a programming error.
func (c *Context) complete(instance any, err error) error {
	if c.consumed {
		panic("addon context completed twice")
	}
	c.consumed = true
	return c.RequesterLoop.PostTaskTail(func() {
		c.Done(instance, err)
	})
}
