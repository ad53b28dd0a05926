package extension

import (
	"github.com/c360/extmesh/affinity"
	"github.com/c360/extmesh/env"
)

// Group is a set of extensions co-located on one extension thread, together
// with the shared environment handle the group addon uses. One group per
// extension thread.
type Group struct {
	name    string
	members []string // extension instance names this group was asked to host
	tag     affinity.Tag
	env     *env.Env
}

// NewGroup creates a group for the named members.
func NewGroup(name string, members []string) *Group {
	return &Group{name: name, members: members}
}

// Name returns the group name.
func (g *Group) Name() string { return g.name }

// Members returns the extension instance names assigned to the group.
func (g *Group) Members() []string { return g.members }

// SetMembers records the instance names actually created on the group's
// thread. Called by the thread before it notifies the engine; the engine
// reads the list only after that notification.
func (g *Group) SetMembers(names []string) { g.members = names }

// Tag exposes the affinity tag for inheritance at thread hand-off.
func (g *Group) Tag() *affinity.Tag { return &g.tag }

// Env returns the group's environment handle.
func (g *Group) Env() *env.Env { return g.env }

// AttachEnv binds the group's environment handle. Called once by the thread.
func (g *Group) AttachEnv(e *env.Env) { g.env = e }
