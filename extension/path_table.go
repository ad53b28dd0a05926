package extension

import (
	"fmt"

	"github.com/c360/extmesh/affinity"
	"github.com/c360/extmesh/env"
	"github.com/c360/extmesh/errors"
)

// PathTable maps an extension's outstanding command ids to the handlers that
// will receive their results. Entries never disappear silently: either a
// result arrives and consumes the entry, or CancelAll sweeps it with an error
// when the extension stops.
//
// The table belongs to its extension's thread. Its affinity tag is inherited
// from the thread when created extensions are promoted onto it.
type PathTable struct {
	tag     affinity.Tag
	entries map[string]env.ResultHandler
	order   []string // insertion order, for deterministic cancellation
}

// NewPathTable creates an empty table with an unset affinity tag.
func NewPathTable() *PathTable {
	return &PathTable{entries: make(map[string]env.ResultHandler)}
}

// Tag exposes the affinity tag for inheritance at thread hand-off.
func (p *PathTable) Tag() *affinity.Tag { return &p.tag }

// Add records a pending command. Duplicate ids are rejected: a command has
// exactly one ultimate result.
func (p *PathTable) Add(cmdID string, h env.ResultHandler) error {
	p.tag.MustCheck("path table")
	if cmdID == "" || h == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "PathTable", "Add", "argument check")
	}
	if _, exists := p.entries[cmdID]; exists {
		return errors.WrapInvalid(errors.ErrDuplicateResult, "PathTable", "Add",
			fmt.Sprintf("command %s", cmdID))
	}
	p.entries[cmdID] = h
	p.order = append(p.order, cmdID)
	return nil
}

// Take removes and returns the handler for a command id.
func (p *PathTable) Take(cmdID string) (env.ResultHandler, bool) {
	p.tag.MustCheck("path table")
	h, ok := p.entries[cmdID]
	if ok {
		delete(p.entries, cmdID)
	}
	return h, ok
}

// Len reports the number of outstanding commands.
func (p *PathTable) Len() int {
	p.tag.MustCheck("path table")
	return len(p.entries)
}

// CancelAll removes every entry and returns the handlers in insertion order.
// The caller invokes each with a nil result and an error.
func (p *PathTable) CancelAll() []env.ResultHandler {
	p.tag.MustCheck("path table")

	var handlers []env.ResultHandler
	for _, id := range p.order {
		if h, ok := p.entries[id]; ok {
			handlers = append(handlers, h)
			delete(p.entries, id)
		}
	}
	p.order = nil
	return handlers
}
