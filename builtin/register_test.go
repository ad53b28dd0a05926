package builtin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/extmesh/addon"
	"github.com/c360/extmesh/extension"
	"github.com/c360/extmesh/graph"
	"github.com/c360/extmesh/runloop"
)

func TestRegisterPublishesDefaultGroup(t *testing.T) {
	m := addon.NewManager(runloop.New(), nil)
	require.NoError(t, Register(m))

	_, ok := m.Store().Find(addon.TypeExtensionGroup, graph.DefaultGroupName)
	assert.True(t, ok)

	// The builtin set registers stateless factories, so re-registration is
	// idempotent.
	assert.NoError(t, Register(m))
}

func TestRegisterNilManager(t *testing.T) {
	assert.Error(t, Register(nil))
}

func TestDefaultGroupAddonCreatesGroups(t *testing.T) {
	m := addon.NewManager(runloop.New(), nil)
	require.NoError(t, Register(m))

	loop := runloop.New()
	go loop.Run()
	defer loop.Stop()

	got := make(chan any, 1)
	ctx := &addon.Context{
		AddonType:     addon.TypeExtensionGroup,
		AddonName:     graph.DefaultGroupName,
		InstanceName:  "group-1",
		Flow:          addon.FlowEngineCreateExtensionGroup,
		OwnerLoop:     loop,
		RequesterLoop: loop,
		Done: func(instance any, err error) {
			require.NoError(t, err)
			got <- instance
		},
	}
	require.NoError(t, m.CreateInstanceAsync(ctx))

	select {
	case instance := <-got:
		grp, ok := instance.(*extension.Group)
		require.True(t, ok)
		assert.Equal(t, "group-1", grp.Name())
	case <-time.After(2 * time.Second):
		t.Fatal("group creation never completed")
	}
}
