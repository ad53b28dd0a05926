package addon

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/extmesh/env"
	"github.com/c360/extmesh/runloop"
)

// fakeAddon is a minimal factory used across the tests.
type fakeAddon struct {
	configured bool
	destroyed  bool
	createErr  error
}

func (f *fakeAddon) OnConfigure(_ *env.Env) { f.configured = true }

func (f *fakeAddon) OnCreateInstance(te *env.Env, instanceName string, token any) {
	if f.createErr != nil {
		te.OnCreateInstanceDone(nil, token, f.createErr)
		return
	}
	te.OnCreateInstanceDone("instance:"+instanceName, token, nil)
}

func (f *fakeAddon) OnDestroyInstance(te *env.Env, _ any, token any) {
	te.OnCreateInstanceDone(nil, token, nil)
}

func (f *fakeAddon) OnDestroy(_ *env.Env) { f.destroyed = true }

func registerFake(t *testing.T, m *Manager, name string, a *fakeAddon) {
	t.Helper()
	err := m.RegisterAddon(TypeExtension, name, func(_ *Registration, done func(Addon, error)) {
		done(a, nil)
	})
	require.NoError(t, err)
}

func TestRegisterPublishesAndConfigures(t *testing.T) {
	m := NewManager(runloop.New(), nil)
	a := &fakeAddon{}

	registerFake(t, m, "simple_echo", a)

	assert.True(t, a.configured)
	_, ok := m.Store().Find(TypeExtension, "simple_echo")
	assert.True(t, ok)
}

func TestRegisterIdempotentOnIdentical(t *testing.T) {
	m := NewManager(runloop.New(), nil)
	a := &fakeAddon{}

	registerFake(t, m, "dup", a)
	// Same factory object again: idempotent.
	registerFake(t, m, "dup", a)

	// Different factory under the same name: rejected.
	err := m.RegisterAddon(TypeExtension, "dup", func(_ *Registration, done func(Addon, error)) {
		done(&fakeAddon{}, nil)
	})
	require.Error(t, err)
}

func TestRegisterReportsRegistrantError(t *testing.T) {
	m := NewManager(runloop.New(), nil)

	err := m.RegisterAddon(TypeExtension, "broken", func(_ *Registration, done func(Addon, error)) {
		done(nil, errors.New("no factory"))
	})
	require.Error(t, err)

	_, ok := m.Store().Find(TypeExtension, "broken")
	assert.False(t, ok)
}

func TestCreateInstanceHandshake(t *testing.T) {
	appLoop := runloop.New()
	m := NewManager(appLoop, nil)
	registerFake(t, m, "worker", &fakeAddon{})

	ownerLoop := runloop.New()
	requesterLoop := runloop.New()
	go ownerLoop.Run()
	go requesterLoop.Run()
	defer ownerLoop.Stop()
	defer requesterLoop.Stop()

	got := make(chan any, 1)
	ctx := &Context{
		AddonType:     TypeExtension,
		AddonName:     "worker",
		InstanceName:  "worker-1",
		Flow:          FlowExtensionThreadCreateExtension,
		OwnerLoop:     ownerLoop,
		RequesterLoop: requesterLoop,
		Done: func(instance any, err error) {
			require.NoError(t, err)
			got <- instance
		},
	}

	require.NoError(t, m.CreateInstanceAsync(ctx))

	select {
	case instance := <-got:
		assert.Equal(t, "instance:worker-1", instance)
	case <-time.After(2 * time.Second):
		t.Fatal("create handshake never completed")
	}
}

func TestCreateInstanceUnknownAddon(t *testing.T) {
	m := NewManager(runloop.New(), nil)

	loop := runloop.New()
	ctx := &Context{
		AddonType:     TypeExtension,
		AddonName:     "missing",
		InstanceName:  "x",
		OwnerLoop:     loop,
		RequesterLoop: loop,
		Done:          func(any, error) {},
	}
	err := m.CreateInstanceAsync(ctx)
	require.Error(t, err)
}

func TestCreateInstanceFactoryError(t *testing.T) {
	m := NewManager(runloop.New(), nil)
	registerFake(t, m, "flaky", &fakeAddon{createErr: errors.New("nope")})

	loop := runloop.New()
	go loop.Run()
	defer loop.Stop()

	got := make(chan error, 1)
	ctx := &Context{
		AddonType:     TypeExtension,
		AddonName:     "flaky",
		InstanceName:  "f-1",
		OwnerLoop:     loop,
		RequesterLoop: loop,
		Done: func(instance any, err error) {
			assert.Nil(t, instance)
			got <- err
		},
	}
	require.NoError(t, m.CreateInstanceAsync(ctx))

	select {
	case err := <-got:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("factory error never delivered")
	}
}

func TestUnregisterAllInvokesDestroyOnce(t *testing.T) {
	m := NewManager(runloop.New(), nil)
	a := &fakeAddon{}
	b := &fakeAddon{}
	registerFake(t, m, "a", a)
	registerFake(t, m, "b", b)

	calls := 0
	m.UnregisterAllAndCleanupAfterAppClose(func() { calls++ })

	assert.True(t, a.destroyed)
	assert.True(t, b.destroyed)
	assert.Equal(t, 1, calls)
	assert.Empty(t, m.Store().Names(TypeExtension))
}

func TestParseType(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Type
		ok   bool
	}{
		{"extension", TypeExtension, true},
		{"extension_group", TypeExtensionGroup, true},
		{"protocol", TypeProtocol, true},
		{"addon_loader", TypeAddonLoader, true},
		{"widget", 0, false},
	} {
		got, ok := ParseType(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if ok {
			assert.Equal(t, tt.want, got, tt.in)
		}
	}
}
