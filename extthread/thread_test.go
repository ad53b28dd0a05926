package extthread_test

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/extmesh/addon"
	"github.com/c360/extmesh/env"
	"github.com/c360/extmesh/extension"
	"github.com/c360/extmesh/extthread"
	"github.com/c360/extmesh/message"
	"github.com/c360/extmesh/runloop"
)

// fakeEngine satisfies extthread.EngineContext with a live runloop.
type fakeEngine struct {
	loop      *runloop.Runloop
	forwarded chan *message.Msg
	closed    chan *extthread.Thread
}

func newFakeEngine() *fakeEngine {
	e := &fakeEngine{
		loop:      runloop.New(),
		forwarded: make(chan *message.Msg, 16),
		closed:    make(chan *extthread.Thread, 1),
	}
	go e.loop.Run()
	return e
}

func (e *fakeEngine) Runloop() *runloop.Runloop { return e.loop }
func (e *fakeEngine) AppURI() string            { return "msgpack://test:1/" }
func (e *fakeEngine) GraphID() string           { return "g1" }
func (e *fakeEngine) GraphName() string         { return "test-graph" }

func (e *fakeEngine) OnExtensionsCreated(t *extthread.Thread) {
	_ = t.StartLifecycles()
}

func (e *fakeEngine) OnExtensionThreadClosed(t *extthread.Thread) {
	t.Join()
	e.closed <- t
}

func (e *fakeEngine) ForwardMessage(m *message.Msg) {
	e.forwarded <- m
}

// echoExtension answers every command with OK and a detail property.
type echoExtension struct {
	extension.DefaultExtension

	mu       sync.Mutex
	received []*message.Msg
}

func (x *echoExtension) OnCmd(te *env.Env, cmd *message.Msg) {
	x.mu.Lock()
	x.received = append(x.received, cmd)
	x.mu.Unlock()

	result, err := message.NewCmdResult(message.StatusOK, cmd)
	if err != nil {
		return
	}
	result.SetProp("detail", "echo:"+cmd.Name())
	_ = te.ReturnResult(result)
}

func (x *echoExtension) OnData(_ *env.Env, data *message.Msg) {
	x.mu.Lock()
	x.received = append(x.received, data)
	x.mu.Unlock()
}

func (x *echoExtension) names() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]string, len(x.received))
	for i, m := range x.received {
		out[i] = m.Name()
	}
	return out
}

func testLogger() *slog.Logger { return slog.Default() }

func startThread(t *testing.T, eng *fakeEngine, mgr *addon.Manager, specs []extthread.ExtensionSpec) *extthread.Thread {
	t.Helper()

	group := extension.NewGroup("test_group", nil)
	th := extthread.New(eng, group, mgr, testLogger())
	th.Start()
	require.NoError(t, th.CreateExtensions(specs))
	return th
}

func clientCmd(name, dest string) *message.Msg {
	cmd := message.NewCmd(name)
	cmd.SetSrc(message.Loc{AppURI: "msgpack://client:9/"})
	cmd.SetDest(message.Loc{Extension: dest})
	return cmd
}

func waitResult(t *testing.T, eng *fakeEngine) *message.Msg {
	t.Helper()
	select {
	case m := <-eng.forwarded:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("no message reached the engine")
		return nil
	}
}

func waitClosed(t *testing.T, eng *fakeEngine) {
	t.Helper()
	select {
	case <-eng.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("thread never reported closed")
	}
}

func TestRoundTripThroughThread(t *testing.T) {
	eng := newFakeEngine()
	defer eng.loop.Stop()
	mgr := addon.NewManager(eng.loop, testLogger())

	x := &echoExtension{}
	require.NoError(t, extension.RegisterAddon(mgr, "echo_addon", func() extension.Extension { return x }))

	th := startThread(t, eng, mgr, []extthread.ExtensionSpec{
		{AddonName: "echo_addon", InstanceName: "echo"},
	})

	require.NoError(t, th.InMsg(clientCmd("hello_world", "echo")))

	result := waitResult(t, eng)
	assert.Equal(t, message.KindCmdResult, result.Kind())
	assert.Equal(t, message.StatusOK, result.Status())
	assert.Equal(t, "echo:hello_world", result.PropString("detail", ""))

	th.Close()
	waitClosed(t, eng)
}

func TestPendingMessagesFlushedInOrder(t *testing.T) {
	eng := newFakeEngine()
	defer eng.loop.Stop()
	mgr := addon.NewManager(eng.loop, testLogger())

	// A factory that parks creation until the test releases it, so messages
	// arrive while the thread is still CREATING_EXTENSIONS.
	gate := &gatedAddon{release: make(chan struct{}), ext: &echoExtension{}}
	require.NoError(t, mgr.RegisterAddon(addon.TypeExtension, "gated_addon",
		func(_ *addon.Registration, done func(addon.Addon, error)) {
			done(gate, nil)
		}))

	th := startThread(t, eng, mgr, []extthread.ExtensionSpec{
		{AddonName: "gated_addon", InstanceName: "echo"},
	})

	for _, name := range []string{"first", "second", "third"} {
		require.NoError(t, th.InMsg(clientCmd(name, "echo")))
	}

	close(gate.release)

	var details []string
	for i := 0; i < 3; i++ {
		details = append(details, waitResult(t, eng).PropString("detail", ""))
	}
	assert.Equal(t, []string{"echo:first", "echo:second", "echo:third"}, details)
	assert.Equal(t, []string{"first", "second", "third"}, gate.ext.names())

	th.Close()
	waitClosed(t, eng)
}

// gatedAddon completes instance creation only after release is closed.
type gatedAddon struct {
	release chan struct{}
	ext     *echoExtension
}

func (a *gatedAddon) OnConfigure(*env.Env) {}

func (a *gatedAddon) OnCreateInstance(te *env.Env, _ string, token any) {
	go func() {
		<-a.release
		te.OnCreateInstanceDone(a.ext, token, nil)
	}()
}

func (a *gatedAddon) OnDestroyInstance(te *env.Env, _ any, token any) {
	te.OnCreateInstanceDone(nil, token, nil)
}

func (a *gatedAddon) OnDestroy(*env.Env) {}

func TestCloseWhileCreatingSkipsNormal(t *testing.T) {
	eng := newFakeEngine()
	defer eng.loop.Stop()
	mgr := addon.NewManager(eng.loop, testLogger())

	gate := &gatedAddon{release: make(chan struct{}), ext: &echoExtension{}}
	require.NoError(t, mgr.RegisterAddon(addon.TypeExtension, "gated_addon",
		func(_ *addon.Registration, done func(addon.Addon, error)) {
			done(gate, nil)
		}))

	th := startThread(t, eng, mgr, []extthread.ExtensionSpec{
		{AddonName: "gated_addon", InstanceName: "echo"},
	})

	// Close before any instance finished creating.
	th.Close()

	// Nothing happens until the create-done callback reports back; then the
	// thread folds up without entering NORMAL.
	close(gate.release)
	waitClosed(t, eng)

	// The engine was never asked to start lifecycles, so no stray messages.
	select {
	case m := <-eng.forwarded:
		t.Fatalf("unexpected message after close-under-create: %v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRouteFailedForUnknownExtension(t *testing.T) {
	eng := newFakeEngine()
	defer eng.loop.Stop()
	mgr := addon.NewManager(eng.loop, testLogger())

	require.NoError(t, extension.RegisterAddon(mgr, "echo_addon",
		func() extension.Extension { return &echoExtension{} }))

	th := startThread(t, eng, mgr, []extthread.ExtensionSpec{
		{AddonName: "echo_addon", InstanceName: "echo"},
	})

	require.NoError(t, th.InMsg(clientCmd("hello", "ghost")))

	result := waitResult(t, eng)
	assert.Equal(t, message.KindCmdResult, result.Kind())
	assert.Equal(t, message.StatusRouteFailed, result.Status())

	th.Close()
	waitClosed(t, eng)
}

// slowStartExtension never finishes on_start until released.
type slowStartExtension struct {
	extension.DefaultExtension
	startedEnv chan *env.Env
}

func (x *slowStartExtension) OnStart(te *env.Env) {
	// Park: OnStartDone is called by the test through the captured env.
	x.startedEnv <- te
}

func TestMessagesQueueUntilStartDone(t *testing.T) {
	eng := newFakeEngine()
	defer eng.loop.Stop()
	mgr := addon.NewManager(eng.loop, testLogger())

	slow := &slowStartExtension{startedEnv: make(chan *env.Env, 1)}
	require.NoError(t, extension.RegisterAddon(mgr, "slow_addon",
		func() extension.Extension { return slow }))

	th := startThread(t, eng, mgr, []extthread.ExtensionSpec{
		{AddonName: "slow_addon", InstanceName: "slow"},
	})

	te := <-slow.startedEnv

	// The extension is mid-start: commands must queue, not error.
	require.NoError(t, th.InMsg(clientCmd("early", "slow")))

	select {
	case m := <-eng.forwarded:
		t.Fatalf("message should have queued, got %v", m)
	case <-time.After(100 * time.Millisecond):
	}

	// Finish on_start from the owning goroutine.
	require.NoError(t, th.Runloop().PostTaskTail(func() {
		te.OnStartDone(nil)
	}))

	result := waitResult(t, eng)
	// DefaultExtension answers queued commands once running.
	assert.Equal(t, message.StatusError, result.Status())
	assert.Contains(t, result.PropString("detail", ""), "unhandled command")

	th.Close()
	waitClosed(t, eng)
}

func TestManualTriggerGatesStart(t *testing.T) {
	eng := newFakeEngine()
	defer eng.loop.Stop()
	mgr := addon.NewManager(eng.loop, testLogger())

	require.NoError(t, extension.RegisterAddon(mgr, "echo_addon",
		func() extension.Extension { return &echoExtension{} }))

	th := startThread(t, eng, mgr, []extthread.ExtensionSpec{
		{
			AddonName:    "echo_addon",
			InstanceName: "echo",
			ManualStages: map[string]bool{"start": true},
		},
	})

	// Give the lifecycle a moment to park at the start gate, then probe.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, th.InMsg(clientCmd("test", "echo")))

	result := waitResult(t, eng)
	assert.Equal(t, message.StatusError, result.Status())
	assert.Equal(t, "not started", result.PropString("detail", ""))

	// Trigger the start stage; its result arrives after start_done.
	trigger, err := message.NewControlCmd(message.KindTriggerLifeCycle)
	require.NoError(t, err)
	trigger.SetProp("stage", "start")
	trigger.SetSrc(message.Loc{AppURI: "msgpack://client:9/"})
	trigger.SetDest(message.Loc{Extension: "echo"})
	require.NoError(t, th.InMsg(trigger))

	triggerResult := waitResult(t, eng)
	assert.Equal(t, message.StatusOK, triggerResult.Status())
	assert.Equal(t, trigger.ID(), triggerResult.OrigCmdID())

	// Now the extension answers.
	require.NoError(t, th.InMsg(clientCmd("test", "echo")))
	result = waitResult(t, eng)
	assert.Equal(t, message.StatusOK, result.Status())

	th.Close()
	waitClosed(t, eng)
}

func TestUnknownTriggerStageRejected(t *testing.T) {
	eng := newFakeEngine()
	defer eng.loop.Stop()
	mgr := addon.NewManager(eng.loop, testLogger())

	require.NoError(t, extension.RegisterAddon(mgr, "echo_addon",
		func() extension.Extension { return &echoExtension{} }))

	th := startThread(t, eng, mgr, []extthread.ExtensionSpec{
		{AddonName: "echo_addon", InstanceName: "echo"},
	})

	trigger, err := message.NewControlCmd(message.KindTriggerLifeCycle)
	require.NoError(t, err)
	trigger.SetProp("stage", "reboot")
	trigger.SetSrc(message.Loc{AppURI: "msgpack://client:9/"})
	trigger.SetDest(message.Loc{Extension: "echo"})
	require.NoError(t, th.InMsg(trigger))

	result := waitResult(t, eng)
	assert.Equal(t, message.StatusError, result.Status())

	th.Close()
	waitClosed(t, eng)
}

// senderExtension fires a command at a peer on start and records the result.
type senderExtension struct {
	extension.DefaultExtension
	peer    string
	results chan *message.Msg
	errs    chan error
}

func (x *senderExtension) OnStart(te *env.Env) {
	cmd := message.NewCmd("ping")
	cmd.SetDest(message.Loc{Extension: x.peer})
	err := te.SendCmd(cmd, func(_ *env.Env, result *message.Msg, herr error) {
		if herr != nil {
			x.errs <- herr
			return
		}
		x.results <- result
	})
	if err != nil {
		x.errs <- err
	}
	te.OnStartDone(nil)
}

func TestExtensionToExtensionWithinThread(t *testing.T) {
	eng := newFakeEngine()
	defer eng.loop.Stop()
	mgr := addon.NewManager(eng.loop, testLogger())

	sender := &senderExtension{peer: "echo", results: make(chan *message.Msg, 1), errs: make(chan error, 1)}
	require.NoError(t, extension.RegisterAddon(mgr, "echo_addon",
		func() extension.Extension { return &echoExtension{} }))
	require.NoError(t, extension.RegisterAddon(mgr, "sender_addon",
		func() extension.Extension { return sender }))

	th := startThread(t, eng, mgr, []extthread.ExtensionSpec{
		{AddonName: "echo_addon", InstanceName: "echo"},
		{AddonName: "sender_addon", InstanceName: "sender"},
	})

	select {
	case result := <-sender.results:
		assert.Equal(t, message.StatusOK, result.Status())
		assert.Equal(t, "echo:ping", result.PropString("detail", ""))
	case err := <-sender.errs:
		t.Fatalf("send failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("sender never received a result")
	}

	th.Close()
	waitClosed(t, eng)
}

// hangExtension sends a command that will never be answered, so the close
// flow must cancel the path table entry.
type hangExtension struct {
	extension.DefaultExtension
	cancelErr chan error
}

func (x *hangExtension) OnStart(te *env.Env) {
	cmd := message.NewCmd("never_answered")
	cmd.SetDest(message.Loc{Extension: "blackhole"})
	_ = te.SendCmd(cmd, func(_ *env.Env, _ *message.Msg, herr error) {
		x.cancelErr <- herr
	})
	te.OnStartDone(nil)
}

// blackholeExtension swallows commands without answering.
type blackholeExtension struct {
	extension.DefaultExtension
}

func (blackholeExtension) OnCmd(*env.Env, *message.Msg) {}

func TestPathTableCancelledOnStop(t *testing.T) {
	eng := newFakeEngine()
	defer eng.loop.Stop()
	mgr := addon.NewManager(eng.loop, testLogger())

	hang := &hangExtension{cancelErr: make(chan error, 1)}
	require.NoError(t, extension.RegisterAddon(mgr, "hang_addon",
		func() extension.Extension { return hang }))
	require.NoError(t, extension.RegisterAddon(mgr, "blackhole_addon",
		func() extension.Extension { return blackholeExtension{} }))

	th := startThread(t, eng, mgr, []extthread.ExtensionSpec{
		{AddonName: "hang_addon", InstanceName: "hang"},
		{AddonName: "blackhole_addon", InstanceName: "blackhole"},
	})

	// Let the command get stuck, then close.
	time.Sleep(100 * time.Millisecond)
	th.Close()

	select {
	case err := <-hang.cancelErr:
		require.Error(t, err, "pending command must be cancelled with an error")
	case <-time.After(3 * time.Second):
		t.Fatal("path table entry leaked through close")
	}

	waitClosed(t, eng)
}
