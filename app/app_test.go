package app_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/extmesh/app"
	"github.com/c360/extmesh/builtin"
	"github.com/c360/extmesh/env"
	"github.com/c360/extmesh/extension"
	"github.com/c360/extmesh/message"
)

const (
	appAURI = "msgpack://127.0.0.1:18001/"
	appBURI = "msgpack://127.0.0.1:18088/"
)

// doublerExtension doubles the data property and forwards the command to its
// graph-configured destination, relaying the downstream result.
type doublerExtension struct {
	extension.DefaultExtension
}

func (doublerExtension) OnCmd(te *env.Env, cmd *message.Msg) {
	fwd := message.NewCmd("process")
	fwd.SetProp("data", cmd.PropInt("data", 0)*2)

	err := te.SendCmd(fwd, func(te2 *env.Env, downstream *message.Msg, herr error) {
		status := message.StatusError
		detail := ""
		value := 0
		if herr != nil {
			detail = herr.Error()
		} else {
			status = downstream.Status()
			value = downstream.PropInt("data", 0)
		}

		result, rerr := message.NewCmdResult(status, cmd)
		if rerr != nil {
			return
		}
		result.SetProp("data", value)
		if detail != "" {
			result.SetProp("detail", detail)
		}
		_ = te2.ReturnResult(result)
	})
	if err != nil {
		result, rerr := message.NewCmdResult(message.StatusError, cmd)
		if rerr != nil {
			return
		}
		result.SetProp("detail", err.Error())
		_ = te.ReturnResult(result)
	}
}

// squarerExtension squares the data property, answers, then spontaneously
// emits hello_world back through the graph.
type squarerExtension struct {
	extension.DefaultExtension
}

func (squarerExtension) OnCmd(te *env.Env, cmd *message.Msg) {
	v := cmd.PropInt("data", 0)

	result, err := message.NewCmdResult(message.StatusOK, cmd)
	if err != nil {
		return
	}
	result.SetProp("data", v*v)
	_ = te.ReturnResult(result)

	hello := message.NewCmd("hello_world")
	_ = te.SendCmd(hello, nil)
}

// greetedExtension records the hello_world commands reaching it.
type greetedExtension struct {
	extension.DefaultExtension
	hellos chan *message.Msg
}

func (x *greetedExtension) OnCmd(te *env.Env, cmd *message.Msg) {
	if cmd.Name() == "hello_world" {
		select {
		case x.hellos <- cmd:
		default:
		}
	}
	result, err := message.NewCmdResult(message.StatusOK, cmd)
	if err != nil {
		return
	}
	_ = te.ReturnResult(result)
}

const crossAppGraph = `{
  "name": "cross-app",
  "nodes": [
    {"type": "extension", "name": "tester", "addon": "greeted_addon", "app": "` + appAURI + `"},
    {"type": "extension", "name": "e1", "addon": "doubler_addon", "app": "` + appAURI + `"},
    {"type": "extension", "name": "e2", "addon": "squarer_addon", "app": "` + appBURI + `"}
  ],
  "connections": [
    {"app": "` + appAURI + `", "extension": "e1",
     "cmd": [{"name": "process", "dest": [{"app": "` + appBURI + `", "extension": "e2"}]}]},
    {"app": "` + appBURI + `", "extension": "e2",
     "cmd": [{"name": "hello_world", "dest": [{"app": "` + appAURI + `", "extension": "tester"}]}]}
  ]
}`

func startApp(t *testing.T, uri string) *app.App {
	t.Helper()

	a := app.New(app.Config{
		URI:        uri,
		Logger:     slog.Default(),
		CmdTimeout: 5 * time.Second,
	})
	require.NoError(t, a.Start())
	require.NoError(t, builtin.Register(a.AddonManager()))
	return a
}

func submit(t *testing.T, a *app.App, m *message.Msg, wait time.Duration) *message.Msg {
	t.Helper()

	results := make(chan *message.Msg, 1)
	require.NoError(t, a.Submit(m, func(result *message.Msg) {
		select {
		case results <- result:
		default:
		}
	}))

	select {
	case result := <-results:
		return result
	case <-time.After(wait):
		t.Fatal("no result from app")
		return nil
	}
}

func startGraph(t *testing.T, a *app.App, graphJSON, graphID string) string {
	t.Helper()

	start, err := message.NewControlCmd(message.KindStartGraph)
	require.NoError(t, err)
	start.SetProp("graph_json", graphJSON)
	if graphID != "" {
		start.SetProp("graph_id", graphID)
	}

	result := submit(t, a, start, 5*time.Second)
	require.Equal(t, message.StatusOK, result.Status(), result.PropString("detail", ""))
	return result.PropString("graph_id", "")
}

func TestStartAndStopGraph(t *testing.T) {
	a := startApp(t, "")
	defer func() {
		a.Close()
		a.Wait()
	}()

	require.NoError(t, extension.RegisterAddon(a.AddonManager(), "greeted_addon",
		func() extension.Extension { return &greetedExtension{hellos: make(chan *message.Msg, 1)} }))

	gid := startGraph(t, a, `{"nodes": [{"type": "extension", "name": "x", "addon": "greeted_addon"}]}`, "")
	require.NotEmpty(t, gid)

	stop, err := message.NewControlCmd(message.KindStopGraph)
	require.NoError(t, err)
	stop.SetProp("graph_id", gid)

	result := submit(t, a, stop, 5*time.Second)
	assert.Equal(t, message.StatusOK, result.Status())

	// The graph is gone: further commands fail to route.
	cmd := message.NewCmd("ping")
	cmd.SetDest(message.Loc{GraphID: gid, Extension: "x"})
	result = submit(t, a, cmd, 5*time.Second)
	assert.NotEqual(t, message.StatusOK, result.Status())
}

func TestStopUnknownGraphFails(t *testing.T) {
	a := startApp(t, "")
	defer func() {
		a.Close()
		a.Wait()
	}()

	stop, err := message.NewControlCmd(message.KindStopGraph)
	require.NoError(t, err)
	stop.SetProp("graph_id", "no-such-graph")

	result := submit(t, a, stop, 5*time.Second)
	assert.Equal(t, message.StatusError, result.Status())
}

func TestMalformedGraphRejected(t *testing.T) {
	a := startApp(t, "")
	defer func() {
		a.Close()
		a.Wait()
	}()

	start, err := message.NewControlCmd(message.KindStartGraph)
	require.NoError(t, err)
	start.SetProp("graph_json", `{"nodes": [{"name": "missing-type-and-addon"}]}`)

	result := submit(t, a, start, 5*time.Second)
	assert.Equal(t, message.StatusError, result.Status())
	assert.NotEmpty(t, result.PropString("detail", ""))
}

func TestCloseAppQuiescesEverything(t *testing.T) {
	a := startApp(t, "")

	require.NoError(t, extension.RegisterAddon(a.AddonManager(), "greeted_addon",
		func() extension.Extension { return &greetedExtension{hellos: make(chan *message.Msg, 1)} }))
	startGraph(t, a, `{"nodes": [{"type": "extension", "name": "x", "addon": "greeted_addon"}]}`, "")

	closeApp, err := message.NewControlCmd(message.KindCloseApp)
	require.NoError(t, err)

	result := submit(t, a, closeApp, 5*time.Second)
	assert.Equal(t, message.StatusOK, result.Status())

	done := make(chan struct{})
	go func() {
		a.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("app never finished closing")
	}
}

func TestCrossAppProcessPipeline(t *testing.T) {
	appA := startApp(t, appAURI)
	appB := startApp(t, appBURI)
	defer func() {
		appA.Close()
		appB.Close()
		appA.Wait()
		appB.Wait()
	}()

	greeted := &greetedExtension{hellos: make(chan *message.Msg, 1)}
	require.NoError(t, extension.RegisterAddon(appA.AddonManager(), "greeted_addon",
		func() extension.Extension { return greeted }))
	require.NoError(t, extension.RegisterAddon(appA.AddonManager(), "doubler_addon",
		func() extension.Extension { return doublerExtension{} }))
	require.NoError(t, extension.RegisterAddon(appB.AddonManager(), "squarer_addon",
		func() extension.Extension { return squarerExtension{} }))

	// Both apps must run the same graph under the same id.
	gid := "cross-app-test"
	startGraph(t, appA, crossAppGraph, gid)
	startGraph(t, appB, crossAppGraph, gid)

	cmd := message.NewCmd("process")
	cmd.SetProp("data", 3)
	cmd.SetDest(message.Loc{AppURI: appAURI, GraphID: gid, Extension: "e1"})

	result := submit(t, appA, cmd, 10*time.Second)
	require.Equal(t, message.StatusOK, result.Status(), result.PropString("detail", ""))
	// (3 * 2)^2
	assert.Equal(t, 36, result.PropInt("data", 0))

	// After answering, e2 spontaneously greets the tester on app A.
	select {
	case hello := <-greeted.hellos:
		assert.Equal(t, "hello_world", hello.Name())
	case <-time.After(10 * time.Second):
		t.Fatal("hello_world never arrived back at the tester")
	}
}
