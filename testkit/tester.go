// Package testkit provides the extension test harness: it hosts one
// extension in a throwaway single-node graph inside an in-process app, sends
// it messages, and reports a TIMEOUT status when a command outlives the
// harness window.
package testkit

import (
	"log/slog"
	"time"

	"github.com/c360/extmesh/app"
	"github.com/c360/extmesh/builtin"
	"github.com/c360/extmesh/errors"
	"github.com/c360/extmesh/extension"
	"github.com/c360/extmesh/message"
)

// TestExtensionName is the instance name the harness gives the extension
// under test.
const TestExtensionName = "test_extension"

// testAddonName is the addon name the harness registers the constructor
// under.
const testAddonName = "test_extension_addon"

// DefaultTimeout bounds harness waits when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// Tester drives one extension under test.
type Tester struct {
	create  func() extension.Extension
	timeout time.Duration
	logger  *slog.Logger
	manual  []string

	app     *app.App
	graphID string
}

// Option configures a Tester.
type Option func(*Tester)

// WithTimeout sets the harness wait window.
func WithTimeout(d time.Duration) Option {
	return func(t *Tester) { t.timeout = d }
}

// WithLogger routes harness logs.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tester) { t.logger = l }
}

// WithManualTrigger gates the named lifecycle stages of the extension under
// test on TRIGGER_LIFE_CYCLE commands.
func WithManualTrigger(stages ...string) Option {
	return func(t *Tester) { t.manual = stages }
}

// New creates a tester for extensions produced by create.
func New(create func() extension.Extension, opts ...Option) *Tester {
	t := &Tester{
		create:  create,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start brings up an in-process app running a graph with only the extension
// under test.
func (t *Tester) Start() error {
	t.app = app.New(app.Config{
		Logger:     t.logger,
		CmdTimeout: t.timeout,
	})
	if err := t.app.Start(); err != nil {
		return err
	}
	if err := builtin.Register(t.app.AddonManager()); err != nil {
		return err
	}
	if err := extension.RegisterAddon(t.app.AddonManager(), testAddonName, t.create); err != nil {
		return err
	}

	start, err := message.NewControlCmd(message.KindStartGraph)
	if err != nil {
		return err
	}
	start.SetProp("graph_json", t.graphJSON())

	result, err := t.submitAndWait(start)
	if err != nil {
		return err
	}
	if result.Status() != message.StatusOK {
		return errors.WrapInvalid(
			errors.ErrInvalidConfig, "Tester", "Start", "graph rejected: "+result.PropString("detail", ""))
	}
	t.graphID = result.PropString("graph_id", "")
	return nil
}

func (t *Tester) graphJSON() string {
	manual := ""
	if len(t.manual) > 0 {
		entries := ""
		for _, stage := range t.manual {
			if entries != "" {
				entries += ","
			}
			entries += `{"stage":"` + stage + `"}`
		}
		manual = `,"property":{"extmesh":{"manual_trigger_life_cycle":[` + entries + `]}}`
	}
	return `{"nodes":[{"type":"extension","name":"` + TestExtensionName +
		`","addon":"` + testAddonName + `"` + manual + `}]}`
}

// SendCmd sends a command to the extension under test and waits for its
// result. When no result arrives inside the harness window, the returned
// result carries the TIMEOUT status.
func (t *Tester) SendCmd(cmd *message.Msg) (*message.Msg, error) {
	cmd.SetDest(message.Loc{GraphID: t.graphID, Extension: TestExtensionName})
	return t.submitAndWait(cmd)
}

// TriggerLifeCycle sends a TRIGGER_LIFE_CYCLE command for the given stage.
func (t *Tester) TriggerLifeCycle(stage string) (*message.Msg, error) {
	trigger, err := message.NewControlCmd(message.KindTriggerLifeCycle)
	if err != nil {
		return nil, err
	}
	trigger.SetProp("stage", stage)
	trigger.SetDest(message.Loc{GraphID: t.graphID, Extension: TestExtensionName})
	return t.submitAndWait(trigger)
}

// SendData sends a one-way data message to the extension under test.
func (t *Tester) SendData(data *message.Msg) error {
	data.SetDest(message.Loc{GraphID: t.graphID, Extension: TestExtensionName})
	return t.app.Submit(data, nil)
}

// submitAndWait delivers a command and blocks for its single result, with
// the harness window as a backstop.
func (t *Tester) submitAndWait(cmd *message.Msg) (*message.Msg, error) {
	results := make(chan *message.Msg, 1)
	if err := t.app.Submit(cmd, func(result *message.Msg) {
		select {
		case results <- result:
		default:
		}
	}); err != nil {
		return nil, err
	}

	select {
	case result := <-results:
		return result, nil
	case <-time.After(t.timeout):
		result := message.SynthesizeResult(cmd.ID(), message.StatusTimeout)
		result.SetProp("detail", "harness timeout")
		return result, nil
	}
}

// Stop tears the graph and the app down, waiting for a clean exit.
func (t *Tester) Stop() {
	if t.app == nil {
		return
	}
	t.app.Close()
	t.app.Wait()
}
