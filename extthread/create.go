package extthread

import (
	"context"
	"encoding/json"

	"github.com/c360/extmesh/addon"
	"github.com/c360/extmesh/env"
	"github.com/c360/extmesh/extension"
	"github.com/c360/extmesh/logging"
)

// CreateExtensions asks the thread to create one instance per spec through
// the addon store. Callable from the engine goroutine; the work runs on the
// thread's runloop.
func (t *Thread) CreateExtensions(specs []ExtensionSpec) error {
	return t.loop.PostTaskTail(func() {
		t.createExtensionsTask(specs)
	})
}

func (t *Thread) createExtensionsTask(specs []ExtensionSpec) {
	t.tag.MustCheck("extension thread")

	if t.state != StateInit {
		panic("create_extensions in illegal extension thread state " + t.state.String())
	}
	t.setState(StateCreatingExtensions)

	t.specs = specs
	t.createsPending = len(specs)
	if t.createsPending == 0 {
		t.onAllExtensionsCreated()
		return
	}

	for i := range specs {
		spec := specs[i]
		ctx := &addon.Context{
			AddonType:     addon.TypeExtension,
			AddonName:     spec.AddonName,
			InstanceName:  spec.InstanceName,
			Flow:          addon.FlowExtensionThreadCreateExtension,
			OwnerLoop:     t.loop,
			RequesterLoop: t.loop,
			Target:        t,
			Done: func(instance any, err error) {
				t.onCreateInstanceDone(spec, instance, err)
			},
		}
		if err := t.addonMgr.CreateInstanceAsync(ctx); err != nil {
			// Unknown addon or dead loop: account for the instance now so
			// the creation phase still converges.
			t.logger.Error("extension instance creation failed",
				"addon", spec.AddonName, "instance", spec.InstanceName, "error", err)
			t.createsPending--
		}
	}

	if t.createsPending == 0 {
		t.onAllExtensionsCreated()
	}
}

// onCreateInstanceDone runs on the thread for each instance the factory
// reports back.
func (t *Thread) onCreateInstanceDone(spec ExtensionSpec, instance any, err error) {
	t.tag.MustCheck("extension thread")

	if err != nil {
		t.logger.Error("addon reported instance creation failure",
			"addon", spec.AddonName, "instance", spec.InstanceName, "error", err)
	} else if ext, ok := instance.(extension.Extension); ok {
		manual := make(map[env.Stage]bool, len(spec.ManualStages))
		for name, on := range spec.ManualStages {
			if !on {
				continue
			}
			if stage, perr := env.ParseStage(name); perr == nil {
				manual[stage] = true
			} else {
				t.logger.Warn("ignoring unknown manual trigger stage",
					"instance", spec.InstanceName, "stage", name)
			}
		}
		t.created = append(t.created, extension.NewInstance(spec.InstanceName, ext, spec.Props, manual))
	} else {
		t.logger.Error("addon produced a non-extension instance",
			"addon", spec.AddonName, "instance", spec.InstanceName)
	}

	t.createsPending--
	if t.createsPending == 0 {
		t.onAllExtensionsCreated()
	}
}

// onAllExtensionsCreated is the single point where the creation phase ends.
// If a close raced in while creating, the thread proceeds straight into
// teardown without entering NORMAL, so the in-flight instances are not
// leaked.
func (t *Thread) onAllExtensionsCreated() {
	t.tag.MustCheck("extension thread")

	if t.isCloseTriggered {
		t.addAllCreatedExtensions()
		t.stopLifecycleOfAllExtensions()
		return
	}

	t.addAllCreatedExtensions()

	// Notify the engine to handle the newly created extensions. The engine's
	// runloop does not change during the thread's lifetime.
	engine := t.engine
	if err := engine.Runloop().PostTaskTail(func() {
		engine.OnExtensionsCreated(t)
	}); err != nil {
		t.logger.Warn("failed to post extensions-created task to engine", "error", err)
	}
}

// addAllCreatedExtensions promotes every created instance onto this thread:
// the path table inherits the thread's belonging goroutine, the instance gets
// its environment handle, and it joins the store.
func (t *Thread) addAllCreatedExtensions() {
	t.tag.MustCheck("extension thread")

	for _, inst := range t.created {
		inst.PathTable().Tag().InheritFrom(&t.tag)

		e := env.New(env.AttachExtension, inst.Name(), t, t.logger)
		e.Tag().InheritFrom(&t.tag)
		inst.AttachEnv(e)

		t.store[inst.Name()] = inst
		t.order = append(t.order, inst.Name())
	}
	t.created = nil
	t.group.SetMembers(append([]string(nil), t.order...))

	t.logGraphResources()
}

// logGraphResources emits the structured graph-resources line once the
// thread's extensions are in place.
func (t *Thread) logGraphResources() {
	names := make([]string, 0, len(t.order))
	names = append(names, t.order...)

	payload := map[string]any{
		"app_uri":  t.engine.AppURI(),
		"graph_id": t.engine.GraphID(),
		"extension_threads": map[string]any{
			t.group.Name(): map[string]any{"extensions": names},
		},
	}
	if name := t.engine.GraphName(); name != "" {
		payload["graph_name"] = name
	}

	blob, err := json.Marshal(payload)
	if err != nil {
		return
	}
	t.logger.Log(context.Background(), logging.LevelMark, "[graph resources] "+string(blob))
}
