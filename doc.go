// Package extmesh is a dataflow runtime for composing independently
// developed extensions into a running graph.
//
// # Architecture
//
// An app hosts one or more engines; each engine runs a graph whose nodes are
// extensions grouped into extension groups, with each group executing on its
// own extension thread. Extensions exchange four message kinds - commands
// (with results), data, audio frames and video frames - across a routing
// fabric that may span processes over a wire protocol.
//
//	┌─────────────────────────────────────┐
//	│               App                   │  main runloop, addon store,
//	│   (start_graph, stop_graph, close)  │  wire endpoints
//	└─────────────────────────────────────┘
//	           ↓ one per graph
//	┌─────────────────────────────────────┐
//	│             Engine                  │  routing, outstanding-command
//	│  (connection list, cmd tracker)     │  tracker, cross-app forwarding
//	└─────────────────────────────────────┘
//	           ↓ one per extension group
//	┌─────────────────────────────────────┐
//	│        Extension thread             │  lifecycle state machine,
//	│  (runloop + extension store)        │  serial message dispatch
//	└─────────────────────────────────────┘
//
// # Concurrency model
//
// Every long-lived object has exactly one home goroutine; methods on the
// object execute only there. All inter-thread communication is message
// passing via tasks posted on the target's runloop. The only shared mutable
// state is the addon store (append-only during a graph's run phase), the
// environment proxy reference counts, and the runloops' own queues.
//
// # Framework packages
//
// Core substrate:
//   - runloop: FIFO task queue plus blocking run
//   - affinity: per-object belonging-goroutine tags
//   - message: envelopes, status codes, MessagePack wire format
//   - env: environment handles and thread-safe proxies
//   - addon: factory store and async instance creation
//
// Runtime:
//   - extension: the user-facing node interface and runtime wrappers
//   - extthread: the extension thread and its lifecycle machine
//   - engine: per-graph routing and the command tracker
//   - app: the top-level host
//   - graph: graph description parsing and route resolution
//   - protocol: framed TCP and NATS transports between apps
//
// Infrastructure:
//   - logging: the runtime's slog handlers (line and GCP JSON formats)
//   - errors: structured error classification and wrapping
//   - metric: Prometheus metrics
//   - config: app property files
//   - testkit: the extension test harness
//   - pkg/retry, pkg/timestamp: shared utilities
//
// # Usage
//
// Register extension addons, start an app, then start a graph:
//
//	a := app.New(app.Config{URI: "msgpack://localhost:8001/"})
//	a.Start()
//	builtin.Register(a.AddonManager())
//	extension.RegisterAddon(a.AddonManager(), "my_addon",
//	    func() extension.Extension { return &MyExtension{} })
//
//	start, _ := message.NewControlCmd(message.KindStartGraph)
//	start.SetProp("graph_json", graphJSON)
//	a.Submit(start, onResult)
package extmesh
