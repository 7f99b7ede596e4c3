// Package temporal implements the kernel's workflow engine adapter backed by
// Temporal (https://temporal.io). It satisfies the generic engine.Engine
// interface, allowing kernel/plan to drive durable plan instances without
// importing the Temporal SDK directly.
//
// # Why Temporal?
//
// Temporal provides durable execution for long-running plan instances. When a
// plan awaits a receipt, an external event, or a human approval for minutes or
// days, Temporal ensures the instance's step-graph position survives process
// restarts, network failures, and crashes. The plan engine replays the
// workflow from event history, producing deterministic execution that matches
// the world's own journal-replay guarantee.
//
// # Constructing an Engine
//
// Use New to create an engine with Temporal client and worker options:
//
//	eng, err := temporal.New(temporal.Options{
//	    ClientOptions: &client.Options{
//	        HostPort:  "temporal:7233",
//	        Namespace: "default",
//	    },
//	    WorkerOptions: temporal.WorkerOptions{
//	        TaskQueue: "agentos.plans",
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
// # Workflow Determinism
//
// Temporal workflows must be deterministic: given the same inputs and event
// history, they must produce the same outputs. This package provides a
// WorkflowContext that exposes only deterministic operations:
//
//   - Now() returns workflow time (not wall clock)
//   - ExecuteActivity and ExecuteActivityAsync schedule effect-dispatch activities
//   - SignalChannel returns deterministic signal receivers for pause/resume/cancel
//
// Effect dispatch (the authorizer pipeline, adapters, and the reducer host)
// runs inside activities, which are not constrained by determinism. The
// workflow handler — compiled from a plan's static step graph by kernel/plan —
// coordinates activities and processes their results deterministically.
//
// Activity and signal payloads are the Go values the caller passes (for
// kernel/plan, its activity input structs and authorize.Decision results).
// The engine installs no custom data converter, so Temporal's default
// payload converter serializes them (see DESIGN.md).
//
// # OpenTelemetry Integration
//
// The engine automatically installs OTEL interceptors on the Temporal client
// and worker, propagating trace context through workflow and activity
// boundaries. No additional configuration is needed when the engine is
// constructed with a Tracer.
package temporal
