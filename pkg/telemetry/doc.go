// Package telemetry provides observability for flowctl runs.
//
// The telemetry package combines structured logging (zerolog), distributed
// tracing (OpenTelemetry), metrics (Prometheus), and an in-process event
// publisher into one bundle that the CLI builds at startup and hands to the
// scheduler.
//
// # Architecture
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - One span per run and per node, OTLP or stdout export
//  3. Metrics Collection - Run, node, retry and loop counters for Prometheus
//  4. Event Publishing - Ordered fan-out of engine events to subscribers
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//	scheduler := engine.NewScheduler(registry, evaluator, tel.Instrument(engine.Options{}))
//
// Instrument sets Options.Metrics, Options.Tracer and appends the event
// publisher to Options.Sinks.
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("scheduler")
//	logger = logger.WithRunID(runID).WithNode("deploy[2]")
//	logger.WithError(err).Error("Node failed")
//
// Logger.WithContext also attaches the zerolog logger, so code that logs
// through zerolog.Ctx(ctx) writes to the same sink. FromContext on a context
// without a logger returns a disabled logger.
//
// # Metrics
//
// With Namespace "flowctl" the collector exposes:
//
//	flowctl_runs_total{status}
//	flowctl_run_duration_seconds{status}
//	flowctl_nodes_total{state}
//	flowctl_node_duration_seconds{task}
//	flowctl_retries_total{task}
//	flowctl_loop_iterations_total
//	flowctl_policy_violations_total{policy,severity}
//
// Serve exposes them over HTTP until its context is cancelled.
//
// # Event Publishing
//
//	tel.Events.Subscribe(func(event engine.Event) {
//	    fmt.Printf("%s %s -> %s\n", event.Node, event.From, event.To)
//	}, telemetry.FilterByState(engine.NodeStateFailed))
//
// Event filters: FilterByType, FilterByRunID, FilterByTask, FilterByState
//
// # Configuration
//
//	// Interactive CLI defaults: console logs, no exporters
//	cfg := telemetry.DefaultConfig()
//
//	// Verbose logging, stdout traces
//	cfg := telemetry.DevelopmentConfig()
//
//	// JSON logs, OTLP traces, 10% sampling, metrics endpoint
//	cfg := telemetry.ProductionConfig()
package telemetry
