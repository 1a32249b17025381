// Package observability wires the kernel's OpenTelemetry export: global
// trace-context propagation (consumed by the HTTP trigger's header
// extraction), OTLP trace/metric exporters, and the small set of kernel
// metrics the trigger and outbound interceptor record.
//
// Initialize once at startup:
//
//	p, err := observability.New(ctx, observability.DefaultConfig())
//	defer p.Shutdown(ctx)
//
// then hand the provider to the recording call sites:
//
//	p.RecordTriggerRequest(ctx, componentID, pattern, abi, status, elapsed)
//	p.RecordOutboundDecision(ctx, host, allowed)
//
// Record* methods are nil-safe and no-ops when telemetry is disabled.
package observability
