package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Kernel semantic convention attributes.
var (
	// Server attributes, per spec.md §4.J: record the target address and
	// port on the current tracing span.
	AttrServerAddress = attribute.Key("server.address")
	AttrServerPort    = attribute.Key("server.port")

	// Component/trigger attributes
	AttrComponentID = attribute.Key("lattice.component.id")
	AttrRoutePath   = attribute.Key("lattice.route.pattern")
	AttrRouteABI    = attribute.Key("lattice.route.abi")

	// Outbound HTTP interceptor attributes
	AttrOutboundHost   = attribute.Key("lattice.outbound.host")
	AttrOutboundPolicy = attribute.Key("lattice.outbound.policy_decision")
)

// ServerAttributes creates attributes describing an outbound target.
func ServerAttributes(addr string, port int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrServerAddress.String(addr),
		AttrServerPort.Int(port),
	}
}

// RouteAttributes creates attributes for a resolved trigger route.
func RouteAttributes(componentID, pattern, abi string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrComponentID.String(componentID),
		AttrRoutePath.String(pattern),
		AttrRouteABI.String(abi),
	}
}

// OutboundAttributes creates attributes for an outbound HTTP policy decision.
func OutboundAttributes(host, decision string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOutboundHost.String(host),
		AttrOutboundPolicy.String(decision),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}
