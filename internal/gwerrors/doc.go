// Package gwerrors codifies the error taxonomy shared by every gateway
// component: transport adapters, the health monitor, the breaker, the
// balancer, the router, and the HTTP Surface all return or wrap *Error
// rather than bare errors, so a single ToEnvelope call at the HTTP boundary
// produces a consistent {code, message, meta, recoverable} response body
// regardless of which layer originated the failure.
package gwerrors
