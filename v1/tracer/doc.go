// Package tracer wires OpenTelemetry tracing and carries trace context through
// AMQP message headers.
//
// Publishers call GetCarrier and merge the result into the outgoing headers;
// consumers call SetCarrierOnContext with the received headers so handler logs
// and spans join the producer's trace. *Tracer satisfies rabbit.Propagator.
package tracer
