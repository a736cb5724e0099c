// Package observability exposes Prometheus collectors for the reminder engine.
package observability
