// Package sinks provides discovery.Sink implementations backed by the
// candidate store, structured logs and Prometheus.
package sinks
