// Package httpserver provides the HTTP surface of the execution service.
//
// The httpserver package exposes the execute endpoint behind bearer-token
// authentication, plus unauthenticated liveness and banner endpoints.
// The health endpoint reports the capacity gauges consumed by the
// external replica manager; it never touches the execution engine.
package httpserver
