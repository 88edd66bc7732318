// Package protocol describes the route bundles the HTTP server mounts.
package protocol

import "net/http"

// Access controls what a route requires before its handler runs.
type Access int

const (
	// Public routes are served without a session.
	Public Access = iota
	// Protected routes need a valid session; the principal is on the context.
	Protected
)

type EndpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
	Access  Access
	// Middlewares wrap Handler after the session check, innermost last.
	Middlewares []func(http.Handler) http.Handler
}

// Endpoint is a named group of routes.
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}
