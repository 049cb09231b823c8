// Package api hosts the HTTP handlers for the proxyforge controller.
//
// Handlers translate JSON requests into calls on the lifecycle manager, proxy
// resolver, and retention sweeper injected into Handler, and map their typed
// errors onto status codes. Routing, request ids, logging, and metrics are
// applied by internal/server; privileged routes are wrapped with RequireAuth.
package api
