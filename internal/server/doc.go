// Package server hosts the proxyforge controller API from a single HTTP
// server.
//
// Routes are registered on a gorilla/mux router and share one middleware
// chain: request ids, security headers, request logging, audit logging for
// privileged mutations, and Prometheus instrumentation. Privileged routes are
// wrapped with the handler's bearer check at registration time so the 401
// contract is enforced before any handler runs.
package server
