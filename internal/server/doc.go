// Package server hosts the Fiber HTTP service: the middleware chain (panic
// recovery, request ids), the download route mounted under the configured
// prefix, and the shared upstream HTTP client with its hop-by-hop header
// helpers. The download logic itself is injected as a ProxyHandler so tests
// can substitute fakes.
package server
