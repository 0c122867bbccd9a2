// Package routes mounts the administrative JSON endpoints under /-/: entry
// listing, registration and removal, plus the Prometheus exposition.
package routes
