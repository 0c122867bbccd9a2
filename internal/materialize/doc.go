// Package materialize populates the disk cache for entries that are served
// from their origin on a miss. Each materialization performs its own origin
// fetch, independent of the client-facing stream, and is guarded by the entry
// store's atomic lock so that at most one runs per entry at a time.
package materialize
