// Package entry persists the mapping from public file identifiers to their
// remote/local locations, expiration, download counters and the
// materialization lock. Rows live in an embedded SQLite database (pure-Go
// modernc driver) whose schema is managed by goose migrations embedded in the
// binary. The lock column is only ever acquired through a single conditional
// UPDATE so that at most one materialization per identifier can run, even
// across concurrent requests.
package entry
