// Package cache defines the disk-backed store that materialized entries are
// written to. Files live under StoragePath/<entry id>/<name>, so two entries
// whose origins share a filename never collide. Writes go through a temp file
// plus rename, which means readers only ever observe complete files, and an
// interrupted write leaves nothing behind.
package cache
