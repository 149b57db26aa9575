// Package storage persists the dedup window (seen alert keys) so restarts
// don't re-deliver alerts that were already accepted.
//
// Three backends implement Store:
//   - file: JSON snapshot, atomic rename on save
//   - sqlite: modernc.org/sqlite, single table keyed by alert key
//   - redis: go-redis with per-key expiry (TTL handled server-side)
//
// Open picks the backend from config and returns nil when storage is
// disabled; callers only see the Store interface.
package storage
