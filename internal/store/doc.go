// Package store provides SQLite-backed durable storage for the sync
// engine and the normalization catalog.
//
// One database file holds four concerns:
//   - Operations: the offline queue of pending mutations
//   - Equipment: the local copy of each record
//   - Conflicts: detected divergences awaiting resolution
//   - Catalog: canonical models, known variants, and learned matches
//
// Ordering invariants:
//   - Queue drain order uses priority DESC, created_at ASC, seq ASC;
//     seq is a logical clock so restarts never reorder equal timestamps
//   - At most one operation per entity is ever in flight
//
// Database configuration:
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability and performance
//   - busy_timeout=5000: ride out short lock contention
//   - foreign_keys=ON
//
// Times are stored as Unix nanoseconds in INTEGER columns. Schema changes
// go through PRAGMA user_version migrations in store.go.
package store
