// Package store provides the SQLite-backed catalog lookup cache.
//
// The catalog maps a scene id to the URL of its motion script. Looking that
// up costs a round trip to the media library for every video change, so
// resolved URLs are cached here with their fetch time and reused until they
// are older than the configured maximum age.
//
// Only lookups are cached, never script contents or activity history. The
// default DSN is an in-memory database, so a restart starts cold.
//
// # Database Configuration
//
//   - WAL mode for file databases
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: 5-second wait on lock contention
//   - Single connection: SQLite allows one writer; ":memory:" needs one
//     connection to keep its data
package store
