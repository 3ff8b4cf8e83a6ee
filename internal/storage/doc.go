// Package storage persists tasks, task groups, their membership and group
// execution records.
//
// Backends:
//   - sqlite: modernc.org/sqlite file with embedded migrations
//   - memory: process-local maps, used by tests and dry runs
package storage
