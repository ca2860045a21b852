// Package store provides SQLite-backed storage for a quill project.
//
// The store holds:
//   - Settings: the entry path and plugin options the kernel compiles with
//   - Documents: every compiled document, failures included
//   - Exports: a record of each export and where it was written
//
// Settings changes are announced to subscribers so a session can schedule a
// compile when the entry path moves. Plugin options keep a stable pointer
// until their content changes, which is what the kernel's change detection
// compares.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// All ordering uses the seq column, never timestamps.
package store
