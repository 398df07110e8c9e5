// Package store provides the dispatch ledger for the gateway using SQLite.
//
// # Data Model
//
// A Dispatch records how one inbound event was handled: which platform and
// conversation key it came from, which command it was interpreted as, the
// outcome, how many completion attempts it took and how long it ran.
// Message text and prompts are never written, so conversation content stays
// in memory only.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Database file locations:
//
//   - Production: /var/lib/flowgpt-gateway/ledger.db
//   - Development: ~/.local/share/flowgpt/ledger.db
//   - Testing: t.TempDir() or :memory:
//
// An empty database path in the configuration disables the ledger entirely.
//
// # Testing
//
// Use NewMockStore() for unit tests that only need a Store.
package store
