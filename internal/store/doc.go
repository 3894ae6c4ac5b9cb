// Package store persists canonical products and signals, and fans signals
// out to subscribers.
//
// The main components are:
//
//   - [Store]: Interface defining storage and subscription operations
//   - [MemoryStore]: In-memory implementation with a bounded signal log
//   - [SQLiteStore]: Durable implementation on modernc.org/sqlite
//
// Product records are superseded per fingerprint; the latest record of an
// identity links products across price buckets. Signals are append-only.
// Subscribers receive signals via channels with non-blocking sends (slow
// subscribers will miss signals rather than block a scan).
package store
