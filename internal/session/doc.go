// Package session stores conversation sessions in memory.
//
// A Session is created lazily on the first event for a Key, mutated under
// that key's lock by Store.Mutate, and removed by Store.EvictIdle once it has
// been idle longer than the configured TTL. Nothing is persisted.
package session
