// Package session manages authenticated platform sessions end to end:
// creation with fresh identity material, reuse through a two-tier cache,
// scheduled rotation, explicit invalidation, and background expiry.
//
// The durable store is always the source of truth. The in-process TTL cache
// and the shared fast cache in front of it are rebuildable accelerators;
// failures in either tier are logged and absorbed, never surfaced to
// callers.
package session
