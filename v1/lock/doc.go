// Package lock implements a distributed mutual-exclusion lock on top of any
// adapter.Store offering set-if-absent and get-and-set. The only state kept
// per key is the absolute expiry of the current holder in epoch
// milliseconds. An entry whose expiry is in the past is stale and may be taken
// over by any contender; the atomic swap decides which contender wins.
//
// Entries carry no owner identity. Release deletes the key unconditionally,
// while ReleaseLease deletes it only if it still holds the expiry written by
// the caller, on stores implementing adapter.CompareAndDeleter.
//
// An optional syncbus.Bus announces releases so that waiting contenders retry
// immediately instead of sleeping for the full retry delay.
package lock
