// Package room owns room membership state for the signaling relay.
//
// All mutation goes through Registry, whose operations are atomic with
// respect to each other. Broadcast recipient lists are snapshotted inside the
// same critical section as the mutation that produced them, so callers can
// deliver notifications after releasing the lock without racing membership
// changes.
package room
