// Package room implements the per-room narrative session machine: the
// participant roster, the lifecycle state, and the expansion loop that
// generates, voices, and paces story segments for everyone in the room.
package room
