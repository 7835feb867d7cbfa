// Package engine keeps the device in step with the player.
//
// The engine consumes player timestamps one at a time, compares each with
// the last one it accepted, and turns the difference into device commands:
//
//	VideoChanged  resolve and upload the new video's script, then start or stop
//	StateChanged  start at the current position, or stop
//	TimeDrifted   restart at the current position
//	SpeedChanged  log only
//	NoOp          nothing
//
// Events are dropped, not queued, while the device is disconnected or while
// a previous event is still being handled. A device failure at any point
// disconnects the session and resets the engine's last timestamp so that the
// next event after a reconnect reloads the script.
//
// Manual commands (connect, disconnect, offset, snapshot) may arrive
// concurrently from the HTTP API. Mutable state sits behind a short mutex
// that is never held across a network call, and an epoch counter stops a
// handler that outlived a session reset from writing stale state back.
package engine
