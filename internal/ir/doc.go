// Package ir holds the value types shared by every abhs package.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal, so the player, device and script
// packages can exchange values without depending on each other.
//
// Key design constraints:
//   - PlayerTimestamp values are immutable once decoded
//   - The null timestamp is a sentinel for "no prior state", never an event
//   - Paths are NFC normalized at the decode boundary
package ir
