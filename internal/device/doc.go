// Package device owns the connection to the haptic device.
//
// A Session wraps a Vendor (the device's command/response API) behind
// idempotent operations. Every request to the device goes through a single
// call wrapper which:
//   - bounds the request with the session timeout
//   - records the latency in ResponseTimeStats
//   - on failure marks the session disconnected and fires the failure hook
//
// Results of calls that complete after the session was reset (disconnect,
// reconnect or another failure) are discarded. Each reset bumps an epoch
// counter and a call only applies its result if the epoch it started in is
// still current.
package device
