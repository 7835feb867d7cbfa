// Package feed reads the player's timestamp stream.
//
// The player serves a TCP stream of length-prefixed JSON frames. Each frame
// is a 4-byte little-endian payload length followed by the payload; a zero
// length is a keep-alive. Client holds one connection at a time and hands
// every decoded timestamp to its handler from a single reader goroutine,
// waiting for the handler to return before reading the next frame.
//
// There is no reconnect logic. A refused dial fails Connect; a remote close
// ends the reader and fires the close callback.
package feed
