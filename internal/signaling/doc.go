// Package signaling maintains the client's websocket link to the relay and
// defines the JSON envelopes exchanged over it.
//
// The relay never sees direct-channel payloads; it only routes these small
// control envelopes between peers addressed by UID.
package signaling
