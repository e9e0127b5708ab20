// Package negotiation drives the WebRTC offer/answer/candidate exchange for a
// single peer-to-peer session and hands the resulting data channel to the
// caller.
//
// The engine is transport-agnostic: the WebRTC surface it needs is captured by
// the Transport interface so the state machine can be tested with a fake. The
// pion-backed implementation lives in this package as well.
package negotiation
