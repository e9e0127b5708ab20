package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type EnvelopeType string

const (
	EnvelopeTypeReady         EnvelopeType = "ready"
	EnvelopeTypeLogin         EnvelopeType = "login"
	EnvelopeTypeLoginSuccess  EnvelopeType = "login_success"
	EnvelopeTypeOffer         EnvelopeType = "offer"
	EnvelopeTypeAnswer        EnvelopeType = "answer"
	EnvelopeTypeCandidate     EnvelopeType = "ice-candidate"
	EnvelopeTypeOfferRejected EnvelopeType = "offer-rejected"
	EnvelopeTypePing          EnvelopeType = "ping"
	EnvelopeTypePong          EnvelopeType = "pong"
	EnvelopeTypeError         EnvelopeType = "error"
)

// Envelope is the JSON message routed through the relay.
//
// From is always populated by the relay from the authenticated sender; a From
// value supplied by the sending client is never trusted.
type Envelope struct {
	Type  EnvelopeType    `json:"type"`
	From  string          `json:"from,omitempty"`
	To    string          `json:"to,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type LoginData struct {
	UID string `json:"uid"`
}

type LoginSuccessData struct {
	UID       string `json:"uid"`
	IsNewUser bool   `json:"isNewUser"`
}

type RejectionData struct {
	Reason string `json:"reason"`
}

// SDP is the wire form of a session description, matching the browser's
// RTCSessionDescription JSON shape.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the wire form of a trickled ICE candidate, matching the
// browser's RTCIceCandidateInit JSON shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// ParseEnvelope decodes and validates one inbound envelope.
//
// Unknown envelope types are rejected rather than forwarded so that a relay
// speaking a newer protocol revision fails loudly instead of silently.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) Validate() error {
	switch e.Type {
	case EnvelopeTypeReady, EnvelopeTypePing, EnvelopeTypePong:
		// The relay attaches a human-readable data payload to ready; it carries
		// no protocol meaning.
		return nil
	case EnvelopeTypeLogin:
		if len(e.Data) == 0 {
			return fmt.Errorf("login envelope missing data")
		}
		var d LoginData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return fmt.Errorf("login envelope data: %w", err)
		}
		return nil
	case EnvelopeTypeLoginSuccess:
		var d LoginSuccessData
		if len(e.Data) == 0 {
			return fmt.Errorf("login_success envelope missing data")
		}
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return fmt.Errorf("login_success envelope data: %w", err)
		}
		if d.UID == "" {
			return fmt.Errorf("login_success envelope missing uid")
		}
		return nil
	case EnvelopeTypeOffer, EnvelopeTypeAnswer:
		if len(e.Data) == 0 {
			return fmt.Errorf("%s envelope missing data", e.Type)
		}
		var s SDP
		if err := json.Unmarshal(e.Data, &s); err != nil {
			return fmt.Errorf("%s envelope data: %w", e.Type, err)
		}
		if s.Type != string(e.Type) {
			return fmt.Errorf("%s envelope has sdp.type=%q", e.Type, s.Type)
		}
		return nil
	case EnvelopeTypeCandidate:
		if len(e.Data) == 0 {
			return fmt.Errorf("ice-candidate envelope missing data")
		}
		var c Candidate
		if err := json.Unmarshal(e.Data, &c); err != nil {
			return fmt.Errorf("ice-candidate envelope data: %w", err)
		}
		return nil
	case EnvelopeTypeOfferRejected:
		// data.reason is optional.
		return nil
	case EnvelopeTypeError:
		if e.Error == "" {
			return fmt.Errorf("error envelope missing error text")
		}
		return nil
	default:
		return fmt.Errorf("unsupported envelope type %q", e.Type)
	}
}

// MarshalData is a convenience for building outbound envelopes with a typed
// data payload.
func MarshalData(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
