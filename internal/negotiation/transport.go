package negotiation

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/eztrans/peerlink/internal/signaling"
)

// DataChannelLabelMessages is the data channel label both peers use for chat
// and file transfer frames. The channel is ordered and fully reliable; the
// transfer protocol depends on control frames and binary chunks arriving in
// send order.
const DataChannelLabelMessages = "messages"

// ChannelMessage is one inbound data channel frame.
type ChannelMessage struct {
	IsString bool
	Data     []byte
}

// Channel is the open data channel handed to the caller once a session is
// connected.
type Channel interface {
	SendText(s string) error
	SendBinary(data []byte) error
	Close() error
}

// TransportEvents are the callbacks a Transport fires as negotiation and the
// data channel progress. Handlers run on the transport's goroutines and must
// not block.
type TransportEvents struct {
	// OnLocalCandidate fires for every locally gathered ICE candidate to be
	// trickled to the remote peer.
	OnLocalCandidate func(signaling.Candidate)

	// OnChannelOpen fires when the messages data channel opens.
	OnChannelOpen func(Channel)

	OnChannelMessage func(ChannelMessage)
	OnChannelClose   func()

	// OnFailure fires when the underlying connection reaches a failed state.
	OnFailure func()
}

// Transport is the slice of a WebRTC peer connection the engine drives.
type Transport interface {
	// CreateOffer produces and installs a local offer. With iceRestart set the
	// offer requests fresh ICE credentials to recover a failed connection.
	CreateOffer(iceRestart bool) (signaling.SDP, error)

	// CreateAnswer produces and installs a local answer to a previously set
	// remote offer.
	CreateAnswer() (signaling.SDP, error)

	SetRemoteDescription(signaling.SDP) error
	AddICECandidate(signaling.Candidate) error

	Close() error
}

// Role says which side of the offer/answer exchange this transport plays. The
// initiator pre-creates the messages data channel; the responder receives it.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// TransportFactory builds one Transport per session attempt.
type TransportFactory func(role Role, events TransportEvents) (Transport, error)

func validateMessagesDataChannel(dc *webrtc.DataChannel) error {
	if dc.Label() != DataChannelLabelMessages {
		return fmt.Errorf("expected label=%q (got %q)", DataChannelLabelMessages, dc.Label())
	}
	// Chat and transfer frames need ordered, fully reliable delivery.
	if !dc.Ordered() {
		return fmt.Errorf("messages datachannel must be ordered")
	}
	if dc.MaxPacketLifeTime() != nil {
		return fmt.Errorf("messages datachannel must be fully reliable (maxPacketLifeTime must be unset)")
	}
	if dc.MaxRetransmits() != nil {
		return fmt.Errorf("messages datachannel must be fully reliable (maxRetransmits must be unset)")
	}
	return nil
}
