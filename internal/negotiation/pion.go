package negotiation

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/eztrans/peerlink/internal/signaling"
)

// PionConfig configures the pion-backed transport factory.
type PionConfig struct {
	// API carries the settings engine. When nil the pion defaults are used.
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger
}

// NewPionFactory returns a TransportFactory producing real WebRTC transports.
func NewPionFactory(cfg PionConfig) TransportFactory {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.With("component", "webrtc")

	return func(role Role, events TransportEvents) (Transport, error) {
		api := cfg.API
		if api == nil {
			api = webrtc.NewAPI()
		}

		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}

		t := &pionTransport{
			pc:     pc,
			events: events,
			log:    log,
		}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			// nil marks end of gathering; trickle only real candidates.
			if c == nil {
				return
			}
			if events.OnLocalCandidate != nil {
				events.OnLocalCandidate(signaling.CandidateFromPion(c.ToJSON()))
			}
		})

		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			log.Debug("peer connection state", "state", state.String())
			if state == webrtc.PeerConnectionStateFailed && events.OnFailure != nil {
				events.OnFailure()
			}
		})

		switch role {
		case RoleInitiator:
			ordered := true
			dc, err := pc.CreateDataChannel(DataChannelLabelMessages, &webrtc.DataChannelInit{Ordered: &ordered})
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("create data channel: %w", err)
			}
			t.bindChannel(dc)
		case RoleResponder:
			pc.OnDataChannel(func(dc *webrtc.DataChannel) {
				if err := validateMessagesDataChannel(dc); err != nil {
					log.Warn("rejecting data channel", "label", dc.Label(), "err", err)
					_ = dc.Close()
					return
				}
				t.bindChannel(dc)
			})
		}

		return t, nil
	}
}

type pionTransport struct {
	pc     *webrtc.PeerConnection
	events TransportEvents
	log    *slog.Logger

	mu    sync.Mutex
	dc    *webrtc.DataChannel
	close sync.Once
}

func (t *pionTransport) bindChannel(dc *webrtc.DataChannel) {
	t.mu.Lock()
	if t.dc != nil {
		_ = t.dc.Close()
	}
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		if t.events.OnChannelOpen != nil {
			t.events.OnChannelOpen(&pionChannel{dc: dc})
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if t.events.OnChannelMessage == nil {
			return
		}
		// Copy because pion reuses internal buffers.
		data := append([]byte(nil), msg.Data...)
		t.events.OnChannelMessage(ChannelMessage{IsString: msg.IsString, Data: data})
	})
	dc.OnClose(func() {
		if t.events.OnChannelClose != nil {
			t.events.OnChannelClose()
		}
	})
}

func (t *pionTransport) CreateOffer(iceRestart bool) (signaling.SDP, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := t.pc.CreateOffer(opts)
	if err != nil {
		return signaling.SDP{}, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return signaling.SDP{}, fmt.Errorf("set local offer: %w", err)
	}
	return signaling.SDPFromPion(offer), nil
}

func (t *pionTransport) CreateAnswer() (signaling.SDP, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SDP{}, fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return signaling.SDP{}, fmt.Errorf("set local answer: %w", err)
	}
	return signaling.SDPFromPion(answer), nil
}

func (t *pionTransport) SetRemoteDescription(sdp signaling.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) AddICECandidate(c signaling.Candidate) error {
	return t.pc.AddICECandidate(c.ToPion())
}

func (t *pionTransport) Close() error {
	var err error
	t.close.Do(func() {
		err = t.pc.Close()
	})
	return err
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) SendText(s string) error      { return c.dc.SendText(s) }
func (c *pionChannel) SendBinary(data []byte) error { return c.dc.Send(data) }
func (c *pionChannel) Close() error                 { return c.dc.Close() }
