package negotiation_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/eztrans/peerlink/internal/negotiation"
	"github.com/eztrans/peerlink/internal/signaling"
)

// TestPionEndToEnd negotiates a real pion session between two engines over a
// virtual network, with the signaling relay replaced by direct in-process
// envelope delivery.
func TestPionEndToEnd(t *testing.T) {
	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.1"
		ipB  = "10.0.0.2"
		uidA = "AAAA22"
		uidB = "BBBB33"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	apiA := newVNetAPI(t, netA)
	apiB := newVNetAPI(t, netB)

	type side struct {
		engine *negotiation.Engine

		mu      sync.Mutex
		channel negotiation.Channel
		frames  []negotiation.ChannelMessage
	}
	var a, b side

	openA := make(chan struct{})
	openB := make(chan struct{})

	// Direct delivery stands in for the relay: stamp From, flip To.
	deliver := func(to *side, from string) func(signaling.Envelope) {
		return func(env signaling.Envelope) {
			env.From = from
			env.To = ""
			to.engine.HandleEnvelope(env)
		}
	}

	a.engine = negotiation.NewEngine(negotiation.EngineConfig{
		Send:         deliver(&b, uidA),
		NewTransport: negotiation.NewPionFactory(negotiation.PionConfig{API: apiA}),
		OnChannelOpen: func(peer string, ch negotiation.Channel) {
			a.mu.Lock()
			a.channel = ch
			a.mu.Unlock()
			close(openA)
		},
		OnChannelMessage: func(peer string, msg negotiation.ChannelMessage) {
			a.mu.Lock()
			a.frames = append(a.frames, msg)
			a.mu.Unlock()
		},
	})
	b.engine = negotiation.NewEngine(negotiation.EngineConfig{
		Send:         deliver(&a, uidB),
		NewTransport: negotiation.NewPionFactory(negotiation.PionConfig{API: apiB}),
		OnConsentRequest: func(peer string) {
			if peer != uidA {
				t.Errorf("consent request from %q, want %s", peer, uidA)
				return
			}
			if err := b.engine.Accept(); err != nil {
				t.Errorf("Accept: %v", err)
			}
		},
		OnChannelOpen: func(peer string, ch negotiation.Channel) {
			b.mu.Lock()
			b.channel = ch
			b.mu.Unlock()
			close(openB)
		},
		OnChannelMessage: func(peer string, msg negotiation.ChannelMessage) {
			b.mu.Lock()
			b.frames = append(b.frames, msg)
			b.mu.Unlock()
		},
	})
	t.Cleanup(a.engine.Close)
	t.Cleanup(b.engine.Close)

	if err := a.engine.Dial(uidB); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case <-openA:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for initiator channel")
	}
	select {
	case <-openB:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for responder channel")
	}

	a.mu.Lock()
	chA := a.channel
	a.mu.Unlock()
	if err := chA.SendText(`{"type":"text","text":"hello"}`); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	if err := chA.SendBinary(payload); err != nil {
		t.Fatalf("SendBinary: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		b.mu.Lock()
		n := len(b.frames)
		b.mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for frames (got %d/2)", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.frames[0].IsString {
		t.Error("first frame should be a string frame")
	}
	if b.frames[1].IsString || !bytes.Equal(b.frames[1].Data, payload) {
		t.Errorf("second frame = %+v, want binary %v", b.frames[1], payload)
	}
}

func newVNetAPI(t *testing.T, n *vnet.Net) *webrtc.API {
	t.Helper()

	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("register codecs: %v", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	)
}
