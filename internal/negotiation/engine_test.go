package negotiation

import (
	"fmt"
	"sync"
	"testing"

	"github.com/eztrans/peerlink/internal/metrics"
	"github.com/eztrans/peerlink/internal/signaling"
)

const (
	peerA = "ABC234"
	peerB = "DEF456"
)

type fakeTransport struct {
	role   Role
	events TransportEvents

	// onSetRemote, when set, runs at the start of SetRemoteDescription so a
	// test can interleave envelope delivery with an in-flight accept.
	onSetRemote func()

	mu       sync.Mutex
	offers   int
	restarts int
	answers  int
	remote   []signaling.SDP
	cands    []signaling.Candidate
	closed   bool
}

func (f *fakeTransport) CreateOffer(iceRestart bool) (signaling.SDP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	if iceRestart {
		f.restarts++
	}
	return signaling.SDP{Type: "offer", SDP: fmt.Sprintf("v=0 offer %d", f.offers)}, nil
}

func (f *fakeTransport) CreateAnswer() (signaling.SDP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.remote) == 0 {
		return signaling.SDP{}, fmt.Errorf("no remote description")
	}
	f.answers++
	return signaling.SDP{Type: "answer", SDP: "v=0 answer"}, nil
}

func (f *fakeTransport) SetRemoteDescription(sdp signaling.SDP) error {
	if f.onSetRemote != nil {
		f.onSetRemote()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = append(f.remote, sdp)
	return nil
}

func (f *fakeTransport) AddICECandidate(c signaling.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cands = append(f.cands, c)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cands)
}

func (f *fakeTransport) remoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.remote)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeChannel struct {
	mu     sync.Mutex
	texts  []string
	binary [][]byte
	closed bool
}

func (c *fakeChannel) SendText(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, s)
	return nil
}

func (c *fakeChannel) SendBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binary = append(c.binary, append([]byte(nil), data...))
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// harness collects everything an engine test observes.
type harness struct {
	engine  *Engine
	metrics *metrics.Metrics

	mu          sync.Mutex
	sent        []signaling.Envelope
	transports  []*fakeTransport
	consent     []string
	states      []SessionState
	rejections  []string
	onSetRemote func()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{metrics: metrics.New()}
	h.engine = NewEngine(EngineConfig{
		Send: func(env signaling.Envelope) {
			h.mu.Lock()
			h.sent = append(h.sent, env)
			h.mu.Unlock()
		},
		NewTransport: func(role Role, events TransportEvents) (Transport, error) {
			h.mu.Lock()
			f := &fakeTransport{role: role, events: events, onSetRemote: h.onSetRemote}
			h.transports = append(h.transports, f)
			h.mu.Unlock()
			return f, nil
		},
		Metrics: h.metrics,
		OnConsentRequest: func(peer string) {
			h.mu.Lock()
			h.consent = append(h.consent, peer)
			h.mu.Unlock()
		},
		OnStateChange: func(peer string, state SessionState) {
			h.mu.Lock()
			h.states = append(h.states, state)
			h.mu.Unlock()
		},
		OnRejected: func(peer, reason string) {
			h.mu.Lock()
			h.rejections = append(h.rejections, reason)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *harness) sentOfType(typ signaling.EnvelopeType) []signaling.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []signaling.Envelope
	for _, env := range h.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (h *harness) transport(i int) *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.transports) {
		return nil
	}
	return h.transports[i]
}

func offerEnvelope(t *testing.T, from string) signaling.Envelope {
	t.Helper()
	data, err := signaling.MarshalData(signaling.SDP{Type: "offer", SDP: "v=0 remote"})
	if err != nil {
		t.Fatalf("MarshalData: %v", err)
	}
	return signaling.Envelope{Type: signaling.EnvelopeTypeOffer, From: from, Data: data}
}

func answerEnvelope(t *testing.T, from string) signaling.Envelope {
	t.Helper()
	data, err := signaling.MarshalData(signaling.SDP{Type: "answer", SDP: "v=0 remote answer"})
	if err != nil {
		t.Fatalf("MarshalData: %v", err)
	}
	return signaling.Envelope{Type: signaling.EnvelopeTypeAnswer, From: from, Data: data}
}

func candidateEnvelope(t *testing.T, from, candidate string) signaling.Envelope {
	t.Helper()
	data, err := signaling.MarshalData(signaling.Candidate{Candidate: candidate})
	if err != nil {
		t.Fatalf("MarshalData: %v", err)
	}
	return signaling.Envelope{Type: signaling.EnvelopeTypeCandidate, From: from, Data: data}
}

func TestDialSendsOffer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.engine.Dial("not a uid"); err == nil {
		t.Fatal("Dial with malformed uid succeeded")
	}

	if err := h.engine.Dial(peerA); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	offers := h.sentOfType(signaling.EnvelopeTypeOffer)
	if len(offers) != 1 || offers[0].To != peerA {
		t.Fatalf("sent offers = %+v, want one to %s", offers, peerA)
	}
	if got := h.engine.State(); got != SessionAwaitingAnswer {
		t.Fatalf("state = %q, want awaiting_answer", got)
	}
	if ft := h.transport(0); ft == nil || ft.role != RoleInitiator {
		t.Fatal("expected an initiator transport")
	}
}

func TestEarlyCandidatesBufferedUntilAnswer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.engine.Dial(peerA); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	h.engine.HandleEnvelope(candidateEnvelope(t, peerA, "cand-1"))
	h.engine.HandleEnvelope(candidateEnvelope(t, peerA, "cand-2"))

	ft := h.transport(0)
	if got := ft.candidateCount(); got != 0 {
		t.Fatalf("candidates applied before answer = %d, want 0", got)
	}
	if got := h.metrics.Get(metrics.CandidateBuffered); got != 2 {
		t.Fatalf("buffered metric = %d, want 2", got)
	}

	h.engine.HandleEnvelope(answerEnvelope(t, peerA))

	if got := ft.remoteCount(); got != 1 {
		t.Fatalf("remote descriptions = %d, want 1", got)
	}
	if got := ft.candidateCount(); got != 2 {
		t.Fatalf("candidates after answer = %d, want 2", got)
	}
	ft.mu.Lock()
	first := ft.cands[0].Candidate
	ft.mu.Unlock()
	if first != "cand-1" {
		t.Fatalf("first flushed candidate = %q, want cand-1", first)
	}
	if got := h.engine.State(); got != SessionConnecting {
		t.Fatalf("state = %q, want connecting", got)
	}

	// Candidates arriving after the flush are applied directly.
	h.engine.HandleEnvelope(candidateEnvelope(t, peerA, "cand-3"))
	if got := ft.candidateCount(); got != 3 {
		t.Fatalf("candidates after late arrival = %d, want 3", got)
	}
}

func TestAnswerFromWrongPeerDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.engine.Dial(peerA); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	h.engine.HandleEnvelope(answerEnvelope(t, peerB))

	if got := h.transport(0).remoteCount(); got != 0 {
		t.Fatalf("remote descriptions = %d, want 0", got)
	}
	if got := h.engine.State(); got != SessionAwaitingAnswer {
		t.Fatalf("state = %q, want awaiting_answer", got)
	}
}

func TestCandidateFromUnknownPeerDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.engine.HandleEnvelope(candidateEnvelope(t, peerB, "stray"))
	if got := h.metrics.Get(metrics.CandidateDropped); got != 1 {
		t.Fatalf("dropped metric = %d, want 1", got)
	}
}

func TestInboundOfferConsentAccept(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.engine.HandleEnvelope(offerEnvelope(t, peerA))
	h.mu.Lock()
	consent := append([]string(nil), h.consent...)
	h.mu.Unlock()
	if len(consent) != 1 || consent[0] != peerA {
		t.Fatalf("consent requests = %v, want [%s]", consent, peerA)
	}
	if got := h.engine.PendingPeer(); got != peerA {
		t.Fatalf("PendingPeer = %q, want %s", got, peerA)
	}
	// No transport exists until the offer is accepted.
	if h.transport(0) != nil {
		t.Fatal("transport created before consent")
	}

	// Candidates trickled while the user decides must survive until accept.
	h.engine.HandleEnvelope(candidateEnvelope(t, peerA, "early"))

	if err := h.engine.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	ft := h.transport(0)
	if ft == nil || ft.role != RoleResponder {
		t.Fatal("expected a responder transport")
	}
	if got := ft.remoteCount(); got != 1 {
		t.Fatalf("remote descriptions = %d, want 1", got)
	}
	if got := ft.candidateCount(); got != 1 {
		t.Fatalf("buffered consent candidates applied = %d, want 1", got)
	}
	answers := h.sentOfType(signaling.EnvelopeTypeAnswer)
	if len(answers) != 1 || answers[0].To != peerA {
		t.Fatalf("sent answers = %+v, want one to %s", answers, peerA)
	}
	if got := h.metrics.Get(metrics.OfferAccepted); got != 1 {
		t.Fatalf("accepted metric = %d, want 1", got)
	}
	if got := h.engine.PendingPeer(); got != "" {
		t.Fatalf("PendingPeer after accept = %q, want empty", got)
	}

	if err := h.engine.Accept(); err == nil {
		t.Fatal("second Accept succeeded without a pending offer")
	}
}

func TestCandidatesFlushInReceiptOrderAcrossAccept(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.engine.HandleEnvelope(offerEnvelope(t, peerA))
	h.engine.HandleEnvelope(candidateEnvelope(t, peerA, "cand-first"))

	// A candidate landing while Accept is still applying the remote
	// description buffers on the session; it arrived after the pre-consent
	// candidate and must flush after it.
	h.mu.Lock()
	h.onSetRemote = func() {
		h.engine.HandleEnvelope(candidateEnvelope(t, peerA, "cand-second"))
	}
	h.mu.Unlock()

	if err := h.engine.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	ft := h.transport(0)
	if got := ft.candidateCount(); got != 2 {
		t.Fatalf("candidates applied = %d, want 2", got)
	}
	ft.mu.Lock()
	order := []string{ft.cands[0].Candidate, ft.cands[1].Candidate}
	ft.mu.Unlock()
	if order[0] != "cand-first" || order[1] != "cand-second" {
		t.Fatalf("candidate order = %v, want [cand-first cand-second]", order)
	}
}

func TestInboundOfferReject(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.engine.HandleEnvelope(offerEnvelope(t, peerA))
	if err := h.engine.Reject("busy"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	rejections := h.sentOfType(signaling.EnvelopeTypeOfferRejected)
	if len(rejections) != 1 || rejections[0].To != peerA {
		t.Fatalf("sent rejections = %+v, want one to %s", rejections, peerA)
	}
	if got := h.metrics.Get(metrics.OfferRejected); got != 1 {
		t.Fatalf("rejected metric = %d, want 1", got)
	}
	if got := h.engine.PendingPeer(); got != "" {
		t.Fatalf("PendingPeer after reject = %q, want empty", got)
	}
	if err := h.engine.Reject("busy"); err == nil {
		t.Fatal("second Reject succeeded without a pending offer")
	}
}

func TestNewerOfferReplacesPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.engine.HandleEnvelope(offerEnvelope(t, peerA))
	h.engine.HandleEnvelope(offerEnvelope(t, peerB))

	if got := h.engine.PendingPeer(); got != peerB {
		t.Fatalf("PendingPeer = %q, want %s", got, peerB)
	}
	if err := h.engine.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	answers := h.sentOfType(signaling.EnvelopeTypeAnswer)
	if len(answers) != 1 || answers[0].To != peerB {
		t.Fatalf("sent answers = %+v, want one to %s", answers, peerB)
	}
}

func TestRemoteRejectionClosesSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.engine.Dial(peerA); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	data, err := signaling.MarshalData(signaling.RejectionData{Reason: "declined"})
	if err != nil {
		t.Fatalf("MarshalData: %v", err)
	}
	h.engine.HandleEnvelope(signaling.Envelope{
		Type: signaling.EnvelopeTypeOfferRejected,
		From: peerA,
		Data: data,
	})

	if got := h.engine.State(); got != SessionIdle {
		t.Fatalf("state = %q, want idle", got)
	}
	if !h.transport(0).isClosed() {
		t.Fatal("transport not closed after rejection")
	}
	h.mu.Lock()
	rejections := append([]string(nil), h.rejections...)
	h.mu.Unlock()
	if len(rejections) != 1 || rejections[0] != "declined" {
		t.Fatalf("rejection callbacks = %v, want [declined]", rejections)
	}
}

func TestChannelLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var mu sync.Mutex
	var openPeer string
	var messages []ChannelMessage
	var closedPeer string
	h.engine.cfg.OnChannelOpen = func(peer string, ch Channel) {
		mu.Lock()
		openPeer = peer
		mu.Unlock()
	}
	h.engine.cfg.OnChannelMessage = func(peer string, msg ChannelMessage) {
		mu.Lock()
		messages = append(messages, msg)
		mu.Unlock()
	}
	h.engine.cfg.OnChannelClose = func(peer string) {
		mu.Lock()
		closedPeer = peer
		mu.Unlock()
	}

	if err := h.engine.Dial(peerA); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	h.engine.HandleEnvelope(answerEnvelope(t, peerA))

	ft := h.transport(0)
	ft.events.OnChannelOpen(&fakeChannel{})
	if got := h.engine.State(); got != SessionConnected {
		t.Fatalf("state after open = %q, want connected", got)
	}
	mu.Lock()
	if openPeer != peerA {
		t.Fatalf("open peer = %q, want %s", openPeer, peerA)
	}
	mu.Unlock()

	ft.events.OnChannelMessage(ChannelMessage{IsString: true, Data: []byte(`{"type":"text"}`)})
	mu.Lock()
	if len(messages) != 1 || !messages[0].IsString {
		t.Fatalf("messages = %+v, want one string frame", messages)
	}
	mu.Unlock()

	ft.events.OnChannelClose()
	if got := h.engine.State(); got != SessionIdle {
		t.Fatalf("state after close = %q, want idle", got)
	}
	mu.Lock()
	if closedPeer != peerA {
		t.Fatalf("close peer = %q, want %s", closedPeer, peerA)
	}
	mu.Unlock()
	if !ft.isClosed() {
		t.Fatal("transport not closed after channel close")
	}
}

func TestFailureTriggersICERestart(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.engine.Dial(peerA); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	h.engine.HandleEnvelope(answerEnvelope(t, peerA))
	ft := h.transport(0)
	ft.events.OnChannelOpen(&fakeChannel{})

	ft.events.OnFailure()

	ft.mu.Lock()
	restarts := ft.restarts
	ft.mu.Unlock()
	if restarts != 1 {
		t.Fatalf("ice restarts = %d, want 1", restarts)
	}
	offers := h.sentOfType(signaling.EnvelopeTypeOffer)
	if len(offers) != 2 {
		t.Fatalf("sent offers = %d, want 2 (initial + restart)", len(offers))
	}
	if got := h.metrics.Get(metrics.NegotiationRestarted); got != 1 {
		t.Fatalf("restart metric = %d, want 1", got)
	}

	// The answer to a restart offer must not bounce the session out of
	// connected.
	h.engine.HandleEnvelope(answerEnvelope(t, peerA))
	if got := h.engine.State(); got != SessionConnected {
		t.Fatalf("state after restart answer = %q, want connected", got)
	}
}

func TestResponderAnswersRenegotiationWithoutConsent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.engine.HandleEnvelope(offerEnvelope(t, peerA))
	if err := h.engine.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	h.mu.Lock()
	consentBefore := len(h.consent)
	h.mu.Unlock()

	// A second offer from the connected peer is an ICE restart, not a new call.
	h.engine.HandleEnvelope(offerEnvelope(t, peerA))

	h.mu.Lock()
	consentAfter := len(h.consent)
	h.mu.Unlock()
	if consentAfter != consentBefore {
		t.Fatal("renegotiation offer raised a consent request")
	}
	ft := h.transport(0)
	if got := ft.remoteCount(); got != 2 {
		t.Fatalf("remote descriptions = %d, want 2", got)
	}
	answers := h.sentOfType(signaling.EnvelopeTypeAnswer)
	if len(answers) != 2 {
		t.Fatalf("sent answers = %d, want 2", len(answers))
	}
}

func TestDialReplacesActiveSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.engine.Dial(peerA); err != nil {
		t.Fatalf("Dial A: %v", err)
	}
	if err := h.engine.Dial(peerB); err != nil {
		t.Fatalf("Dial B: %v", err)
	}

	if !h.transport(0).isClosed() {
		t.Fatal("first transport not closed after redial")
	}
	if got := h.engine.Peer(); got != peerB {
		t.Fatalf("Peer = %q, want %s", got, peerB)
	}
}
