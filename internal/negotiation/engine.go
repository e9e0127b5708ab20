package negotiation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eztrans/peerlink/internal/identity"
	"github.com/eztrans/peerlink/internal/metrics"
	"github.com/eztrans/peerlink/internal/signaling"
)

// SessionState is the lifecycle state of the single active peer session.
type SessionState string

const (
	SessionIdle           SessionState = "idle"
	SessionAwaitingAnswer SessionState = "awaiting_answer"
	SessionConnecting     SessionState = "connecting"
	SessionConnected      SessionState = "connected"
	SessionClosed         SessionState = "closed"
)

// EngineConfig wires the engine's dependencies and observers.
//
// Observer callbacks are invoked without internal locks held, so they may call
// back into the engine.
type EngineConfig struct {
	// Send forwards an envelope to the relay. Delivery is best effort.
	Send func(signaling.Envelope)

	NewTransport TransportFactory

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnConsentRequest fires when a remote offer arrives and awaits an
	// Accept or Reject decision.
	OnConsentRequest func(peer string)

	// OnStateChange fires on every session state transition.
	OnStateChange func(peer string, state SessionState)

	// OnRejected fires when the remote peer declines our offer.
	OnRejected func(peer, reason string)

	OnChannelOpen    func(peer string, ch Channel)
	OnChannelMessage func(peer string, msg ChannelMessage)
	OnChannelClose   func(peer string)
}

// pendingOffer is a remote offer awaiting the local consent decision. Only one
// is held at a time; a newer offer replaces an older undecided one.
type pendingOffer struct {
	peer string
	sdp  signaling.SDP

	// Candidates trickled before the offer was accepted. They can only be
	// applied after the remote description is set on a transport.
	buffered []signaling.Candidate
}

type session struct {
	gen       uint64
	peer      string
	role      Role
	state     SessionState
	transport Transport

	// remoteSet flips once the remote description is applied; until then
	// incoming candidates are buffered.
	remoteSet bool
	buffered  []signaling.Candidate
}

// Engine manages at most one peer session: outbound dialing, inbound consent,
// the offer/answer exchange and trickled candidates.
type Engine struct {
	cfg EngineConfig
	log *slog.Logger

	mu      sync.Mutex
	gen     uint64
	sess    *session
	pending *pendingOffer
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg: cfg,
		log: cfg.Logger.With("component", "negotiation"),
	}
}

// Peer returns the UID of the current session's remote peer, or "".
func (e *Engine) Peer() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return ""
	}
	return e.sess.peer
}

func (e *Engine) State() SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return SessionIdle
	}
	return e.sess.state
}

// PendingPeer returns the UID behind an undecided inbound offer, or "".
func (e *Engine) PendingPeer() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return ""
	}
	return e.pending.peer
}

// Dial starts an outbound session to peer: it creates a transport, sends an
// offer through the relay and waits for the answer. Any existing session is
// torn down first.
func (e *Engine) Dial(peer string) error {
	if err := identity.Validate(peer); err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	e.closeSessionIfAny("replaced by outbound dial")

	e.mu.Lock()
	e.gen++
	s := &session{
		gen:   e.gen,
		peer:  peer,
		role:  RoleInitiator,
		state: SessionAwaitingAnswer,
	}
	e.sess = s
	e.mu.Unlock()

	t, err := e.cfg.NewTransport(RoleInitiator, e.transportEvents(s.gen, peer))
	if err != nil {
		e.abandonSession(s.gen)
		return fmt.Errorf("dial %s: %w", peer, err)
	}

	e.mu.Lock()
	if e.sess != s {
		e.mu.Unlock()
		_ = t.Close()
		return fmt.Errorf("dial %s: session superseded", peer)
	}
	s.transport = t
	e.mu.Unlock()

	offer, err := t.CreateOffer(false)
	if err != nil {
		e.abandonSession(s.gen)
		return fmt.Errorf("dial %s: %w", peer, err)
	}

	data, err := signaling.MarshalData(offer)
	if err != nil {
		e.abandonSession(s.gen)
		return fmt.Errorf("dial %s: %w", peer, err)
	}
	e.cfg.Send(signaling.Envelope{Type: signaling.EnvelopeTypeOffer, To: peer, Data: data})

	e.notifyState(peer, SessionAwaitingAnswer)
	e.log.Info("offer sent", "peer", peer)
	return nil
}

// Accept answers the pending inbound offer and starts the session.
func (e *Engine) Accept() error {
	e.mu.Lock()
	p := e.pending
	e.pending = nil
	e.mu.Unlock()
	if p == nil {
		return fmt.Errorf("accept: no pending offer")
	}

	e.closeSessionIfAny("replaced by accepted offer")
	e.cfg.Metrics.Inc(metrics.OfferAccepted)

	e.mu.Lock()
	e.gen++
	s := &session{
		gen:   e.gen,
		peer:  p.peer,
		role:  RoleResponder,
		state: SessionConnecting,
	}
	e.sess = s
	e.mu.Unlock()

	t, err := e.cfg.NewTransport(RoleResponder, e.transportEvents(s.gen, p.peer))
	if err != nil {
		e.abandonSession(s.gen)
		return fmt.Errorf("accept offer from %s: %w", p.peer, err)
	}

	e.mu.Lock()
	if e.sess != s {
		e.mu.Unlock()
		_ = t.Close()
		return fmt.Errorf("accept offer from %s: session superseded", p.peer)
	}
	s.transport = t
	e.mu.Unlock()

	if err := t.SetRemoteDescription(p.sdp); err != nil {
		e.abandonSession(s.gen)
		return fmt.Errorf("accept offer from %s: %w", p.peer, err)
	}
	e.markRemoteSet(s.gen, p.buffered)

	answer, err := t.CreateAnswer()
	if err != nil {
		e.abandonSession(s.gen)
		return fmt.Errorf("accept offer from %s: %w", p.peer, err)
	}
	data, err := signaling.MarshalData(answer)
	if err != nil {
		e.abandonSession(s.gen)
		return fmt.Errorf("accept offer from %s: %w", p.peer, err)
	}
	e.cfg.Send(signaling.Envelope{Type: signaling.EnvelopeTypeAnswer, To: p.peer, Data: data})

	e.notifyState(p.peer, SessionConnecting)
	e.log.Info("offer accepted", "peer", p.peer)
	return nil
}

// Reject declines the pending inbound offer.
func (e *Engine) Reject(reason string) error {
	e.mu.Lock()
	p := e.pending
	e.pending = nil
	e.mu.Unlock()
	if p == nil {
		return fmt.Errorf("reject: no pending offer")
	}

	e.cfg.Metrics.Inc(metrics.OfferRejected)
	data, err := signaling.MarshalData(signaling.RejectionData{Reason: reason})
	if err != nil {
		return err
	}
	e.cfg.Send(signaling.Envelope{Type: signaling.EnvelopeTypeOfferRejected, To: p.peer, Data: data})
	e.log.Info("offer rejected", "peer", p.peer, "reason", reason)
	return nil
}

// Close tears down the active session and discards any pending offer.
func (e *Engine) Close() {
	e.mu.Lock()
	e.pending = nil
	e.mu.Unlock()
	e.closeSessionIfAny("closed by caller")
}

// HandleEnvelope routes one relay envelope into the state machine. Envelope
// types the engine doesn't handle are ignored.
func (e *Engine) HandleEnvelope(env signaling.Envelope) {
	switch env.Type {
	case signaling.EnvelopeTypeOffer:
		e.handleOffer(env)
	case signaling.EnvelopeTypeAnswer:
		e.handleAnswer(env)
	case signaling.EnvelopeTypeCandidate:
		e.handleCandidate(env)
	case signaling.EnvelopeTypeOfferRejected:
		e.handleRejected(env)
	}
}

func (e *Engine) handleOffer(env signaling.Envelope) {
	var sdp signaling.SDP
	if err := unmarshalData(env.Data, &sdp); err != nil {
		e.log.Warn("offer data", "from", env.From, "err", err)
		return
	}
	e.cfg.Metrics.Inc(metrics.OfferReceived)

	// An offer from the current session's peer while we are the responder is a
	// renegotiation (typically an ICE restart); answer it without fresh consent.
	e.mu.Lock()
	s := e.sess
	if s != nil && s.peer == env.From && s.role == RoleResponder && s.transport != nil {
		t := s.transport
		e.mu.Unlock()
		e.renegotiate(env.From, t, sdp)
		return
	}

	if e.pending != nil {
		e.log.Info("pending offer replaced", "old_peer", e.pending.peer, "new_peer", env.From)
	}
	e.pending = &pendingOffer{peer: env.From, sdp: sdp}
	e.mu.Unlock()

	if e.cfg.OnConsentRequest != nil {
		e.cfg.OnConsentRequest(env.From)
	}
}

func (e *Engine) renegotiate(peer string, t Transport, sdp signaling.SDP) {
	if err := t.SetRemoteDescription(sdp); err != nil {
		e.log.Warn("renegotiation remote description", "peer", peer, "err", err)
		return
	}
	answer, err := t.CreateAnswer()
	if err != nil {
		e.log.Warn("renegotiation answer", "peer", peer, "err", err)
		return
	}
	data, err := signaling.MarshalData(answer)
	if err != nil {
		e.log.Warn("renegotiation answer data", "peer", peer, "err", err)
		return
	}
	e.cfg.Send(signaling.Envelope{Type: signaling.EnvelopeTypeAnswer, To: peer, Data: data})
	e.log.Info("renegotiation answered", "peer", peer)
}

func (e *Engine) handleAnswer(env signaling.Envelope) {
	var sdp signaling.SDP
	if err := unmarshalData(env.Data, &sdp); err != nil {
		e.log.Warn("answer data", "from", env.From, "err", err)
		return
	}

	e.mu.Lock()
	s := e.sess
	if s == nil || s.role != RoleInitiator || s.peer != env.From || s.transport == nil {
		e.mu.Unlock()
		e.log.Warn("unexpected answer dropped", "from", env.From)
		return
	}
	if s.state != SessionAwaitingAnswer && s.state != SessionConnected {
		e.mu.Unlock()
		e.log.Warn("answer in unexpected state dropped", "from", env.From, "state", s.state)
		return
	}
	t := s.transport
	gen := s.gen
	wasConnected := s.state == SessionConnected
	e.mu.Unlock()

	if err := t.SetRemoteDescription(sdp); err != nil {
		e.log.Warn("apply answer", "peer", env.From, "err", err)
		e.abandonSession(gen)
		return
	}
	e.markRemoteSet(gen, nil)

	// An answer to an ICE restart keeps the session connected.
	if !wasConnected {
		e.setSessionState(gen, SessionConnecting)
	}
	e.log.Info("answer applied", "peer", env.From)
}

func (e *Engine) handleCandidate(env signaling.Envelope) {
	var c signaling.Candidate
	if err := unmarshalData(env.Data, &c); err != nil {
		e.log.Warn("candidate data", "from", env.From, "err", err)
		return
	}

	e.mu.Lock()
	if s := e.sess; s != nil && s.peer == env.From {
		if !s.remoteSet || s.transport == nil {
			s.buffered = append(s.buffered, c)
			e.mu.Unlock()
			e.cfg.Metrics.Inc(metrics.CandidateBuffered)
			return
		}
		t := s.transport
		e.mu.Unlock()
		if err := t.AddICECandidate(c); err != nil {
			e.log.Warn("add candidate", "peer", env.From, "err", err)
		}
		return
	}

	if p := e.pending; p != nil && p.peer == env.From {
		p.buffered = append(p.buffered, c)
		e.mu.Unlock()
		e.cfg.Metrics.Inc(metrics.CandidateBuffered)
		return
	}
	e.mu.Unlock()

	e.cfg.Metrics.Inc(metrics.CandidateDropped)
	e.log.Warn("candidate from unknown peer dropped", "from", env.From)
}

func (e *Engine) handleRejected(env signaling.Envelope) {
	var d signaling.RejectionData
	if len(env.Data) > 0 {
		if err := unmarshalData(env.Data, &d); err != nil {
			e.log.Warn("rejection data", "from", env.From, "err", err)
		}
	}

	e.mu.Lock()
	s := e.sess
	if s == nil || s.peer != env.From || s.role != RoleInitiator {
		e.mu.Unlock()
		e.log.Warn("unexpected rejection dropped", "from", env.From)
		return
	}
	gen := s.gen
	e.mu.Unlock()

	e.log.Info("offer declined by peer", "peer", env.From, "reason", d.Reason)
	e.abandonSession(gen)
	if e.cfg.OnRejected != nil {
		e.cfg.OnRejected(env.From, d.Reason)
	}
}

// markRemoteSet flips the candidate gate and applies everything buffered,
// including extra candidates handed in by the caller.
func (e *Engine) markRemoteSet(gen uint64, extra []signaling.Candidate) {
	e.mu.Lock()
	s := e.sess
	if s == nil || s.gen != gen {
		e.mu.Unlock()
		return
	}
	s.remoteSet = true
	// extra holds candidates that arrived before consent, so they predate
	// anything buffered on the session and must be applied first.
	buffered := append(append([]signaling.Candidate(nil), extra...), s.buffered...)
	s.buffered = nil
	t := s.transport
	peer := s.peer
	e.mu.Unlock()

	for _, c := range buffered {
		if err := t.AddICECandidate(c); err != nil {
			e.log.Warn("add buffered candidate", "peer", peer, "err", err)
		}
	}
}

func (e *Engine) transportEvents(gen uint64, peer string) TransportEvents {
	return TransportEvents{
		OnLocalCandidate: func(c signaling.Candidate) {
			if !e.sessionAlive(gen) {
				return
			}
			data, err := signaling.MarshalData(c)
			if err != nil {
				e.log.Warn("candidate data", "err", err)
				return
			}
			e.cfg.Send(signaling.Envelope{Type: signaling.EnvelopeTypeCandidate, To: peer, Data: data})
		},
		OnChannelOpen: func(ch Channel) {
			if !e.sessionAlive(gen) {
				_ = ch.Close()
				return
			}
			e.cfg.Metrics.Inc(metrics.ChannelConnected)
			e.setSessionState(gen, SessionConnected)
			if e.cfg.OnChannelOpen != nil {
				e.cfg.OnChannelOpen(peer, ch)
			}
		},
		OnChannelMessage: func(msg ChannelMessage) {
			if !e.sessionAlive(gen) {
				return
			}
			if e.cfg.OnChannelMessage != nil {
				e.cfg.OnChannelMessage(peer, msg)
			}
		},
		OnChannelClose: func() {
			if !e.sessionAlive(gen) {
				return
			}
			e.cfg.Metrics.Inc(metrics.ChannelClosed)
			if e.cfg.OnChannelClose != nil {
				e.cfg.OnChannelClose(peer)
			}
			e.abandonSession(gen)
		},
		OnFailure: func() {
			e.handleTransportFailure(gen, peer)
		},
	}
}

// handleTransportFailure attempts an ICE restart when we initiated the
// session; the responder waits for the initiator's restart offer instead.
func (e *Engine) handleTransportFailure(gen uint64, peer string) {
	e.mu.Lock()
	s := e.sess
	if s == nil || s.gen != gen || s.transport == nil {
		e.mu.Unlock()
		return
	}
	if s.role != RoleInitiator {
		e.mu.Unlock()
		e.log.Warn("connection failed, waiting for peer to restart", "peer", peer)
		return
	}
	t := s.transport
	e.mu.Unlock()

	e.cfg.Metrics.Inc(metrics.NegotiationRestarted)
	e.log.Warn("connection failed, restarting ice", "peer", peer)

	offer, err := t.CreateOffer(true)
	if err != nil {
		e.log.Warn("ice restart offer", "peer", peer, "err", err)
		e.abandonSession(gen)
		return
	}
	data, err := signaling.MarshalData(offer)
	if err != nil {
		e.log.Warn("ice restart offer data", "peer", peer, "err", err)
		e.abandonSession(gen)
		return
	}
	e.cfg.Send(signaling.Envelope{Type: signaling.EnvelopeTypeOffer, To: peer, Data: data})
}

func (e *Engine) sessionAlive(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess != nil && e.sess.gen == gen
}

func (e *Engine) setSessionState(gen uint64, state SessionState) {
	e.mu.Lock()
	s := e.sess
	if s == nil || s.gen != gen || s.state == state {
		e.mu.Unlock()
		return
	}
	s.state = state
	peer := s.peer
	e.mu.Unlock()
	e.notifyState(peer, state)
}

func (e *Engine) notifyState(peer string, state SessionState) {
	if e.cfg.OnStateChange != nil {
		e.cfg.OnStateChange(peer, state)
	}
}

// abandonSession tears down the session identified by gen if it is still the
// current one.
func (e *Engine) abandonSession(gen uint64) {
	e.mu.Lock()
	s := e.sess
	if s == nil || s.gen != gen {
		e.mu.Unlock()
		return
	}
	e.sess = nil
	t := s.transport
	peer := s.peer
	e.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	e.notifyState(peer, SessionClosed)
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing data")
	}
	return json.Unmarshal(data, v)
}

func (e *Engine) closeSessionIfAny(reason string) {
	e.mu.Lock()
	s := e.sess
	e.mu.Unlock()
	if s == nil {
		return
	}
	e.log.Info("closing session", "peer", s.peer, "reason", reason)
	e.abandonSession(s.gen)
}
