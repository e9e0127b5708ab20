package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eztrans/peerlink/internal/identity"
	"github.com/eztrans/peerlink/internal/metrics"
	"github.com/eztrans/peerlink/internal/ratelimit"
)

// LinkState is the lifecycle state of the signaling link.
//
// Connecting covers both the websocket dial and the ready/login/login_success
// bootstrap; the link is only Open once the relay has confirmed the login.
type LinkState string

const (
	LinkIdle           LinkState = "idle"
	LinkConnecting     LinkState = "connecting"
	LinkOpen           LinkState = "open"
	LinkReconnecting   LinkState = "reconnecting"
	LinkManuallyClosed LinkState = "manually_closed"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// LinkConfig wires together the runtime dependencies for the signaling link.
type LinkConfig struct {
	// URL is the relay's websocket endpoint.
	URL string

	// Identity persists the relay-issued UID across sessions.
	Identity *identity.Store

	// Backoff for automatic reconnects: the Nth retry fires after
	// min(BaseDelay * 2^(N-1), MaxDelay); after MaxAttempts failures the link
	// stays disconnected until Reconnect is called.
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// Inbound hardening.
	MaxMessageBytes   int64
	MessagesPerSecond int

	Clock   ratelimit.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnEnvelope receives every validated inbound envelope, including the
	// bootstrap envelopes the link also handles itself. Handlers must not
	// block; they run on the link's read loop.
	OnEnvelope func(Envelope)

	// OnStateChange is invoked after every state transition.
	OnStateChange func(LinkState)
}

// Link maintains exactly one logical signaling connection to the relay.
type Link struct {
	cfg LinkConfig
	log *slog.Logger

	limiter *ratelimit.TokenBucket

	mu         sync.Mutex
	state      LinkState
	conn       *websocket.Conn
	gen        uint64
	attempt    int
	retryTimer *time.Timer
	uid        string

	writeMu sync.Mutex
}

func NewLink(cfg LinkConfig) *Link {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}

	l := &Link{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "signaling"),
		state: LinkIdle,
	}
	if cfg.MessagesPerSecond > 0 {
		l.limiter = ratelimit.NewTokenBucket(cfg.Clock, int64(cfg.MessagesPerSecond), int64(cfg.MessagesPerSecond))
	}

	if cfg.Identity != nil {
		l.uid = cfg.Identity.Load()
	}
	return l
}

// BackoffDelay returns the delay before the attempt-th automatic reconnect
// (attempt counting from 1): min(base * 2^(attempt-1), max).
func BackoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}
	// Shifting beyond 62 bits would overflow long before any sane cap.
	if attempt > 32 {
		return max
	}
	d := base << uint(attempt-1)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// UID returns the relay-issued identity, or "" before the first login.
func (l *Link) UID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.uid
}

func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connect opens the link. It is idempotent: a connect already in flight or an
// open link is left alone.
func (l *Link) Connect() {
	l.mu.Lock()
	switch l.state {
	case LinkConnecting, LinkOpen:
		l.mu.Unlock()
		l.log.Debug("connect skipped, already in progress or open")
		return
	}
	l.clearRetryTimerLocked()
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	l.gen++
	gen := l.gen
	url := l.cfg.URL
	l.setStateLocked(LinkConnecting)
	l.mu.Unlock()

	go l.dialAndRun(gen, url)
}

// Disconnect closes the link with a normal closure and suppresses any
// automatic reconnection until Reconnect is called.
func (l *Link) Disconnect() {
	l.mu.Lock()
	l.clearRetryTimerLocked()
	conn := l.conn
	l.conn = nil
	l.gen++
	l.setStateLocked(LinkManuallyClosed)
	l.mu.Unlock()

	if conn != nil {
		l.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(writeTimeout))
		l.writeMu.Unlock()
		_ = conn.Close()
	}
}

// Reconnect is the explicit user-triggered retry: it resets the backoff
// attempt counter, tears down any lingering transport and dials fresh.
func (l *Link) Reconnect() {
	l.mu.Lock()
	l.clearRetryTimerLocked()
	l.attempt = 0
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	l.gen++
	l.setStateLocked(LinkIdle)
	l.mu.Unlock()

	l.Connect()
}

// Send writes an envelope to the relay. It silently no-ops when the transport
// is not currently open; callers must not assume delivery.
func (l *Link) Send(env Envelope) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		l.log.Debug("send dropped, link not open", "type", env.Type, "to", env.To)
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		l.log.Warn("marshal envelope", "type", env.Type, "err", err)
		return
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		l.log.Warn("write envelope", "type", env.Type, "err", err)
	}
}

func (l *Link) dialAndRun(gen uint64, url string) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		l.log.Warn("signaling dial failed", "url", url, "err", err)
		l.handleConnectionLost(gen)
		return
	}

	l.mu.Lock()
	if gen != l.gen || l.state != LinkConnecting {
		// Disconnect or a newer connect raced the dial.
		l.mu.Unlock()
		_ = conn.Close()
		return
	}
	l.conn = conn
	l.mu.Unlock()

	conn.SetReadLimit(l.cfg.MaxMessageBytes)
	l.readLoop(gen, conn)
}

func (l *Link) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			l.mu.Lock()
			stale := gen != l.gen
			manual := l.state == LinkManuallyClosed
			l.mu.Unlock()
			if stale || manual {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				l.log.Info("signaling link closed normally")
				l.mu.Lock()
				l.conn = nil
				l.setStateLocked(LinkIdle)
				l.mu.Unlock()
				return
			}
			l.log.Warn("signaling link lost", "err", err)
			l.handleConnectionLost(gen)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		if l.limiter != nil && !l.limiter.Allow(1) {
			l.cfg.Metrics.Inc(metrics.SignalingRateLimited)
			l.log.Warn("inbound envelope dropped, rate limit exceeded")
			continue
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			l.cfg.Metrics.Inc(metrics.SignalingDropped)
			l.log.Warn("invalid envelope dropped", "err", err)
			continue
		}

		l.handleEnvelope(env)
	}
}

func (l *Link) handleEnvelope(env Envelope) {
	switch env.Type {
	case EnvelopeTypeReady:
		// The relay requires a login before routing anything. Present the
		// persisted UID, or an empty one to be assigned a fresh identity.
		l.mu.Lock()
		uid := l.uid
		l.mu.Unlock()
		data, err := MarshalData(LoginData{UID: uid})
		if err != nil {
			l.log.Error("marshal login", "err", err)
			return
		}
		l.Send(Envelope{Type: EnvelopeTypeLogin, Data: data})

	case EnvelopeTypeLoginSuccess:
		var d LoginSuccessData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			l.log.Warn("login_success data", "err", err)
			return
		}
		l.mu.Lock()
		l.uid = d.UID
		l.attempt = 0
		l.setStateLocked(LinkOpen)
		l.mu.Unlock()

		if l.cfg.Identity != nil {
			if err := l.cfg.Identity.Save(d.UID); err != nil {
				l.log.Warn("persist identity", "uid", d.UID, "err", err)
			}
		}
		l.cfg.Metrics.Inc(metrics.SignalingConnected)
		l.log.Info("logged in to relay", "uid", d.UID, "new_user", d.IsNewUser)

	case EnvelopeTypeError:
		l.log.Warn("relay error", "error", env.Error)
	}

	if l.cfg.OnEnvelope != nil {
		l.cfg.OnEnvelope(env)
	}
}

// handleConnectionLost schedules an automatic reconnect with exponential
// backoff, or gives up after the attempt ceiling.
func (l *Link) handleConnectionLost(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.gen || l.state == LinkManuallyClosed {
		return
	}
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}

	l.attempt++
	if l.cfg.MaxAttempts > 0 && l.attempt > l.cfg.MaxAttempts {
		l.cfg.Metrics.Inc(metrics.SignalingGiveUp)
		l.log.Warn("reconnect attempts exhausted, staying disconnected", "attempts", l.cfg.MaxAttempts)
		l.setStateLocked(LinkIdle)
		return
	}

	delay := BackoffDelay(l.cfg.BaseDelay, l.cfg.MaxDelay, l.attempt)
	l.cfg.Metrics.Inc(metrics.SignalingReconnect)
	l.log.Info("scheduling reconnect", "attempt", l.attempt, "max_attempts", l.cfg.MaxAttempts, "delay", delay)
	l.setStateLocked(LinkReconnecting)

	l.clearRetryTimerLocked()
	l.retryTimer = time.AfterFunc(delay, func() {
		l.mu.Lock()
		if l.state != LinkReconnecting {
			l.mu.Unlock()
			return
		}
		l.clearRetryTimerLocked()
		if l.conn != nil {
			_ = l.conn.Close()
			l.conn = nil
		}
		l.gen++
		gen := l.gen
		url := l.cfg.URL
		l.setStateLocked(LinkConnecting)
		l.mu.Unlock()

		l.dialAndRun(gen, url)
	})
}

func (l *Link) clearRetryTimerLocked() {
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
}

// setStateLocked transitions the state and notifies the observer. The
// callback is invoked on a fresh goroutine so observers may call back into
// the link without deadlocking.
func (l *Link) setStateLocked(s LinkState) {
	if l.state == s {
		return
	}
	l.state = s
	if l.cfg.OnStateChange != nil {
		cb := l.cfg.OnStateChange
		go cb(s)
	}
}
