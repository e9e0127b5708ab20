// Package client assembles the signaling link, the negotiation engine and the
// transfer protocol into the application-facing peer client.
package client

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/eztrans/peerlink/internal/config"
	"github.com/eztrans/peerlink/internal/identity"
	"github.com/eztrans/peerlink/internal/metrics"
	"github.com/eztrans/peerlink/internal/negotiation"
	"github.com/eztrans/peerlink/internal/ratelimit"
	"github.com/eztrans/peerlink/internal/signaling"
	"github.com/eztrans/peerlink/internal/transfer"
)

// Events are the application's observer callbacks. All may be nil; none may
// block, they run on network goroutines.
type Events struct {
	OnLinkState      func(signaling.LinkState)
	OnSessionState   func(peer string, state negotiation.SessionState)
	OnConsentRequest func(peer string)
	OnOfferRejected  func(peer, reason string)
	OnChatMessage    func(transfer.ChatMessage)
	OnFileStart      func(id, name string, size int64)
	OnFileProgress   func(id string, receivedChunks, totalChunks int)
	OnFileComplete   func(transfer.FileRecord)
	OnFileFailed     func(id string, err error)
}

// Config carries the client's dependencies. Identity, Logger and Metrics
// default sensibly when nil; NewTransport defaults to the pion factory built
// from the runtime config.
type Config struct {
	Runtime config.Config

	Identity     *identity.Store
	NewTransport negotiation.TransportFactory
	Clock        ratelimit.Clock
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Events       Events
}

// Status is a point-in-time snapshot for the status endpoint and the CLI.
type Status struct {
	UID          string                   `json:"uid"`
	LinkState    signaling.LinkState      `json:"linkState"`
	Peer         string                   `json:"peer,omitempty"`
	SessionState negotiation.SessionState `json:"sessionState"`
	PendingPeer  string                   `json:"pendingPeer,omitempty"`
	Messages     int                      `json:"messages"`
	Transfers    int                      `json:"transfers"`
}

// Client is the top-level peer-to-peer messaging client.
type Client struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	events  Events
	runtime config.Config

	link   *signaling.Link
	engine *negotiation.Engine

	mu        sync.Mutex
	endpoint  *transfer.Endpoint
	messages  []transfer.ChatMessage
	transfers []transfer.FileRecord
}

func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Identity == nil {
		store, err := identity.NewStore(cfg.Runtime.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("identity store: %w", err)
		}
		cfg.Identity = store
	}
	if cfg.NewTransport == nil {
		cfg.NewTransport = negotiation.NewPionFactory(negotiation.PionConfig{
			ICEServers: cfg.Runtime.ICEServers,
			Logger:     cfg.Logger,
		})
	}

	c := &Client{
		log:     cfg.Logger.With("component", "client"),
		metrics: cfg.Metrics,
		events:  cfg.Events,
		runtime: cfg.Runtime,
	}

	c.engine = negotiation.NewEngine(negotiation.EngineConfig{
		Send:         func(env signaling.Envelope) { c.link.Send(env) },
		NewTransport: cfg.NewTransport,
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
		OnConsentRequest: func(peer string) {
			if c.events.OnConsentRequest != nil {
				c.events.OnConsentRequest(peer)
			}
		},
		OnStateChange: func(peer string, state negotiation.SessionState) {
			if c.events.OnSessionState != nil {
				c.events.OnSessionState(peer, state)
			}
		},
		OnRejected: func(peer, reason string) {
			if c.events.OnOfferRejected != nil {
				c.events.OnOfferRejected(peer, reason)
			}
		},
		OnChannelOpen:    c.handleChannelOpen,
		OnChannelMessage: c.handleChannelMessage,
		OnChannelClose:   c.handleChannelClose,
	})

	c.link = signaling.NewLink(signaling.LinkConfig{
		URL:               cfg.Runtime.SignalingURL,
		Identity:          cfg.Identity,
		BaseDelay:         cfg.Runtime.ReconnectBaseDelay,
		MaxDelay:          cfg.Runtime.ReconnectMaxDelay,
		MaxAttempts:       cfg.Runtime.ReconnectMaxAttempts,
		MaxMessageBytes:   cfg.Runtime.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.Runtime.MaxSignalingMessagesPerSecond,
		Clock:             cfg.Clock,
		Logger:            cfg.Logger,
		Metrics:           cfg.Metrics,
		OnEnvelope:        c.engine.HandleEnvelope,
		OnStateChange: func(state signaling.LinkState) {
			if c.events.OnLinkState != nil {
				c.events.OnLinkState(state)
			}
		},
	})

	return c, nil
}

// Connect brings up the signaling link.
func (c *Client) Connect() { c.link.Connect() }

// Disconnect tears down the signaling link and the active session.
func (c *Client) Disconnect() {
	c.engine.Close()
	c.link.Disconnect()
}

// Reconnect restarts the signaling link with a fresh retry budget.
func (c *Client) Reconnect() { c.link.Reconnect() }

// UID returns the relay-issued identity, or "" before the first login.
func (c *Client) UID() string { return c.link.UID() }

// Dial offers a session to the peer with the given UID.
func (c *Client) Dial(peer string) error {
	if c.link.State() != signaling.LinkOpen {
		return fmt.Errorf("dial: signaling link is not connected")
	}
	return c.engine.Dial(peer)
}

// AcceptOffer answers the pending inbound offer.
func (c *Client) AcceptOffer() error { return c.engine.Accept() }

// RejectOffer declines the pending inbound offer.
func (c *Client) RejectOffer(reason string) error { return c.engine.Reject(reason) }

// HangUp closes the active peer session but keeps the signaling link.
func (c *Client) HangUp() { c.engine.Close() }

// SendText sends a chat message over the open session.
func (c *Client) SendText(content string) (transfer.ChatMessage, error) {
	ep, err := c.openEndpoint()
	if err != nil {
		return transfer.ChatMessage{}, err
	}
	msg, err := ep.SendText(content)
	if err != nil {
		return transfer.ChatMessage{}, err
	}
	c.recordMessage(msg)
	return msg, nil
}

// SendFile streams a local file to the peer over the open session.
func (c *Client) SendFile(path string) (transfer.FileRecord, error) {
	ep, err := c.openEndpoint()
	if err != nil {
		return transfer.FileRecord{}, err
	}
	rec, err := ep.SendFile(path)
	if err != nil {
		return transfer.FileRecord{}, err
	}
	c.recordTransfer(rec)
	return rec, nil
}

// Messages returns the chat history in arrival order.
func (c *Client) Messages() []transfer.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transfer.ChatMessage(nil), c.messages...)
}

// Transfers returns the completed transfer history.
func (c *Client) Transfers() []transfer.FileRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transfer.FileRecord(nil), c.transfers...)
}

func (c *Client) Status() Status {
	c.mu.Lock()
	messages := len(c.messages)
	transfers := len(c.transfers)
	c.mu.Unlock()

	return Status{
		UID:          c.link.UID(),
		LinkState:    c.link.State(),
		Peer:         c.engine.Peer(),
		SessionState: c.engine.State(),
		PendingPeer:  c.engine.PendingPeer(),
		Messages:     messages,
		Transfers:    transfers,
	}
}

// Close shuts the client down.
func (c *Client) Close() {
	c.Disconnect()
}

func (c *Client) openEndpoint() (*transfer.Endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endpoint == nil {
		return nil, fmt.Errorf("no open peer session")
	}
	return c.endpoint, nil
}

func (c *Client) handleChannelOpen(peer string, ch negotiation.Channel) {
	ep := transfer.NewEndpoint(transfer.Config{
		Peer:        peer,
		Channel:     ch,
		DownloadDir: c.runtime.DownloadDir,
		Logger:      c.log,
		Metrics:     c.metrics,
		Events: transfer.Events{
			OnText: func(msg transfer.ChatMessage) {
				c.recordMessage(msg)
			},
			OnFileStart: func(id, name string, size int64) {
				if c.events.OnFileStart != nil {
					c.events.OnFileStart(id, name, size)
				}
			},
			OnFileProgress: func(id string, received, total int) {
				if c.events.OnFileProgress != nil {
					c.events.OnFileProgress(id, received, total)
				}
			},
			OnFileComplete: func(rec transfer.FileRecord) {
				c.recordTransfer(rec)
			},
			OnFileFailed: func(id string, err error) {
				if c.events.OnFileFailed != nil {
					c.events.OnFileFailed(id, err)
				}
			},
		},
	})

	c.mu.Lock()
	c.endpoint = ep
	c.mu.Unlock()
	c.log.Info("peer session connected", "peer", peer)
}

func (c *Client) handleChannelMessage(peer string, msg negotiation.ChannelMessage) {
	c.mu.Lock()
	ep := c.endpoint
	c.mu.Unlock()
	if ep == nil {
		c.log.Warn("channel frame with no endpoint dropped", "peer", peer)
		return
	}
	ep.HandleMessage(msg)
}

func (c *Client) handleChannelClose(peer string) {
	c.mu.Lock()
	ep := c.endpoint
	c.endpoint = nil
	c.mu.Unlock()
	if ep != nil {
		ep.Close()
	}
	c.log.Info("peer session closed", "peer", peer)
}

func (c *Client) recordMessage(msg transfer.ChatMessage) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	if c.events.OnChatMessage != nil {
		c.events.OnChatMessage(msg)
	}
}

func (c *Client) recordTransfer(rec transfer.FileRecord) {
	c.mu.Lock()
	c.transfers = append(c.transfers, rec)
	c.mu.Unlock()
	if c.events.OnFileComplete != nil {
		c.events.OnFileComplete(rec)
	}
}
