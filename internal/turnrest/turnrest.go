// Package turnrest generates coturn-compatible TURN REST credentials.
//
// Self-hosted TURN servers running with use-static-auth-secret expect
// time-limited credentials derived from a shared secret instead of a static
// username/password pair:
//
//	username   = <unix_expiry_timestamp>:<prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eztrans/peerlink/internal/ratelimit"
)

const DefaultTTL = time.Hour

// Generator mints ephemeral TURN credentials from a shared secret.
type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	clock  ratelimit.Clock
}

func NewGenerator(secret string, ttl time.Duration, prefix string, clock ratelimit.Clock) (*Generator, error) {
	if secret == "" {
		return nil, errors.New("shared secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "peerlink"
	}
	if strings.Contains(prefix, ":") {
		return nil, errors.New("prefix must not contain ':'")
	}
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Generator{
		secret: []byte(secret),
		ttl:    ttl,
		prefix: prefix,
		clock:  clock,
	}, nil
}

// Credentials is one ephemeral username/credential pair. The TURN server
// rejects it after Expiry.
type Credentials struct {
	Username   string
	Credential string
	Expiry     time.Time
}

func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" {
		return Credentials{}, errors.New("sessionID is required")
	}
	if strings.Contains(sessionID, ":") {
		return Credentials{}, errors.New("sessionID must not contain ':'")
	}

	expiry := g.clock.Now().UTC().Add(g.ttl)
	username := fmt.Sprintf("%d:%s:%s", expiry.Unix(), g.prefix, sessionID)

	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))
	credential := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return Credentials{
		Username:   username,
		Credential: credential,
		Expiry:     expiry,
	}, nil
}

// GenerateRandom mints credentials with a random session id, for clients that
// have no stable identity yet.
func (g *Generator) GenerateRandom() (Credentials, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return Credentials{}, err
	}
	return g.Generate(hex.EncodeToString(b[:]))
}
