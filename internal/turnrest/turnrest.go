// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest). Call clients fetch them alongside the ICE
// server list, so the long-lived TURN secret never leaves the server.
//
// Algorithm:
//
//	username   = <unix_expiry>:<prefix>:<user_or_random_id>
//	credential = base64(hmac_sha1(shared_secret, username))
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
)

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

type Credentials struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

// NewGenerator validates the shared configuration. now may be nil outside of
// tests.
func NewGenerator(secret string, ttl time.Duration, prefix string, now func() time.Time) (*Generator, error) {
	if secret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("turnrest: ttl must be positive")
	}
	if prefix == "" || strings.Contains(prefix, ":") {
		return nil, errors.New("turnrest: prefix must be non-empty and contain no ':'")
	}
	if now == nil {
		now = time.Now
	}
	return &Generator{secret: []byte(secret), ttl: ttl, prefix: prefix, now: now}, nil
}

// For mints credentials tied to the given identifier, typically a user id.
func (g *Generator) For(id string) (Credentials, error) {
	if id == "" || strings.Contains(id, ":") {
		return Credentials{}, errors.New("turnrest: id must be non-empty and contain no ':'")
	}
	expiresAt := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expiresAt.Unix(), g.prefix, id)

	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))

	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiresAt:  expiresAt,
	}, nil
}

// Random mints credentials for an anonymous client.
func (g *Generator) Random() (Credentials, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return Credentials{}, err
	}
	return g.For(hex.EncodeToString(b[:]))
}
