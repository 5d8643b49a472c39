package server

// This file contains the passphrase gate of privileged sessions.

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Gate checks passphrases against a SHA-256 digest.
type Gate struct {
	digest [sha256.Size]byte
}

// NewGate accepts either the hex encoded SHA-256 digest of the passphrase or
// the passphrase itself. The digest takes precedence.
func NewGate(hexDigest, passphrase string) (*Gate, error) {
	if hexDigest != "" {
		b, err := hex.DecodeString(strings.TrimSpace(hexDigest))
		if err != nil {
			return nil, fmt.Errorf("failed to decode passphrase digest: %w", err)
		}
		if len(b) != sha256.Size {
			return nil, fmt.Errorf("passphrase digest has %d bytes, expected %d", len(b), sha256.Size)
		}
		g := &Gate{}
		copy(g.digest[:], b)
		return g, nil
	}
	if passphrase == "" {
		return nil, errors.New("no passphrase configured")
	}
	return &Gate{digest: sha256.Sum256([]byte(passphrase))}, nil
}

// Check reports whether password matches, in constant time.
func (g *Gate) Check(password string) bool {
	sum := sha256.Sum256([]byte(password))
	return subtle.ConstantTimeCompare(sum[:], g.digest[:]) == 1
}
