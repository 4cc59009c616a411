// Package signature authenticates inbound payment gateway notifications.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
)

const (
	SHA256 = "sha256"
	SHA512 = "sha512"
)

var ErrEmptySecret = errors.New("webhook secret is empty")

// Verifier checks an HMAC over the raw request body.
type Verifier struct {
	secret    []byte
	algorithm string
	newHash   func() hash.Hash
}

func NewVerifier(secret, algorithm string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	v := &Verifier{secret: []byte(secret), algorithm: strings.ToLower(algorithm)}
	switch v.algorithm {
	case SHA256, "":
		v.algorithm = SHA256
		v.newHash = sha256.New
	case SHA512:
		v.newHash = sha512.New
	default:
		return nil, fmt.Errorf("unsupported signature algorithm %q", algorithm)
	}
	return v, nil
}

// Verify reports whether header carries a valid signature for rawBody.
// The header is a hex digest, optionally prefixed with "<algorithm>=".
func (v *Verifier) Verify(rawBody []byte, header string) bool {
	header = strings.TrimSpace(header)
	header = strings.TrimPrefix(header, v.algorithm+"=")
	if header == "" {
		return false
	}
	given, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	return hmac.Equal(given, v.mac(rawBody))
}

// Sign returns the hex signature a gateway would send for rawBody.
func (v *Verifier) Sign(rawBody []byte) string {
	return hex.EncodeToString(v.mac(rawBody))
}

func (v *Verifier) mac(body []byte) []byte {
	m := hmac.New(v.newHash, v.secret)
	m.Write(body)
	return m.Sum(nil)
}
