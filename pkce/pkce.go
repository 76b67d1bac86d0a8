// Package pkce generates the random values of an OIDC authorization request:
// the PKCE verifier and challenge, the state and the nonce.
package pkce

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// Charset is the RFC 3986 unreserved set random strings are drawn from.
const Charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

const (
	// VerifierLength is the length of generated code verifiers (RFC 7636 maximum).
	VerifierLength = 128
	// StateLength is the length of generated state and nonce values.
	StateLength = 32
	// MethodS256 is the only challenge method this package produces.
	MethodS256 = "S256"
	// RequestTTL bounds how long a request context may wait for its callback.
	RequestTTL = 10 * time.Minute
)

// ErrRandomUnavailable is returned when the secure random source fails.
var ErrRandomUnavailable = errors.New("pkce: secure random source unavailable")

// rejection threshold: the largest multiple of len(Charset) below 256.
const maxByte = 256 - (256 % len(Charset))

// RandomString returns n characters drawn uniformly from Charset using
// crypto/rand.
func RandomString(n int) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("pkce: negative length %d", n)
	}
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/4+8)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("%w: %v", ErrRandomUnavailable, err)
		}
		for _, b := range buf {
			if int(b) >= maxByte {
				continue
			}
			out = append(out, Charset[int(b)%len(Charset)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// Pair is a PKCE code verifier and its S256 challenge.
type Pair struct {
	Verifier  string
	Challenge string
}

// Generate returns a new verifier of VerifierLength characters and its
// challenge, base64url(SHA256(verifier)) without padding.
func Generate() (Pair, error) {
	v, err := RandomString(VerifierLength)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Verifier: v, Challenge: oauth2.S256ChallengeFromVerifier(v)}, nil
}

// RequestContext is everything one authorization attempt needs to carry
// across the provider round trip. Only the fields tagged for CBOR are kept
// in the request cookie; the challenge is derived and sent to the provider.
type RequestContext struct {
	State         string    `cbor:"1,keyasint"`
	Nonce         string    `cbor:"2,keyasint"`
	CodeVerifier  string    `cbor:"3,keyasint"`
	CodeChallenge string    `cbor:"-"`
	NextURL       string    `cbor:"4,keyasint,omitempty"`
	ExpiresAt     time.Time `cbor:"5,keyasint"`
}

// NewRequestContext generates a fresh state, nonce and PKCE pair valid for
// RequestTTL from now.
func NewRequestContext(now time.Time) (RequestContext, error) {
	state, err := RandomString(StateLength)
	if err != nil {
		return RequestContext{}, err
	}
	nonce, err := RandomString(StateLength)
	if err != nil {
		return RequestContext{}, err
	}
	pair, err := Generate()
	if err != nil {
		return RequestContext{}, err
	}
	return RequestContext{
		State:         state,
		Nonce:         nonce,
		CodeVerifier:  pair.Verifier,
		CodeChallenge: pair.Challenge,
		ExpiresAt:     now.Add(RequestTTL),
	}, nil
}

// Expired reports whether the context can no longer be consumed at now.
func (rc RequestContext) Expired(now time.Time) bool {
	return rc.ExpiresAt.IsZero() || now.After(rc.ExpiresAt)
}
