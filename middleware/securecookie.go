package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid cookie format")
	ErrCookieInvalid = errors.New("invalid cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// maxCookieLen bounds how much cookie input is decoded.
const maxCookieLen = 8192

// DefaultAEADKeysize is the key length expected by the default AEAD.
const DefaultAEADKeysize = chacha20poly1305.KeySize

// SecureCookie seals values into cookies and opens them again.
type SecureCookie interface {
	Name() string
	Encode(plain any, maxAge int) (*http.Cookie, error)
	Decode(cookie *http.Cookie, v any) error
	// Clear returns a cookie that deletes this cookie in the client.
	Clear() *http.Cookie
}

// Codec seals and opens byte strings with a rotating set of AEAD keys.
//
// Sealed format: keyID "." base64url(nonce || ciphertext).
type Codec struct {
	KeyID   string
	Keys    map[string][]byte
	NewAEAD func(key []byte) (cipher.AEAD, error)
}

// NewCodec validates keys and returns a Codec sealing with keys[keyID].
func NewCodec(keyID string, keys map[string][]byte, newAEAD func(key []byte) (cipher.AEAD, error)) (*Codec, error) {
	if len(keys) == 0 {
		return nil, errors.New("keys must not be empty")
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("key %q not found", keyID)
	}
	if newAEAD == nil {
		newAEAD = chacha20poly1305.NewX
	}
	for id, k := range keys {
		if _, err := newAEAD(k); err != nil {
			return nil, fmt.Errorf("invalid key %s: %w", id, err)
		}
	}
	return &Codec{KeyID: keyID, Keys: keys, NewAEAD: newAEAD}, nil
}

// Seal encrypts plain, binding it to aad.
func (c *Codec) Seal(plain, aad []byte) (string, error) {
	if c == nil {
		return "", ErrCookieConfig
	}
	aead, err := c.NewAEAD(c.Keys[c.KeyID])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return c.KeyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal with any known key.
func (c *Codec) Open(value string, aad []byte) ([]byte, error) {
	if c == nil {
		return nil, ErrCookieConfig
	}
	if value == "" || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || enc == "" {
		return nil, ErrCookieFormat
	}
	key, ok := c.Keys[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrCookieFormat
	}
	aead, err := c.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return plain, nil
}

// CookieAttrs are the attributes shared by every cookie a SecureCookieAEAD
// writes or clears.
type CookieAttrs struct {
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

// SecureCookieAEAD is the SecureCookie used throughout the portal: values
// are CBOR-encoded, sealed with XChaCha20-Poly1305 and always HttpOnly.
//
// The AAD binds the sealed value to the cookie name, domain, path and secure
// flag, so a value cannot be replayed under another cookie.
type SecureCookieAEAD struct {
	name  string
	attrs CookieAttrs
	codec *Codec

	newAEAD func([]byte) (cipher.AEAD, error)
}

// SecureCookieOption configures a SecureCookieAEAD.
type SecureCookieOption func(*SecureCookieAEAD)

// WithPath sets the cookie path (default "/").
func WithPath(path string) SecureCookieOption {
	return func(sc *SecureCookieAEAD) { sc.attrs.Path = path }
}

// WithDomain sets the cookie domain.
func WithDomain(domain string) SecureCookieOption {
	return func(sc *SecureCookieAEAD) { sc.attrs.Domain = domain }
}

// WithSecure sets the Secure flag (default true). Only disable for plain
// http development servers.
func WithSecure(secure bool) SecureCookieOption {
	return func(sc *SecureCookieAEAD) { sc.attrs.Secure = secure }
}

// WithSameSite sets the SameSite attribute (default Lax).
func WithSameSite(sameSite http.SameSite) SecureCookieOption {
	return func(sc *SecureCookieAEAD) { sc.attrs.SameSite = sameSite }
}

// WithAEAD replaces the AEAD constructor, e.g. with AES-GCM.
func WithAEAD(f func([]byte) (cipher.AEAD, error)) SecureCookieOption {
	return func(sc *SecureCookieAEAD) { sc.newAEAD = f }
}

// NewSecureCookie returns a SecureCookieAEAD named name, sealing with
// keys[keyID].
func NewSecureCookie(name, keyID string, keys map[string][]byte, opts ...SecureCookieOption) (*SecureCookieAEAD, error) {
	sc := &SecureCookieAEAD{
		name:    name,
		attrs:   CookieAttrs{Path: "/", Secure: true, SameSite: http.SameSiteLaxMode},
		newAEAD: chacha20poly1305.NewX,
	}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.attrs.Path == "" {
		sc.attrs.Path = "/"
	}
	codec, err := NewCodec(keyID, keys, sc.newAEAD)
	if err != nil {
		return nil, err
	}
	sc.codec = codec
	return sc, nil
}

func (sc *SecureCookieAEAD) Name() string {
	if sc == nil {
		return ""
	}
	return sc.name
}

// Attrs returns the cookie attributes.
func (sc *SecureCookieAEAD) Attrs() CookieAttrs {
	return sc.attrs
}

func (sc *SecureCookieAEAD) aad() []byte {
	secure := "f"
	if sc.attrs.Secure {
		secure = "t"
	}
	return []byte(sc.name + ":" + sc.attrs.Domain + ":" + sc.attrs.Path + ":" + secure)
}

// Encode seals plain into a cookie living maxAge seconds.
func (sc *SecureCookieAEAD) Encode(plain any, maxAge int) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, ErrCookieInvalid
	}
	if sc.codec == nil {
		return nil, ErrCookieConfig
	}
	b, err := cbor.Marshal(plain)
	if err != nil {
		return nil, err
	}
	val, err := sc.codec.Seal(b, sc.aad())
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     sc.name,
		Value:    val,
		Path:     sc.attrs.Path,
		Domain:   sc.attrs.Domain,
		MaxAge:   maxAge,
		Expires:  time.Now().Add(time.Duration(maxAge) * time.Second),
		Secure:   sc.attrs.Secure,
		HttpOnly: true,
		SameSite: sc.attrs.SameSite,
	}, nil
}

// Decode opens cookie and unmarshals its payload into v.
func (sc *SecureCookieAEAD) Decode(cookie *http.Cookie, v any) error {
	if cookie == nil {
		return ErrCookieFormat
	}
	if sc.codec == nil {
		return ErrCookieConfig
	}
	b, err := sc.codec.Open(cookie.Value, sc.aad())
	if err != nil {
		return err
	}
	return cbor.Unmarshal(b, v)
}

// Clear returns a deletion cookie with matching attributes.
func (sc *SecureCookieAEAD) Clear() *http.Cookie {
	if sc == nil {
		return nil
	}
	return ExpireCookie(sc.name, sc.attrs, true)
}

// ExpireCookie returns an empty, already expired cookie. Browsers only delete
// a cookie when path and domain match the original.
func ExpireCookie(name string, attrs CookieAttrs, httpOnly bool) *http.Cookie {
	path := attrs.Path
	if path == "" {
		path = "/"
	}
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   attrs.Domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   attrs.Secure,
		HttpOnly: httpOnly,
		SameSite: attrs.SameSite,
	}
}

var _ SecureCookie = (*SecureCookieAEAD)(nil)
