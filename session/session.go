// Package session holds the portal's authenticated identity.
//
// A Store is built per request from a Persistence, rehydrated from it, and
// flushed back before the response is written. The persisted record is the
// single source of truth; the Store's State is derived from it.
package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// AuthMethod is how the current session was established.
type AuthMethod uint8

const (
	MethodNone AuthMethod = iota
	MethodSSO
	MethodTransparency
	MethodWallet
)

func (m AuthMethod) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodSSO:
		return "sso"
	case MethodTransparency:
		return "transparency"
	case MethodWallet:
		return "wallet"
	default:
		return fmt.Sprintf("AuthMethod(%d)", uint8(m))
	}
}

// ParseAuthMethod is the inverse of String. "" and "none" are MethodNone.
func ParseAuthMethod(s string) (AuthMethod, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return MethodNone, nil
	case "sso":
		return MethodSSO, nil
	case "transparency":
		return MethodTransparency, nil
	case "wallet":
		return MethodWallet, nil
	default:
		return MethodNone, fmt.Errorf("session: unknown auth method %q", s)
	}
}

// MarshalJSON writes MethodNone as null.
func (m AuthMethod) MarshalJSON() ([]byte, error) {
	if m == MethodNone {
		return []byte("null"), nil
	}
	return json.Marshal(m.String())
}

func (m *AuthMethod) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*m = MethodNone
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseAuthMethod(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// UserProfile is the subset of identity claims the portal shows. It is
// replaced wholesale on every login.
type UserProfile struct {
	ID          string `json:"id" cbor:"1,keyasint"`
	Username    string `json:"username" cbor:"2,keyasint"`
	Email       string `json:"email" cbor:"3,keyasint"`
	FirstName   string `json:"firstName" cbor:"4,keyasint"`
	LastName    string `json:"lastName" cbor:"5,keyasint"`
	PhoneNumber string `json:"phoneNumber,omitempty" cbor:"6,keyasint,omitempty"`
}

// Claims are the ID token claims a profile is derived from.
type Claims struct {
	Subject           string `json:"sub"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	PhoneNumber       string `json:"phone_number"`
}

// Profile derives a UserProfile. Username falls back to the email address.
func (c Claims) Profile() UserProfile {
	username := c.PreferredUsername
	if username == "" {
		username = c.Email
	}
	return UserProfile{
		ID:          c.Subject,
		Username:    username,
		Email:       c.Email,
		FirstName:   c.GivenName,
		LastName:    c.FamilyName,
		PhoneNumber: c.PhoneNumber,
	}
}

// State is a snapshot of the session.
//
// IsAuthenticated is true iff AuthMethod != MethodNone. Token is only set for
// MethodSSO and never serialised to clients.
type State struct {
	IsAuthenticated bool         `json:"isAuthenticated"`
	User            *UserProfile `json:"user"`
	Token           string       `json:"-"`
	AuthMethod      AuthMethod   `json:"authMethod"`
	WalletAddress   string       `json:"walletAddress,omitempty"`
}

// Record is what a Persistence stores for an SSO session.
type Record struct {
	Method       AuthMethod   `cbor:"1,keyasint"`
	Token        string       `cbor:"2,keyasint"`
	IDToken      string       `cbor:"3,keyasint,omitempty"`
	RefreshToken string       `cbor:"4,keyasint,omitempty"`
	User         *UserProfile `cbor:"5,keyasint,omitempty"`
}
