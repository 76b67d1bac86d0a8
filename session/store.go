package session

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// DefaultTTL is how long a session is persisted when its token carries no
// expiry. Such a session is still purged on the next Rehydrate.
const DefaultTTL = time.Hour

var (
	ErrTokenMalformed = errors.New("session: malformed token")
	ErrTokenNoExpiry  = errors.New("session: token has no exp claim")
	ErrTokenExpired   = errors.New("session: token expired")
)

// TokenExpiry decodes the exp claim of a JWT without verifying its
// signature. Verification is the backend's job; this only decides whether a
// persisted token is worth keeping.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, errors.Join(ErrTokenMalformed, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, errors.Join(ErrTokenMalformed, err)
	}
	if exp == nil {
		return time.Time{}, ErrTokenNoExpiry
	}
	return exp.Time, nil
}

// Store is the session of one request.
type Store struct {
	persistence Persistence
	now         func() time.Time
	logger      *zap.Logger

	state        State
	idToken      string
	refreshToken string
	dirty        bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger for persistence failures.
func WithLogger(l *zap.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore returns an empty Store over p.
func NewStore(p Persistence, opts ...StoreOption) *Store {
	s := &Store{persistence: p, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.persistence == nil {
		s.persistence = NewMemoryPersistence()
	}
	return s
}

// State returns a copy of the current session.
func (s *Store) State() State {
	st := s.state
	if st.User != nil {
		u := *st.User
		st.User = &u
	}
	return st
}

// IsAuthenticated reports whether any login method is active.
func (s *Store) IsAuthenticated() bool {
	return s.state.AuthMethod != MethodNone
}

// IDToken returns the raw ID token of an SSO session, for id_token_hint.
func (s *Store) IDToken() string {
	if s.state.AuthMethod != MethodSSO {
		return ""
	}
	return s.idToken
}

// RefreshToken returns the refresh token of an SSO session.
func (s *Store) RefreshToken() string {
	if s.state.AuthMethod != MethodSSO {
		return ""
	}
	return s.refreshToken
}

// LoginOption adds provider artefacts to an SSO login.
type LoginOption func(*Record)

func WithIDToken(raw string) LoginOption {
	return func(r *Record) { r.IDToken = raw }
}

func WithRefreshToken(raw string) LoginOption {
	return func(r *Record) { r.RefreshToken = raw }
}

// LoginWithSSO persists token and the profile derived from claims, then
// switches the session to SSO. The token is trusted as given. On error the
// session is left unchanged.
func (s *Store) LoginWithSSO(ctx context.Context, token string, claims Claims, opts ...LoginOption) error {
	user := claims.Profile()
	rec := Record{Method: MethodSSO, Token: token, User: &user}
	for _, opt := range opts {
		opt(&rec)
	}
	if err := s.persistence.Save(ctx, rec, s.ttl(token)); err != nil {
		return err
	}
	s.apply(rec)
	s.dirty = false
	return nil
}

// LoginWithTransparency mirrors a transparency portal login. Authorisation
// rests on the portal's own httpOnly cookie, so no token is kept and nothing
// is persisted here.
func (s *Store) LoginWithTransparency(user UserProfile) {
	s.state = State{IsAuthenticated: true, User: &user, AuthMethod: MethodTransparency}
	s.idToken, s.refreshToken = "", ""
	s.dirty = true
}

// LoginWithWallet marks the session as wallet-authenticated for address.
// Wallet sessions hold no token and are not persisted.
func (s *Store) LoginWithWallet(address string, user *UserProfile) {
	var u *UserProfile
	if user != nil {
		cp := *user
		u = &cp
	}
	s.state = State{IsAuthenticated: true, User: u, AuthMethod: MethodWallet, WalletAddress: address}
	s.idToken, s.refreshToken = "", ""
	s.dirty = true
}

// Rehydrate loads the persisted session. Only an SSO record whose token is
// structurally valid and unexpired is restored; anything else is purged and
// the session stays empty. Failures are logged, never returned.
func (s *Store) Rehydrate(ctx context.Context) {
	s.state = State{}
	s.idToken, s.refreshToken = "", ""
	s.dirty = false

	rec, err := s.persistence.Load(ctx)
	if err != nil {
		s.logger.Debug("discarding unreadable session", zap.Error(err))
		s.purge(ctx)
		return
	}
	if rec == nil {
		return
	}
	if rec.Method != MethodSSO || rec.Token == "" {
		s.purge(ctx)
		return
	}
	exp, err := TokenExpiry(rec.Token)
	if err == nil && !exp.After(s.now()) {
		err = ErrTokenExpired
	}
	if err != nil {
		s.logger.Debug("discarding persisted session", zap.Error(err))
		s.purge(ctx)
		return
	}
	s.apply(*rec)
}

// InitializeAuth is Rehydrate under the name the login flow uses at startup.
func (s *Store) InitializeAuth(ctx context.Context) {
	s.Rehydrate(ctx)
}

// Flush writes changes made since the last Rehydrate or login to
// persistence. Non-SSO methods clear any persisted record.
func (s *Store) Flush(ctx context.Context) error {
	if !s.dirty {
		return nil
	}
	var err error
	switch s.state.AuthMethod {
	case MethodSSO:
		rec := Record{
			Method:       MethodSSO,
			Token:        s.state.Token,
			IDToken:      s.idToken,
			RefreshToken: s.refreshToken,
			User:         s.state.User,
		}
		err = s.persistence.Save(ctx, rec, s.ttl(s.state.Token))
	case MethodNone, MethodTransparency, MethodWallet:
		err = s.persistence.Clear(ctx)
	}
	if err == nil {
		s.dirty = false
	}
	return err
}

// Logout clears persistence and the session unconditionally. It is safe to
// call any number of times.
func (s *Store) Logout(ctx context.Context) {
	s.purge(ctx)
	s.state = State{}
	s.idToken, s.refreshToken = "", ""
	s.dirty = false
}

// AuthHeader returns "Bearer <token>" for an SSO session with a token. Other
// methods must not send an Authorization header.
func (s *Store) AuthHeader() (string, bool) {
	switch s.state.AuthMethod {
	case MethodSSO:
		if s.state.Token == "" {
			return "", false
		}
		return "Bearer " + s.state.Token, true
	case MethodNone, MethodTransparency, MethodWallet:
		return "", false
	}
	return "", false
}

func (s *Store) apply(rec Record) {
	var u *UserProfile
	if rec.User != nil {
		cp := *rec.User
		u = &cp
	}
	s.state = State{IsAuthenticated: true, User: u, Token: rec.Token, AuthMethod: MethodSSO}
	s.idToken = rec.IDToken
	s.refreshToken = rec.RefreshToken
}

func (s *Store) purge(ctx context.Context) {
	if err := s.persistence.Clear(ctx); err != nil {
		s.logger.Warn("failed to clear persisted session", zap.Error(err))
	}
}

func (s *Store) ttl(token string) time.Duration {
	exp, err := TokenExpiry(token)
	if err != nil {
		return DefaultTTL
	}
	return max(exp.Sub(s.now()), time.Second)
}
