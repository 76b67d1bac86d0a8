package wallet

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tokenportal/portal/events"
	"github.com/tokenportal/portal/session"
)

var (
	// ErrInProgress is returned when the guard refuses an attempt.
	ErrInProgress = errors.New("wallet authentication already in progress, please wait")
	// ErrReplayed is returned for a signed message that was already used.
	ErrReplayed = errors.New("signed message already used, please sign again")
)

// Backend performs the wallet login against the backend API.
type Backend interface {
	WalletLogin(ctx context.Context, address, message, signature string) (*session.UserProfile, error)
}

// Request is one signed login attempt.
type Request struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// Result is a successful attempt. Cached is set when the address was already
// authenticated and the backend was not called again. A cached result still
// needs a fresh signed message.
type Result struct {
	Address string
	User    *session.UserProfile
	Cached  bool
}

// Authenticator runs wallet logins through the Registry.
type Authenticator struct {
	Registry *Registry
	Backend  Backend
	Events   *events.Publisher
	Logger   *zap.Logger
}

func NewAuthenticator(reg *Registry, backend Backend, pub *events.Publisher, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{Registry: reg, Backend: backend, Events: pub, Logger: logger}
}

// Authenticate checks the signature locally, then logs in through the
// backend unless the address is already authenticated. A failed attempt
// always leaves the address retryable.
func (a *Authenticator) Authenticate(ctx context.Context, req Request) (*Result, error) {
	addr, err := NormalizeAddress(req.Address)
	if err != nil {
		return nil, &Error{Kind: KindGeneric, Err: err}
	}
	if err := VerifySignature(addr, req.Message, req.Signature); err != nil {
		return nil, &Error{Kind: KindGeneric, Err: err}
	}
	if a.Registry.IsAuthenticated(addr) {
		if !a.Registry.UseMessage(addr, req.Message) {
			a.Logger.Warn("wallet message replayed", zap.String("address", addr))
			return nil, &Error{Kind: KindGeneric, Err: ErrReplayed}
		}
		return &Result{Address: addr, Cached: true}, nil
	}
	if !a.Registry.Begin(addr) {
		return nil, &Error{Kind: KindGeneric, Err: ErrInProgress}
	}

	user, err := a.Backend.WalletLogin(ctx, addr, req.Message, req.Signature)
	if err != nil {
		a.Registry.MarkAsFailed(addr)
		kind := Classify(err)
		a.Logger.Warn("wallet authentication failed",
			zap.String("address", addr),
			zap.Stringer("kind", kind),
			zap.Error(err),
		)
		a.Events.Publish(ctx, events.Event{Type: events.WalletFailed, Method: session.MethodWallet.String(), Subject: addr, Reason: kind.String()})
		return nil, &Error{Kind: kind, Err: fmt.Errorf("wallet login: %w", err)}
	}

	a.Registry.MarkAsAuthenticated(addr)
	a.Registry.UseMessage(addr, req.Message)
	a.Events.Publish(ctx, events.Event{Type: events.WalletAuthenticated, Method: session.MethodWallet.String(), Subject: addr})
	return &Result{Address: addr, User: user}, nil
}

// Disconnect forgets address so the next connect authenticates again.
func (a *Authenticator) Disconnect(ctx context.Context, address string) error {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return err
	}
	a.Registry.RemoveWallet(addr)
	a.Events.Publish(ctx, events.Event{Type: events.WalletDisconnected, Method: session.MethodWallet.String(), Subject: addr})
	return nil
}
