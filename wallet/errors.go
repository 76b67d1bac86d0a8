package wallet

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// ErrorKind classifies wallet authentication failures for the user.
type ErrorKind uint8

const (
	KindGeneric ErrorKind = iota
	KindUserRejected
	KindInsufficientFunds
	KindNetwork
)

func (k ErrorKind) String() string {
	switch k {
	case KindUserRejected:
		return "user_rejected"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindNetwork:
		return "network"
	default:
		return "generic"
	}
}

// Message is the notification shown to the user.
func (k ErrorKind) Message() string {
	switch k {
	case KindUserRejected:
		return "Signature request was rejected in your wallet."
	case KindInsufficientFunds:
		return "Insufficient funds in your wallet."
	case KindNetwork:
		return "Network error, please try again."
	default:
		return "Wallet authentication failed, please try again."
	}
}

// EIP-1193 provider error code for a rejected request.
const codeUserRejected = 4001

// Classify maps err to an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindGeneric
	}
	var we *Error
	if errors.As(err, &we) && we.Kind != KindGeneric {
		return we.Kind
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeUserRejected {
		return KindUserRejected
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"), strings.Contains(msg, "rejected the request"):
		return KindUserRejected
	case strings.Contains(msg, "insufficient funds"):
		return KindInsufficientFunds
	case strings.Contains(msg, "network"), strings.Contains(msg, "timeout"), strings.Contains(msg, "failed to fetch"), strings.Contains(msg, "connection refused"):
		return KindNetwork
	}
	return KindGeneric
}

// Error is a classified authentication failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }
