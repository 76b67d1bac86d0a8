package wallet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidAddress   = errors.New("invalid wallet address")
	ErrInvalidSignature = errors.New("invalid signature")
)

// NormalizeAddress validates a hex address and returns its EIP-55 checksum
// form.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", ErrInvalidAddress
	}
	return common.HexToAddress(address).Hex(), nil
}

// VerifySignature checks that sigHex is a personal_sign (EIP-191) signature
// of message by address.
func VerifySignature(address, message, sigHex string) error {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return err
	}
	sig, err := hexutil.Decode(strings.TrimSpace(sigHex))
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", ErrInvalidSignature)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("signature must be %d bytes: %w", crypto.SignatureLength, ErrInvalidSignature)
	}
	// Wallets send V as 27/28.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return fmt.Errorf("recover public key: %w", ErrInvalidSignature)
	}
	if crypto.PubkeyToAddress(*pub).Hex() != addr {
		return ErrInvalidSignature
	}
	return nil
}
