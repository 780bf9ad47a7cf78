// Package wallet handles signing keys: the long-lived funding key and the
// ephemeral keys handed out to the hash search.
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrEmptyKey is returned for a blank private key string.
var ErrEmptyKey = errors.New("empty private key")

// ParsePrivateKey parses a hex private key with or without the 0x prefix.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	h := strings.TrimSpace(s)
	h = strings.TrimPrefix(strings.TrimPrefix(h, "0x"), "0X")
	if h == "" {
		return nil, ErrEmptyKey
	}
	prv, err := crypto.HexToECDSA(h)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return prv, nil
}

// Address returns the account address of prv.
func Address(prv *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(prv.PublicKey)
}

// MaskHex shortens a secret for display, keeping only its ends.
func MaskHex(h string) string {
	h = strings.TrimSpace(h)
	if len(h) <= 10 {
		return "***"
	}
	return h[:6] + "..." + h[len(h)-4:]
}
