package hashsearch

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"

	"github.com/ligun0805/hashsend/internal/txbuild"
)

var (
	ErrInvalidTarget   = errors.New("target must be a single lowercase hex digit (0-9, a-f)")
	ErrMissingSigner   = errors.New("nonce-increment search needs the funding key")
	ErrInvalidStrategy = errors.New("unknown search strategy")
	ErrHashMismatch    = errors.New("tx hash does not match signed bytes")
	ErrSuffixMismatch  = errors.New("tx hash does not end in the target")
	ErrAmountMismatch  = errors.New("amount does not match the signed transfer")
)

const hexDigits = "0123456789abcdef"

// ValidateTarget checks that s is exactly one lowercase hex digit.
func ValidateTarget(s string) (byte, error) {
	if len(s) != 1 || strings.IndexByte(hexDigits, s[0]) < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTarget, s)
	}
	return s[0], nil
}

// LastHexChar returns the last hex character of h.
func LastHexChar(h common.Hash) byte {
	return hexDigits[h[len(h)-1]&0x0f]
}

// Strategy selects what the search varies between attempts.
type Strategy int

const (
	// FreshWallet signs each attempt with a new key at nonce 0.
	FreshWallet Strategy = iota
	// NonceIncrement signs with the funding key at increasing nonces.
	NonceIncrement
)

func (s Strategy) String() string {
	switch s {
	case FreshWallet:
		return "fresh-wallet"
	case NonceIncrement:
		return "nonce-increment"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy parses a strategy name. The empty string is FreshWallet.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fresh", "fresh-wallet", "wallet":
		return FreshWallet, nil
	case "nonce", "nonce-increment":
		return NonceIncrement, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStrategy, s)
}

// Result is a matching signed transaction ready for broadcast.
type Result struct {
	SignedRawTx  []byte
	TxHash       common.Hash
	From         common.Address
	Nonce        uint64
	InitialNonce uint64
	GasPrice     *big.Int
	Amount       *big.Int
	Attempts     uint64
	Target       byte
	Strategy     Strategy

	// Signer is the ephemeral key for FreshWallet results. Nil means the
	// transaction is signed by the funding account.
	Signer *ecdsa.PrivateKey
}

// Ephemeral reports whether the result was signed by a throwaway key.
func (r *Result) Ephemeral() bool { return r.Signer != nil }

// SignerAddress returns the ephemeral signer address, or the zero address.
func (r *Result) SignerAddress() common.Address {
	if r.Signer == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(r.Signer.PublicKey)
}

// Gap is the number of nonces that must be filled before the result can be
// mined.
func (r *Result) Gap() uint64 { return r.Nonce - r.InitialNonce }

// Verify recomputes the hash of the signed bytes and checks every field the
// broadcast depends on.
func (r *Result) Verify() error {
	if r == nil || len(r.SignedRawTx) == 0 {
		return errors.New("empty result")
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(r.SignedRawTx)
	if !bytes.Equal(h.Sum(nil), r.TxHash.Bytes()) {
		return ErrHashMismatch
	}
	if LastHexChar(r.TxHash) != r.Target {
		return fmt.Errorf("%w: %s, want %c", ErrSuffixMismatch, r.TxHash.Hex(), r.Target)
	}
	if r.Attempts < 1 {
		return errors.New("attempts must be at least 1")
	}
	if r.Nonce < r.InitialNonce {
		return fmt.Errorf("nonce %d below initial nonce %d", r.Nonce, r.InitialNonce)
	}

	tx, err := txbuild.Decode(r.SignedRawTx)
	if err != nil {
		return err
	}
	if tx.Hash() != r.TxHash {
		return ErrHashMismatch
	}
	if tx.Nonce() != r.Nonce {
		return fmt.Errorf("signed nonce %d, result says %d", tx.Nonce(), r.Nonce)
	}
	from, err := txbuild.Sender(tx)
	if err != nil {
		return fmt.Errorf("recover sender: %w", err)
	}
	if from != r.From {
		return fmt.Errorf("signed by %s, result says %s", from.Hex(), r.From.Hex())
	}
	if r.GasPrice == nil || tx.GasPrice().Cmp(r.GasPrice) != 0 {
		return fmt.Errorf("signed gas price %s, result says %v", tx.GasPrice(), r.GasPrice)
	}
	if r.Amount != nil {
		_, amount, err := txbuild.UnpackTransfer(tx.Data())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAmountMismatch, err)
		}
		if amount.Cmp(r.Amount) != 0 {
			return fmt.Errorf("%w: signed %s, result says %s", ErrAmountMismatch, amount, r.Amount)
		}
	}
	if r.Signer != nil {
		if r.Nonce != 0 || r.InitialNonce != 0 {
			return errors.New("ephemeral signer must use nonce 0")
		}
		if from != r.SignerAddress() {
			return errors.New("ephemeral signer does not match sender")
		}
	}
	return nil
}

// Transfer decodes the signed transaction as an ERC-20 transfer and returns
// the token contract, receiver and amount it carries.
func (r *Result) Transfer() (token, receiver common.Address, amount *big.Int, err error) {
	tx, err := txbuild.Decode(r.SignedRawTx)
	if err != nil {
		return common.Address{}, common.Address{}, nil, err
	}
	if tx.To() == nil {
		return common.Address{}, common.Address{}, nil, txbuild.ErrNotTransfer
	}
	receiver, amount, err = txbuild.UnpackTransfer(tx.Data())
	if err != nil {
		return common.Address{}, common.Address{}, nil, err
	}
	return *tx.To(), receiver, amount, nil
}

// FromSignedNonceTx rebuilds a NonceIncrement result from a transaction the
// funding account signed earlier. initialNonce is the account's pending
// nonce now; the nonces between it and the transaction's become the gap to
// fill. Attempts counts that span, not the original search.
func FromSignedNonceTx(raw []byte, initialNonce uint64) (*Result, error) {
	tx, err := txbuild.Decode(raw)
	if err != nil {
		return nil, err
	}
	from, err := txbuild.Sender(tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}
	if tx.Nonce() < initialNonce {
		return nil, fmt.Errorf("nonce %d already used, account is at %d", tx.Nonce(), initialNonce)
	}
	r := &Result{
		SignedRawTx:  raw,
		TxHash:       tx.Hash(),
		From:         from,
		Nonce:        tx.Nonce(),
		InitialNonce: initialNonce,
		GasPrice:     tx.GasPrice(),
		Attempts:     tx.Nonce() - initialNonce + 1,
		Target:       LastHexChar(tx.Hash()),
		Strategy:     NonceIncrement,
	}
	if _, amount, err := txbuild.UnpackTransfer(tx.Data()); err == nil {
		r.Amount = amount
	}
	return r, nil
}
