package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// BIP-44 path constants for m/44'/60'/0'/0/index.
const (
	PurposeBIP44     = bip32.FirstHardenedChild + 44
	CoinTypeEthereum = bip32.FirstHardenedChild + 60
	AccountZero      = bip32.FirstHardenedChild + 0
	ChangeExternal   = 0
)

// MnemonicEntropyBits is the entropy size for 24-word mnemonics.
const MnemonicEntropyBits = 256

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// GenerateMnemonic creates a new 24-word BIP-39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(MnemonicEntropyBits)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// HDKeys hands out ephemeral signing keys derived from a mnemonic, one per
// call, along m/44'/60'/0'/0/i. Any key that ends up holding stranded dust
// can be re-derived later from the mnemonic and its index.
// It is safe for concurrent use.
type HDKeys struct {
	mu    sync.Mutex
	chain *bip32.Key // m/44'/60'/0'/0
	next  uint32
}

// NewHDKeys derives the external chain of account 0 and starts at startIndex.
func NewHDKeys(mnemonic, passphrase string, startIndex uint32) (*HDKeys, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("derive seed: %w", err)
	}
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	k := master
	for _, idx := range []uint32{PurposeBIP44, CoinTypeEthereum, AccountZero, ChangeExternal} {
		if k, err = k.NewChildKey(idx); err != nil {
			return nil, fmt.Errorf("derive child %d: %w", idx, err)
		}
	}
	return &HDKeys{chain: k, next: startIndex}, nil
}

// Next returns the key at the current index and advances it.
func (h *HDKeys) Next() (*ecdsa.PrivateKey, error) {
	h.mu.Lock()
	i := h.next
	h.next++
	h.mu.Unlock()
	return h.At(i)
}

// At derives the key at index i without moving the cursor.
func (h *HDKeys) At(i uint32) (*ecdsa.PrivateKey, error) {
	child, err := h.chain.NewChildKey(i)
	if err != nil {
		return nil, fmt.Errorf("derive index %d: %w", i, err)
	}
	raw := child.Key
	// bip32 may carry a leading zero byte on private keys.
	if len(raw) == 33 && raw[0] == 0 {
		raw = raw[1:]
	}
	return crypto.ToECDSA(common.LeftPadBytes(raw, 32))
}

// Index reports the index the next call to Next will use.
func (h *HDKeys) Index() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.next
}
