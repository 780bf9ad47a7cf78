package hashsearch

import (
	"crypto/ecdsa"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
)

// KeySource yields a new signing key per call. Implementations used with
// more than one worker must be safe for concurrent use.
type KeySource interface {
	Next() (*ecdsa.PrivateKey, error)
}

// KeySourceFunc adapts a function to KeySource.
type KeySourceFunc func() (*ecdsa.PrivateKey, error)

func (f KeySourceFunc) Next() (*ecdsa.PrivateKey, error) { return f() }

// RandomKeys returns a source of keys from the system CSPRNG.
func RandomKeys() KeySource {
	return KeySourceFunc(crypto.GenerateKey)
}

// ReaderKeys returns a source that builds each key from the next 32 bytes
// of r. Byte strings that are not a valid secp256k1 scalar are skipped, so a
// seeded reader always yields the same key sequence.
func ReaderKeys(r io.Reader) KeySource {
	return &readerKeys{r: r}
}

type readerKeys struct {
	mu  sync.Mutex
	r   io.Reader
	buf [32]byte
}

func (k *readerKeys) Next() (*ecdsa.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for {
		if _, err := io.ReadFull(k.r, k.buf[:]); err != nil {
			return nil, fmt.Errorf("read key material: %w", err)
		}
		prv, err := crypto.ToECDSA(k.buf[:])
		if err == nil {
			return prv, nil
		}
	}
}
