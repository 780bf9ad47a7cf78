package wallet

import (
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestParsePrivateKey(t *testing.T) {
	want := common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")
	for _, in := range []string{
		"4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		"0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		"  0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318\n",
	} {
		prv, err := ParsePrivateKey(in)
		require.NoError(t, err)
		assert.Equal(t, want, Address(prv))
	}

	_, err := ParsePrivateKey("  ")
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = ParsePrivateKey("0xzz")
	assert.Error(t, err)
}

func TestHDKeysKnownVector(t *testing.T) {
	keys, err := NewHDKeys(testMnemonic, "", 0)
	require.NoError(t, err)

	prv, err := keys.Next()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x9858EfFD232B4033E47d90003D41EC34EcaEda94"), Address(prv))
	assert.Equal(t, uint32(1), keys.Index())

	again, err := keys.At(0)
	require.NoError(t, err)
	assert.Equal(t, prv.D, again.D)
}

func TestHDKeysStartIndexAndUniqueness(t *testing.T) {
	a, err := NewHDKeys(testMnemonic, "", 0)
	require.NoError(t, err)
	b, err := NewHDKeys(testMnemonic, "", 5)
	require.NoError(t, err)

	k5, err := a.At(5)
	require.NoError(t, err)
	first, err := b.Next()
	require.NoError(t, err)
	assert.Equal(t, Address(k5), Address(first))

	seen := make(map[common.Address]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k, err := a.Next()
			assert.NoError(t, err)
			mu.Lock()
			seen[Address(k)] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 16)
	assert.Equal(t, uint32(16), a.Index())
}

func TestHDKeysRejectsBadMnemonic(t *testing.T) {
	_, err := NewHDKeys("abandon abandon", "", 0)
	assert.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestGenerateMnemonic(t *testing.T) {
	m, err := GenerateMnemonic()
	require.NoError(t, err)
	assert.Len(t, strings.Fields(m), 24)
	_, err = NewHDKeys(m, "", 0)
	assert.NoError(t, err)
}

func TestMaskHex(t *testing.T) {
	assert.Equal(t, "***", MaskHex("0x1234"))
	assert.Equal(t, "0x4c08...2318", MaskHex("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"))
}
