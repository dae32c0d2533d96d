package signer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaoschain/gateway/internal/guard"
)

// Well-known anvil dev keys; safe to embed in tests.
const (
	devKey0 = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devKey1 = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

func TestNewHandleFromHex(t *testing.T) {
	h, err := NewHandleFromHex(devKey0)
	require.NoError(t, err)
	assert.Equal(t, guard.SignerAddress("0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"), h.Address())

	_, err = NewHandleFromHex("not-a-key")
	assert.Error(t, err)
}

func TestRegistryValidatesExistenceOnly(t *testing.T) {
	reg, err := NewInMemoryRegistryFromHexKeys([]string{devKey0, devKey1})
	require.NoError(t, err)

	addrs := reg.List()
	require.Len(t, addrs, 2)

	assert.True(t, reg.IsAvailable(addrs[0]))
	assert.True(t, reg.IsAvailable(addrs[1]))

	unknown, err := guard.NewSignerAddress("0x00000000000000000000000000000000000000ff")
	require.NoError(t, err)
	assert.False(t, reg.IsAvailable(unknown))

	_, ok := reg.Get(unknown)
	assert.False(t, ok)

	h, ok := reg.Get(addrs[0])
	require.True(t, ok)
	assert.Equal(t, addrs[0], h.Address())
}
