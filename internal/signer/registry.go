// Package signer provides the signer registry. The registry validates the
// existence of externally chosen signers; it has no API for choosing one,
// and that absence is part of the contract. Callers always arrive with an
// explicit address.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chaoschain/gateway/internal/guard"
)

// Registry validates signer existence. Implementations must never select a
// signer on the caller's behalf.
type Registry interface {
	IsAvailable(addr guard.SignerAddress) bool
	Get(addr guard.SignerAddress) (*Handle, bool)
	List() []guard.SignerAddress
}

// Handle owns the key material for one signer address.
type Handle struct {
	address guard.SignerAddress
	key     *ecdsa.PrivateKey
}

// Address returns the signer's lowercased hex address.
func (h *Handle) Address() guard.SignerAddress { return h.address }

// SignTx signs tx for the given chain id.
func (h *Handle) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), h.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction for %s: %w", h.address, err)
	}
	return signed, nil
}

// NewHandleFromHex builds a handle from a hex-encoded secp256k1 private key.
func NewHandleFromHex(hexKey string) (*Handle, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signer private key: %w", err)
	}
	addr, err := guard.NewSignerAddress(crypto.PubkeyToAddress(key.PublicKey).Hex())
	if err != nil {
		return nil, err
	}
	return &Handle{address: addr, key: key}, nil
}

// InMemoryRegistry is the concrete registry. Handles are loaded at startup;
// there is no runtime rotation.
type InMemoryRegistry struct {
	mu      sync.RWMutex
	handles map[guard.SignerAddress]*Handle
}

// NewInMemoryRegistry creates a registry from pre-built handles.
func NewInMemoryRegistry(handles ...*Handle) *InMemoryRegistry {
	r := &InMemoryRegistry{handles: make(map[guard.SignerAddress]*Handle, len(handles))}
	for _, h := range handles {
		r.handles[h.address] = h
	}
	return r
}

// NewInMemoryRegistryFromHexKeys creates a registry from hex private keys.
func NewInMemoryRegistryFromHexKeys(hexKeys []string) (*InMemoryRegistry, error) {
	handles := make([]*Handle, 0, len(hexKeys))
	for _, k := range hexKeys {
		h, err := NewHandleFromHex(k)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return NewInMemoryRegistry(handles...), nil
}

// IsAvailable reports whether addr is registered.
func (r *InMemoryRegistry) IsAvailable(addr guard.SignerAddress) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handles[addr]
	return ok
}

// Get returns the handle for addr, if registered.
func (r *InMemoryRegistry) Get(addr guard.SignerAddress) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[addr]
	return h, ok
}

// List returns all registered addresses in stable order.
func (r *InMemoryRegistry) List() []guard.SignerAddress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]guard.SignerAddress, 0, len(r.handles))
	for addr := range r.handles {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
