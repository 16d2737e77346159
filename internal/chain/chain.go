// Package chain defines the Bitcoin networks a channel can be opened on and
// the parameters each one needs (address encoding, BIP44 coin type, default
// block explorer endpoints).
package chain

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network identifies a Bitcoin network.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// Params contains everything the daemon needs to know about a network.
type Params struct {
	Network Network
	Name    string

	// BIP44 coin type (0 for mainnet, 1 for every test network).
	CoinType uint32

	// Default REST endpoints for the chain backends.
	MempoolURL string
	EsploraURL string

	// Consensus parameters from btcd, used for addresses and HD keys.
	Chain *chaincfg.Params
}

var registry = make(map[Network]*Params)

// Register adds network params to the registry.
func Register(params *Params) {
	registry[params.Network] = params
}

// Get returns the params for a network.
func Get(network Network) (*Params, bool) {
	params, ok := registry[network]
	return params, ok
}

// ParseNetwork converts a user-supplied name into a Network.
// "testnet4" and "signet" style aliases are not accepted.
func ParseNetwork(s string) (Network, error) {
	n := Network(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := registry[n]; !ok {
		return "", fmt.Errorf("unknown network %q", s)
	}
	return n, nil
}

// Params returns the btcd consensus params for the network, falling back to
// mainnet for an unknown value.
func (n Network) Params() *chaincfg.Params {
	if p, ok := registry[n]; ok {
		return p.Chain
	}
	return &chaincfg.MainNetParams
}

// CoinType returns the BIP44 coin type for the network.
func (n Network) CoinType() uint32 {
	if p, ok := registry[n]; ok {
		return p.CoinType
	}
	return 0
}

// IsValid reports whether the network is registered.
func (n Network) IsValid() bool {
	_, ok := registry[n]
	return ok
}
