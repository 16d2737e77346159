// Package wallet derives the node's channel key from a BIP39 seed.
package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/klingon-exchange/klingon-channels/internal/chain"
	"github.com/tyler-smith/go-bip39"
)

// Key families under the channel purpose, m/1017'/coin'/family'/0/index.
const (
	ChannelPurpose = uint32(1017)

	// FamilyMultiSig holds the keys that go into funding scripts.
	FamilyMultiSig = uint32(0)
	// FamilyPayout holds the keys that receive settlement outputs.
	FamilyPayout = uint32(1)
)

// Wallet manages HD keys derived from a BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	network   chain.Network
	mu        sync.Mutex
	cache     map[KeyLocator]*hdkeychain.ExtendedKey
}

// KeyLocator identifies a key by family and index.
type KeyLocator struct {
	Family uint32
	Index  uint32
}

func (l KeyLocator) String() string {
	return fmt.Sprintf("family %d index %d", l.Family, l.Index)
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256) // 256 bits = 24 words
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic.
// The passphrase is optional (can be empty string).
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	defer SecureClear(seed)

	return NewFromSeed(seed, network)
}

// NewFromSeed creates a wallet from a raw 64-byte seed.
func NewFromSeed(seed []byte, network chain.Network) (*Wallet, error) {
	if !network.IsValid() {
		return nil, fmt.Errorf("unknown network %q", network)
	}

	masterKey, err := hdkeychain.NewMaster(seed, network.Params())
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		network:   network,
		cache:     make(map[KeyLocator]*hdkeychain.ExtendedKey),
	}, nil
}

// Network returns the wallet's network.
func (w *Wallet) Network() chain.Network {
	return w.network
}

// DerivationPath returns the full path of a locator.
func (w *Wallet) DerivationPath(loc KeyLocator) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/0/%d", ChannelPurpose, w.network.CoinType(), loc.Family, loc.Index)
}

// DeriveKey derives the key at m/1017'/coin'/family'/0/index.
func (w *Wallet) DeriveKey(loc KeyLocator) (*hdkeychain.ExtendedKey, error) {
	if err := ValidateKeyLocator(loc); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if key, ok := w.cache[loc]; ok {
		return key, nil
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + ChannelPurpose,
		hdkeychain.HardenedKeyStart + w.network.CoinType(),
		hdkeychain.HardenedKeyStart + loc.Family,
		0,
		loc.Index,
	}

	key := w.masterKey
	for i, child := range path {
		var err error
		if key, err = key.Derive(child); err != nil {
			return nil, fmt.Errorf("failed to derive level %d of %s: %w", i, w.DerivationPath(loc), err)
		}
	}

	w.cache[loc] = key
	return key, nil
}

// PrivateKey derives the private key for a locator.
func (w *Wallet) PrivateKey(loc KeyLocator) (*btcec.PrivateKey, error) {
	key, err := w.DeriveKey(loc)
	if err != nil {
		return nil, err
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return privKey, nil
}

// ChannelKey returns the node's funding key, the first multisig key.
func (w *Wallet) ChannelKey() (*btcec.PrivateKey, error) {
	return w.PrivateKey(KeyLocator{Family: FamilyMultiSig})
}

// ClearCache drops all derived keys from memory.
func (w *Wallet) ClearCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache = make(map[KeyLocator]*hdkeychain.ExtendedKey)
}
