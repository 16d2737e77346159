package wallet

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/klingon-exchange/klingon-channels/internal/chain"
)

// P2WPKHAddress encodes the native SegWit address of a pubkey.
func P2WPKHAddress(pubKey *btcec.PublicKey, network chain.Network) (string, error) {
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, network.Params())
	if err != nil {
		return "", fmt.Errorf("failed to create P2WPKH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// P2WSHAddress encodes the address a funding transaction pays to.
func P2WSHAddress(witnessScript []byte, network chain.Network) (string, error) {
	scriptHash := sha256.Sum256(witnessScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], network.Params())
	if err != nil {
		return "", fmt.Errorf("failed to create P2WSH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// ChannelAddress returns the P2WPKH address of the node's channel key.
func (w *Wallet) ChannelAddress() (string, error) {
	priv, err := w.ChannelKey()
	if err != nil {
		return "", err
	}
	return P2WPKHAddress(priv.PubKey(), w.network)
}
