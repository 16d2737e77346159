// Package txbuilder constructs the scripts and transactions of a two-party
// payment channel: the 2-of-2 funding script, BIP143 signature hashes, input
// signatures and the funding, commitment and settlement templates.
//
// Everything here is a pure function over its arguments.
package txbuilder

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Script errors
var (
	ErrInvalidPubKey    = errors.New("invalid public key")
	ErrInvalidSignature = errors.New("invalid signature encoding")
)

// BuildMultisigLockingScript creates the 2-of-2 script
//
//	OP_2 <pubKeyA> <pubKeyB> OP_2 OP_CHECKMULTISIG
//
// Keys are used in the order given. Swapping them yields a different script,
// so the caller must persist the order used at funding time.
func BuildMultisigLockingScript(pubKeyA, pubKeyB []byte) ([]byte, error) {
	if err := checkCompressedKey(pubKeyA); err != nil {
		return nil, fmt.Errorf("key A: %w", err)
	}
	if err := checkCompressedKey(pubKeyB); err != nil {
		return nil, fmt.Errorf("key B: %w", err)
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_2)
	builder.AddData(pubKeyA)
	builder.AddData(pubKeyB)
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	return builder.Script()
}

// BuildMultisigUnlockingScript creates OP_0 <sigA> <sigB>.
// The leading OP_0 is consumed by OP_CHECKMULTISIG's extra stack pop.
// Signatures must follow the key order of the locking script.
func BuildMultisigUnlockingScript(sigA, sigB []byte) ([]byte, error) {
	if len(sigA) == 0 || len(sigB) == 0 {
		return nil, ErrInvalidSignature
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(sigA)
	builder.AddData(sigB)

	return builder.Script()
}

// BuildMultisigWitness returns the segwit form of the unlocking script for a
// P2WSH funding output: [<empty>, sigA, sigB, lockingScript].
func BuildMultisigWitness(sigA, sigB, lockingScript []byte) (wire.TxWitness, error) {
	if len(sigA) == 0 || len(sigB) == 0 {
		return nil, ErrInvalidSignature
	}
	if len(lockingScript) == 0 {
		return nil, fmt.Errorf("locking script required")
	}
	return wire.TxWitness{nil, sigA, sigB, lockingScript}, nil
}

// P2WSHScript returns OP_0 <sha256(witnessScript)>.
func P2WSHScript(witnessScript []byte) ([]byte, error) {
	h := sha256.Sum256(witnessScript)

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(h[:])
	return builder.Script()
}

// P2WPKHScript returns OP_0 <hash160(pubKey)>, the payout script for a
// channel party.
func P2WPKHScript(pubKey []byte) ([]byte, error) {
	if err := checkCompressedKey(pubKey); err != nil {
		return nil, err
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(btcutil.Hash160(pubKey))
	return builder.Script()
}

func checkCompressedKey(pubKey []byte) error {
	if len(pubKey) != btcec.PubKeyBytesLenCompressed {
		return fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidPubKey, btcec.PubKeyBytesLenCompressed, len(pubKey))
	}
	if _, err := btcec.ParsePubKey(pubKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	return nil
}
