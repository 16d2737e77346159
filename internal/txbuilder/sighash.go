package txbuilder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SigHashType is the only hash type channel signatures use.
const SigHashType = txscript.SigHashAll

// ErrInputIndex is returned when an input index is out of range.
var ErrInputIndex = errors.New("input index out of range")

// BuildSighashPreimage serializes the BIP143 message for SIGHASH_ALL:
//
//	version | hashPrevouts | hashSequence | outpoint | scriptCode |
//	amount | nSequence | hashOutputs | nLockTime | sighash type
//
// Committing to the input amount stops a signature from being replayed on
// another input or against a different value.
func BuildSighashPreimage(tx *wire.MsgTx, inputIndex int, lockingScript []byte, inputAmount int64) ([]byte, error) {
	if tx == nil {
		return nil, fmt.Errorf("nil transaction")
	}
	if inputIndex < 0 || inputIndex >= len(tx.TxIn) {
		return nil, fmt.Errorf("%w: %d (tx has %d inputs)", ErrInputIndex, inputIndex, len(tx.TxIn))
	}

	var prevouts, sequences, outputs bytes.Buffer
	var scratch [4]byte
	for _, in := range tx.TxIn {
		prevouts.Write(in.PreviousOutPoint.Hash[:])
		binary.LittleEndian.PutUint32(scratch[:], in.PreviousOutPoint.Index)
		prevouts.Write(scratch[:])

		binary.LittleEndian.PutUint32(scratch[:], in.Sequence)
		sequences.Write(scratch[:])
	}
	for _, out := range tx.TxOut {
		if err := wire.WriteTxOut(&outputs, 0, 0, out); err != nil {
			return nil, fmt.Errorf("failed to serialize output: %w", err)
		}
	}

	in := tx.TxIn[inputIndex]
	var buf bytes.Buffer

	binary.LittleEndian.PutUint32(scratch[:], uint32(tx.Version))
	buf.Write(scratch[:])

	buf.Write(chainhash.DoubleHashB(prevouts.Bytes()))
	buf.Write(chainhash.DoubleHashB(sequences.Bytes()))

	buf.Write(in.PreviousOutPoint.Hash[:])
	binary.LittleEndian.PutUint32(scratch[:], in.PreviousOutPoint.Index)
	buf.Write(scratch[:])

	if err := wire.WriteVarBytes(&buf, 0, lockingScript); err != nil {
		return nil, fmt.Errorf("failed to write script code: %w", err)
	}

	var amount [8]byte
	binary.LittleEndian.PutUint64(amount[:], uint64(inputAmount))
	buf.Write(amount[:])

	binary.LittleEndian.PutUint32(scratch[:], in.Sequence)
	buf.Write(scratch[:])

	buf.Write(chainhash.DoubleHashB(outputs.Bytes()))

	binary.LittleEndian.PutUint32(scratch[:], tx.LockTime)
	buf.Write(scratch[:])

	binary.LittleEndian.PutUint32(scratch[:], uint32(SigHashType))
	buf.Write(scratch[:])

	return buf.Bytes(), nil
}

// SighashDigest returns the double-SHA256 of the BIP143 preimage, the value
// actually signed.
func SighashDigest(tx *wire.MsgTx, inputIndex int, lockingScript []byte, inputAmount int64) ([]byte, error) {
	preimage, err := BuildSighashPreimage(tx, inputIndex, lockingScript, inputAmount)
	if err != nil {
		return nil, err
	}
	return chainhash.DoubleHashB(preimage), nil
}

// SignInput signs an input with RFC6979 ECDSA and returns the DER signature
// with the sighash type byte appended.
func SignInput(tx *wire.MsgTx, inputIndex int, privKey *btcec.PrivateKey, lockingScript []byte, inputAmount int64) ([]byte, error) {
	if privKey == nil {
		return nil, fmt.Errorf("private key required")
	}

	digest, err := SighashDigest(tx, inputIndex, lockingScript, inputAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash: %w", err)
	}

	sig := btcecdsa.Sign(privKey, digest)
	return append(sig.Serialize(), byte(SigHashType)), nil
}

// VerifySignature checks a signature produced by SignInput. Any malformed
// argument makes it return false.
func VerifySignature(tx *wire.MsgTx, inputIndex int, pubKey *btcec.PublicKey, signature, lockingScript []byte, inputAmount int64) bool {
	if pubKey == nil || len(signature) < 2 {
		return false
	}
	if txscript.SigHashType(signature[len(signature)-1]) != SigHashType {
		return false
	}

	sig, err := btcecdsa.ParseDERSignature(signature[:len(signature)-1])
	if err != nil {
		return false
	}

	digest, err := SighashDigest(tx, inputIndex, lockingScript, inputAmount)
	if err != nil {
		return false
	}

	return sig.Verify(digest, pubKey)
}
