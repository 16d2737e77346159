package txbuilder

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

const (
	// StateHintSize is the number of bytes of state number spread across the
	// commitment's input sequence and locktime.
	StateHintSize = 6

	maxStateHint uint64 = (1 << 48) - 1

	// TimelockShift keeps the locktime above 500,000,000 (a unix timestamp)
	// yet far in the past, so the commitment is always final while the low
	// 24 bits carry part of the state number.
	TimelockShift = uint32(1 << 29)
)

// StateHintObfuscator derives the XOR mask for the state hint from both
// funding keys, funder first. Both parties compute the same value.
func StateHintObfuscator(funderKey, responderKey []byte) [StateHintSize]byte {
	h := sha256.New()
	h.Write(funderKey)
	h.Write(responderKey)
	sum := h.Sum(nil)

	var obfuscator [StateHintSize]byte
	copy(obfuscator[:], sum[len(sum)-StateHintSize:])
	return obfuscator
}

// StateHintFields returns the input sequence and locktime encoding stateNum.
// The low 24 bits of the obfuscated number go to the locktime, the high 24
// bits to the sequence with relative locktimes disabled.
func StateHintFields(stateNum uint64, obfuscator [StateHintSize]byte) (sequence, lockTime uint32, err error) {
	if stateNum > maxStateHint {
		return 0, 0, fmt.Errorf("state number %d exceeds maximum %d", stateNum, maxStateHint)
	}

	stateNum ^= obfuscatorInt(obfuscator)

	sequence = uint32(stateNum>>24) | wire.SequenceLockTimeDisabled
	lockTime = uint32(stateNum&0xFFFFFF) | TimelockShift
	return sequence, lockTime, nil
}

// SetStateHint writes stateNum into a single-input commitment transaction.
func SetStateHint(tx *wire.MsgTx, stateNum uint64, obfuscator [StateHintSize]byte) error {
	if len(tx.TxIn) != 1 {
		return fmt.Errorf("commitment must have exactly 1 input, has %d", len(tx.TxIn))
	}

	sequence, lockTime, err := StateHintFields(stateNum, obfuscator)
	if err != nil {
		return err
	}
	tx.TxIn[0].Sequence = sequence
	tx.LockTime = lockTime
	return nil
}

// GetStateHint recovers the state number from a commitment's first input.
func GetStateHint(tx *wire.MsgTx, obfuscator [StateHintSize]byte) (uint64, error) {
	if len(tx.TxIn) == 0 {
		return 0, fmt.Errorf("transaction has no inputs")
	}

	stateNumXor := uint64(tx.TxIn[0].Sequence&0xFFFFFF) << 24
	stateNumXor |= uint64(tx.LockTime & 0xFFFFFF)

	return stateNumXor ^ obfuscatorInt(obfuscator), nil
}

// IsSettlement reports whether tx carries the cooperative settlement fields
// (final sequence, zero locktime) rather than a commitment state hint.
func IsSettlement(tx *wire.MsgTx) bool {
	return len(tx.TxIn) > 0 &&
		tx.TxIn[0].Sequence == wire.MaxTxInSequenceNum &&
		tx.LockTime == 0
}

func obfuscatorInt(obfuscator [StateHintSize]byte) uint64 {
	var obfs [8]byte
	copy(obfs[2:], obfuscator[:])
	return binary.BigEndian.Uint64(obfs[:])
}
