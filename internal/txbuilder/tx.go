package txbuilder

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Transaction errors
var (
	ErrNoUTXOs           = errors.New("no UTXOs available")
	ErrInvalidTxID       = errors.New("invalid transaction ID")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// DustLimit is the smallest output value the templates will create.
const DustLimit = int64(546)

// Size estimates in vbytes.
const (
	txOverheadVSize = 11 // version, marker/flag, counts, locktime
	p2wpkhInVSize   = 68
	p2wpkhOutVSize  = 31
	p2wshOutVSize   = 43

	// One P2WSH 2-of-2 input: 41 bytes base plus a 222 byte witness
	// ([], sig, sig, 71 byte script) at a quarter weight.
	multisigInVSize = 41 + 56
)

// UTXO is an output being spent.
type UTXO struct {
	TxID     string
	Vout     uint32
	Amount   int64
	PkScript []byte
}

// Output is an output to create.
type Output struct {
	PkScript []byte
	Amount   int64
}

// Template is an unsigned transaction and the amount each of its inputs
// commits to, in input order. The amounts feed BuildSighashPreimage.
type Template struct {
	Tx           *wire.MsgTx
	InputAmounts []int64
}

// BuildFundingTx spends wallet UTXOs into the P2WSH funding output (always
// output 0) plus change. Change below the dust limit is left to the fee.
// Inputs are left unsigned; wallet custody is handled elsewhere.
func BuildFundingTx(utxos []UTXO, lockingScript []byte, capacity int64, changeScript []byte, feeRate uint64) (*Template, error) {
	if len(utxos) == 0 {
		return nil, ErrNoUTXOs
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive")
	}

	fundingScript, err := P2WSHScript(lockingScript)
	if err != nil {
		return nil, fmt.Errorf("failed to build funding script: %w", err)
	}

	tx := wire.NewMsgTx(2)
	amounts := make([]int64, 0, len(utxos))
	var totalInput int64
	for _, utxo := range utxos {
		outpoint, err := parseOutpoint(utxo.TxID, utxo.Vout)
		if err != nil {
			return nil, err
		}
		txIn := wire.NewTxIn(outpoint, nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum - 2 // RBF
		tx.AddTxIn(txIn)

		amounts = append(amounts, utxo.Amount)
		totalInput += utxo.Amount
	}

	tx.AddTxOut(wire.NewTxOut(capacity, fundingScript))

	vsize := int64(txOverheadVSize + len(utxos)*p2wpkhInVSize + p2wshOutVSize)
	if len(changeScript) > 0 {
		vsize += p2wpkhOutVSize
	}
	fee := vsize * int64(feeRate)

	if totalInput < capacity+fee {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, capacity+fee, totalInput)
	}

	change := totalInput - capacity - fee
	if len(changeScript) > 0 && change >= DustLimit {
		tx.AddTxOut(wire.NewTxOut(change, changeScript))
	}

	return &Template{Tx: tx, InputAmounts: amounts}, nil
}

// BuildCommitmentTx spends the funding output into outputs using the given
// input sequence and locktime. See StateHintFields for how a channel encodes
// its state number into those two fields.
func BuildCommitmentTx(funding UTXO, outputs []Output, sequence, lockTime uint32) (*Template, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("commitment needs at least one output")
	}

	outpoint, err := parseOutpoint(funding.TxID, funding.Vout)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	txIn := wire.NewTxIn(outpoint, nil, nil)
	txIn.Sequence = sequence
	tx.AddTxIn(txIn)
	tx.LockTime = lockTime

	var total int64
	for _, out := range outputs {
		tx.AddTxOut(wire.NewTxOut(out.Amount, out.PkScript))
		total += out.Amount
	}
	if total > funding.Amount {
		return nil, fmt.Errorf("%w: outputs %d exceed funding %d", ErrInsufficientFunds, total, funding.Amount)
	}

	return &Template{Tx: tx, InputAmounts: []int64{funding.Amount}}, nil
}

// BuildSettlementTx is the cooperative close: final sequence, no locktime.
func BuildSettlementTx(funding UTXO, outputs []Output) (*Template, error) {
	return BuildCommitmentTx(funding, outputs, wire.MaxTxInSequenceNum, 0)
}

// EstimateChannelCloseVSize is the size of a funding spend with numOutputs
// P2WPKH outputs.
func EstimateChannelCloseVSize(numOutputs int) int64 {
	return int64(txOverheadVSize + multisigInVSize + numOutputs*p2wpkhOutVSize)
}

// ChannelCloseOutputs splits the funding amount between the funder and the
// responder, in that order. The funder pays the fee; any part of the fee
// the funder cannot cover comes out of the responder's share. Outputs below
// the dust limit are omitted.
func ChannelCloseOutputs(funderScript, responderScript []byte, funderAmount, responderAmount int64, feeRate uint64) ([]Output, int64, error) {
	fee := EstimateChannelCloseVSize(2) * int64(feeRate)

	funderAmount -= fee
	if funderAmount < 0 {
		responderAmount += funderAmount
		funderAmount = 0
	}
	if responderAmount < 0 {
		return nil, 0, fmt.Errorf("%w: channel cannot pay fee %d", ErrInsufficientFunds, fee)
	}

	var outputs []Output
	if funderAmount >= DustLimit {
		outputs = append(outputs, Output{PkScript: funderScript, Amount: funderAmount})
	}
	if responderAmount >= DustLimit {
		outputs = append(outputs, Output{PkScript: responderScript, Amount: responderAmount})
	}
	if len(outputs) == 0 {
		return nil, 0, fmt.Errorf("%w: no output above dust after fee", ErrInsufficientFunds)
	}

	return outputs, fee, nil
}

// SerializeTx serializes a transaction to hex.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DeserializeTx deserializes a transaction from hex.
func DeserializeTx(hexStr string) (*wire.MsgTx, error) {
	data, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %w", err)
	}
	return tx, nil
}

func parseOutpoint(txid string, vout uint32) (*wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTxID, txid)
	}
	return wire.NewOutPoint(hash, vout), nil
}
