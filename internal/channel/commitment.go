package channel

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/klingon-channels/internal/txbuilder"
)

// Both parties build byte-identical commitment and settlement transactions:
// outputs are ordered funder then responder, and the state hint is masked
// with an obfuscator derived from the keys in the same order.

func (c *Channel) fundingUTXO() (txbuilder.UTXO, []byte, error) {
	if !c.IsFunded() {
		return txbuilder.UTXO{}, nil, fmt.Errorf("%w: channel %s has no funding transaction", ErrState, c.ID)
	}

	lockingScript, err := c.LockingScript()
	if err != nil {
		return txbuilder.UTXO{}, nil, err
	}
	pkScript, err := txbuilder.P2WSHScript(lockingScript)
	if err != nil {
		return txbuilder.UTXO{}, nil, err
	}

	return txbuilder.UTXO{
		TxID:     c.FundingTxID,
		Vout:     c.FundingOutputIndex,
		Amount:   int64(c.Capacity),
		PkScript: pkScript,
	}, lockingScript, nil
}

func (c *Channel) closeOutputs(localBalance, remoteBalance, feeRate uint64) ([]txbuilder.Output, error) {
	funderScript, err := txbuilder.P2WPKHScript(c.FunderKey())
	if err != nil {
		return nil, err
	}
	responderScript, err := txbuilder.P2WPKHScript(c.ResponderKey())
	if err != nil {
		return nil, err
	}

	funderAmount, responderAmount := int64(localBalance), int64(remoteBalance)
	if !c.Initiator {
		funderAmount, responderAmount = responderAmount, funderAmount
	}

	outputs, _, err := txbuilder.ChannelCloseOutputs(funderScript, responderScript, funderAmount, responderAmount, feeRate)
	if errors.Is(err, txbuilder.ErrInsufficientFunds) {
		return nil, fmt.Errorf("%w: channel %s: %v", ErrCapacity, c.ID, err)
	}
	return outputs, err
}

// commitmentTx builds the commitment for the given local view of the
// balances at sequence seq.
func (c *Channel) commitmentTx(localBalance, remoteBalance, seq, feeRate uint64) (*txbuilder.Template, []byte, error) {
	funding, lockingScript, err := c.fundingUTXO()
	if err != nil {
		return nil, nil, err
	}
	outputs, err := c.closeOutputs(localBalance, remoteBalance, feeRate)
	if err != nil {
		return nil, nil, err
	}

	sequence, lockTime, err := txbuilder.StateHintFields(seq, c.StateHintObfuscator())
	if err != nil {
		return nil, nil, err
	}

	tmpl, err := txbuilder.BuildCommitmentTx(funding, outputs, sequence, lockTime)
	if err != nil {
		return nil, nil, err
	}
	return tmpl, lockingScript, nil
}

func (c *Channel) settlementTx(feeRate uint64) (*txbuilder.Template, []byte, error) {
	funding, lockingScript, err := c.fundingUTXO()
	if err != nil {
		return nil, nil, err
	}
	outputs, err := c.closeOutputs(c.LocalBalance, c.RemoteBalance, feeRate)
	if err != nil {
		return nil, nil, err
	}

	tmpl, err := txbuilder.BuildSettlementTx(funding, outputs)
	if err != nil {
		return nil, nil, err
	}
	return tmpl, lockingScript, nil
}

func signTemplate(tmpl *txbuilder.Template, lockingScript []byte, privKey *btcec.PrivateKey) ([]byte, error) {
	return txbuilder.SignInput(tmpl.Tx, 0, privKey, lockingScript, tmpl.InputAmounts[0])
}

func (c *Channel) verifyRemote(tmpl *txbuilder.Template, lockingScript, sig []byte) error {
	remoteKey, err := c.remoteKey()
	if err != nil {
		return fmt.Errorf("%w: bad remote key: %v", ErrSignature, err)
	}
	if !txbuilder.VerifySignature(tmpl.Tx, 0, remoteKey, sig, lockingScript, tmpl.InputAmounts[0]) {
		return fmt.Errorf("%w: counterparty signature does not verify for channel %s", ErrSignature, c.ID)
	}
	return nil
}

// attachWitness completes the funding input with both signatures in key
// order and returns the signed transaction.
func (c *Channel) attachWitness(tmpl *txbuilder.Template, lockingScript, localSig, remoteSig []byte) (*wire.MsgTx, error) {
	funderSig, responderSig := localSig, remoteSig
	if !c.Initiator {
		funderSig, responderSig = remoteSig, localSig
	}

	witness, err := txbuilder.BuildMultisigWitness(funderSig, responderSig, lockingScript)
	if err != nil {
		return nil, err
	}
	tmpl.Tx.TxIn[0].Witness = witness
	return tmpl.Tx, nil
}
