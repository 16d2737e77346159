package channel

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/klingon-exchange/klingon-channels/internal/txbuilder"
)

// State is a channel lifecycle state.
//
//	pending --fund+open--> open --close--> closing --confirmed--> closed
//	                       open --force--> disputed --expiry--> closed
//	pending --cancel--> closed
type State string

const (
	StatePending  State = "pending"
	StateOpen     State = "open"
	StateClosing  State = "closing"
	StateDisputed State = "disputed"
	StateClosed   State = "closed"
)

// Direction of a payment from this node's point of view.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// HexBytes marshals as a hex string in JSON.
type HexBytes []byte

// MarshalJSON implements json.Marshaler.
func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}
	*h = b
	return nil
}

// Channel is this node's view of a bilateral channel. Balances are from the
// local perspective; the peer holds a mirrored record under the same id.
type Channel struct {
	ID           string `json:"id"`
	LocalPeerID  string `json:"local_peer_id"`
	RemotePeerID string `json:"remote_peer_id"`

	LocalPubKey  HexBytes `json:"local_pubkey"`
	RemotePubKey HexBytes `json:"remote_pubkey"`

	// Initiator is true on the funder's side. The funder's key is always
	// the first key of the multisig script.
	Initiator bool `json:"initiator"`

	State    State `json:"state"`
	Canceled bool  `json:"canceled,omitempty"`

	Capacity       uint64 `json:"capacity"`
	LocalBalance   uint64 `json:"local_balance"`
	RemoteBalance  uint64 `json:"remote_balance"`
	SequenceNumber uint64 `json:"sequence_number"`

	FundingTxID        string `json:"funding_txid,omitempty"`
	FundingOutputIndex uint32 `json:"funding_output_index"`

	// NLockTime is the dispute-window deadline in unix seconds.
	NLockTime int64 `json:"nlocktime"`

	// Counterparty signature over the commitment at RemoteSigSequence, and
	// the balances that commitment pays. It lags SequenceNumber while a
	// sent payment awaits its acknowledgement.
	RemoteSig           HexBytes `json:"remote_sig,omitempty"`
	RemoteSigSequence   uint64   `json:"remote_sig_sequence"`
	SignedLocalBalance  uint64   `json:"signed_local_balance"`
	SignedRemoteBalance uint64   `json:"signed_remote_balance"`

	CloseTxID string `json:"close_txid,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Clone returns a deep copy.
func (c *Channel) Clone() *Channel {
	cp := *c
	cp.LocalPubKey = append(HexBytes(nil), c.LocalPubKey...)
	cp.RemotePubKey = append(HexBytes(nil), c.RemotePubKey...)
	if c.RemoteSig != nil {
		cp.RemoteSig = append(HexBytes(nil), c.RemoteSig...)
	}
	return &cp
}

// IsFunded reports whether a funding reference is attached.
func (c *Channel) IsFunded() bool {
	return c.FundingTxID != ""
}

// FunderKey returns the first multisig key.
func (c *Channel) FunderKey() []byte {
	if c.Initiator {
		return c.LocalPubKey
	}
	return c.RemotePubKey
}

// ResponderKey returns the second multisig key.
func (c *Channel) ResponderKey() []byte {
	if c.Initiator {
		return c.RemotePubKey
	}
	return c.LocalPubKey
}

// LockingScript returns the 2-of-2 witness script of the funding output.
func (c *Channel) LockingScript() ([]byte, error) {
	return txbuilder.BuildMultisigLockingScript(c.FunderKey(), c.ResponderKey())
}

// StateHintObfuscator returns the mask both parties use for commitment
// state hints on this channel.
func (c *Channel) StateHintObfuscator() [txbuilder.StateHintSize]byte {
	return txbuilder.StateHintObfuscator(c.FunderKey(), c.ResponderKey())
}

// AwaitingAck reports whether the last sent payment has not been
// countersigned by the peer yet.
func (c *Channel) AwaitingAck() bool {
	return c.RemoteSigSequence != c.SequenceNumber
}

func (c *Channel) remoteKey() (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(c.RemotePubKey)
}

// Payment is the signed balance update sent to the peer after CreatePayment.
// Balances are from the sender's point of view.
type Payment struct {
	ChannelID         string    `json:"channel_id"`
	Amount            uint64    `json:"amount"`
	NewLocalBalance   uint64    `json:"new_local_balance"`
	NewRemoteBalance  uint64    `json:"new_remote_balance"`
	NewSequenceNumber uint64    `json:"new_sequence_number"`
	Signature         HexBytes  `json:"signature"`
	Timestamp         time.Time `json:"timestamp"`
}

// CommitmentSig is this node's signature over a channel transaction at a
// given sequence, exchanged so the peer can complete it.
type CommitmentSig struct {
	ChannelID string   `json:"channel_id"`
	Sequence  uint64   `json:"sequence"`
	Signature HexBytes `json:"signature"`
}

// PaymentRecord is an entry of the payment history.
type PaymentRecord struct {
	ChannelID string    `json:"channel_id"`
	Sequence  uint64    `json:"sequence"`
	Amount    uint64    `json:"amount"`
	Direction Direction `json:"direction"`
	Signature HexBytes  `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
}
