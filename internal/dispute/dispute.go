// Package dispute watches channel funding outputs for stale commitments
// broadcast by the peer and optionally answers them with the latest one.
package dispute

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/klingon-channels/internal/channel"
)

// ErrNoDispute is returned when resolving a channel with no active dispute.
var ErrNoDispute = errors.New("no active dispute")

// Dispute describes a stale commitment seen on chain.
type Dispute struct {
	ChannelID         string        `json:"channel_id"`
	DetectedAt        time.Time     `json:"detected_at"`
	BroadcastTxID     string        `json:"broadcast_txid"`
	BroadcastSequence uint64        `json:"broadcast_sequence"`
	LatestSequence    uint64        `json:"latest_sequence"`
	TimeToExpiry      time.Duration `json:"time_to_expiry"`

	// CanRespond is true while the dispute window is still open.
	CanRespond bool `json:"can_respond"`

	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height,omitempty"`

	// Set once the latest commitment has been broadcast in response.
	ResponseTxID  string `json:"response_txid,omitempty"`
	ResponseError string `json:"response_error,omitempty"`

	Channel *channel.Channel `json:"channel"`
}

func (d *Dispute) clone() *Dispute {
	cp := *d
	if d.Channel != nil {
		cp.Channel = d.Channel.Clone()
	}
	return &cp
}

// Responder produces the latest fully signed commitment for a channel.
// *channel.Manager implements it.
type Responder interface {
	LatestCommitment(id string) (*wire.MsgTx, *channel.Channel, error)
}

// Handler is notified once per detected dispute, after the first automatic
// response attempt if one was made.
type Handler interface {
	HandleDispute(d *Dispute)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(d *Dispute)

// HandleDispute implements Handler.
func (f HandlerFunc) HandleDispute(d *Dispute) { f(d) }

type nopHandler struct{}

func (nopHandler) HandleDispute(*Dispute) {}
