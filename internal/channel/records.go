package channel

import (
	"github.com/klingon-exchange/klingon-channels/internal/storage"
)

// Store is the persistence the Manager needs. *storage.Storage implements it.
type Store interface {
	CreateChannel(ch *storage.ChannelRecord) error
	GetChannel(id string) (*storage.ChannelRecord, error)
	ListChannels() ([]*storage.ChannelRecord, error)
	ListChannelsByState(states ...string) ([]*storage.ChannelRecord, error)
	UpdateChannel(ch *storage.ChannelRecord) error
	ApplyPayment(ch *storage.ChannelRecord, payment *storage.PaymentRecord) error
	GetPayments(channelID string) ([]*storage.PaymentRecord, error)
}

func channelToRecord(c *Channel) *storage.ChannelRecord {
	return &storage.ChannelRecord{
		ID:                  c.ID,
		LocalPeerID:         c.LocalPeerID,
		RemotePeerID:        c.RemotePeerID,
		LocalPubKey:         c.LocalPubKey,
		RemotePubKey:        c.RemotePubKey,
		Initiator:           c.Initiator,
		State:               string(c.State),
		Canceled:            c.Canceled,
		Capacity:            c.Capacity,
		LocalBalance:        c.LocalBalance,
		RemoteBalance:       c.RemoteBalance,
		SequenceNumber:      c.SequenceNumber,
		FundingTxID:         c.FundingTxID,
		FundingOutputIndex:  c.FundingOutputIndex,
		NLockTime:           c.NLockTime,
		RemoteSig:           c.RemoteSig,
		RemoteSigSequence:   c.RemoteSigSequence,
		SignedLocalBalance:  c.SignedLocalBalance,
		SignedRemoteBalance: c.SignedRemoteBalance,
		CloseTxID:           c.CloseTxID,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
		LastActivity:        c.LastActivity,
	}
}

func channelFromRecord(r *storage.ChannelRecord) *Channel {
	return &Channel{
		ID:                  r.ID,
		LocalPeerID:         r.LocalPeerID,
		RemotePeerID:        r.RemotePeerID,
		LocalPubKey:         r.LocalPubKey,
		RemotePubKey:        r.RemotePubKey,
		Initiator:           r.Initiator,
		State:               State(r.State),
		Canceled:            r.Canceled,
		Capacity:            r.Capacity,
		LocalBalance:        r.LocalBalance,
		RemoteBalance:       r.RemoteBalance,
		SequenceNumber:      r.SequenceNumber,
		FundingTxID:         r.FundingTxID,
		FundingOutputIndex:  r.FundingOutputIndex,
		NLockTime:           r.NLockTime,
		RemoteSig:           r.RemoteSig,
		RemoteSigSequence:   r.RemoteSigSequence,
		SignedLocalBalance:  r.SignedLocalBalance,
		SignedRemoteBalance: r.SignedRemoteBalance,
		CloseTxID:           r.CloseTxID,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		LastActivity:        r.LastActivity,
	}
}

func paymentToRecord(p *PaymentRecord) *storage.PaymentRecord {
	return &storage.PaymentRecord{
		ChannelID: p.ChannelID,
		Sequence:  p.Sequence,
		Amount:    p.Amount,
		Direction: string(p.Direction),
		Signature: p.Signature,
		Timestamp: p.Timestamp,
	}
}

func paymentFromRecord(r *storage.PaymentRecord) *PaymentRecord {
	return &PaymentRecord{
		ChannelID: r.ChannelID,
		Sequence:  r.Sequence,
		Amount:    r.Amount,
		Direction: Direction(r.Direction),
		Signature: r.Signature,
		Timestamp: r.Timestamp,
	}
}
