// Package channel implements the payment channel state machine: opening,
// off-chain payments in both directions, cooperative close and unilateral
// force close, persisted through a Store after every transition.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/klingon-exchange/klingon-channels/internal/storage"
	"github.com/klingon-exchange/klingon-channels/internal/txbuilder"
	"github.com/klingon-exchange/klingon-channels/pkg/logging"
	"github.com/lightningnetwork/lnd/clock"
)

// Defaults used when ManagerConfig leaves a field zero.
const (
	DefaultMinCapacity     = uint64(1_000)
	DefaultMaxCapacity     = uint64(100_000_000)
	DefaultLifetime        = 24 * time.Hour
	DefaultFeeRate         = uint64(1)
	DefaultForceCloseDelay = time.Hour
)

// Broadcaster submits a signed transaction and returns its txid.
type Broadcaster interface {
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store       Store
	Broadcaster Broadcaster
	Events      EventSink
	Clock       clock.Clock

	// PrivKey is this node's channel key; its pubkey goes into every
	// funding script this node is part of.
	PrivKey     *btcec.PrivateKey
	LocalPeerID string

	MinCapacity     uint64
	MaxCapacity     uint64
	DefaultLifetime time.Duration

	// FeeRate in sat/vB for commitment and settlement transactions. Both
	// parties must use the same value or their signatures will not match.
	FeeRate uint64
}

// Manager owns this node's side of every channel. All reads and writes of a
// given channel id happen inside that channel's critical section.
type Manager struct {
	store       Store
	broadcaster Broadcaster
	events      EventSink
	clock       clock.Clock

	privKey     *btcec.PrivateKey
	localPubKey []byte
	localPeerID string

	minCapacity     uint64
	maxCapacity     uint64
	defaultLifetime time.Duration
	feeRate         uint64

	locks *chanMutex
	log   *logging.Logger
}

// NewManager creates a Manager.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.PrivKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	m := &Manager{
		store:           cfg.Store,
		broadcaster:     cfg.Broadcaster,
		events:          cfg.Events,
		clock:           cfg.Clock,
		privKey:         cfg.PrivKey,
		localPubKey:     cfg.PrivKey.PubKey().SerializeCompressed(),
		localPeerID:     cfg.LocalPeerID,
		minCapacity:     cfg.MinCapacity,
		maxCapacity:     cfg.MaxCapacity,
		defaultLifetime: cfg.DefaultLifetime,
		feeRate:         cfg.FeeRate,
		locks:           newChanMutex(),
		log:             logging.GetDefault().Component("channel-manager"),
	}

	if m.events == nil {
		m.events = nopSink{}
	}
	if m.clock == nil {
		m.clock = clock.NewDefaultClock()
	}
	if m.minCapacity == 0 {
		m.minCapacity = DefaultMinCapacity
	}
	if m.maxCapacity == 0 {
		m.maxCapacity = DefaultMaxCapacity
	}
	if m.minCapacity > m.maxCapacity {
		return nil, fmt.Errorf("min capacity %d exceeds max capacity %d", m.minCapacity, m.maxCapacity)
	}
	if m.defaultLifetime <= 0 {
		m.defaultLifetime = DefaultLifetime
	}
	if m.feeRate == 0 {
		m.feeRate = DefaultFeeRate
	}

	return m, nil
}

// LocalPubKey returns this node's compressed channel pubkey.
func (m *Manager) LocalPubKey() []byte {
	return append([]byte(nil), m.localPubKey...)
}

// LocalPeerID returns this node's peer id.
func (m *Manager) LocalPeerID() string {
	return m.localPeerID
}

// now is millisecond precision, matching what the store keeps.
func (m *Manager) now() time.Time {
	return time.UnixMilli(m.clock.Now().UnixMilli())
}

func (m *Manager) checkCapacity(capacity uint64) error {
	if capacity < m.minCapacity || capacity > m.maxCapacity {
		return fmt.Errorf("%w: capacity %d outside [%d, %d]", ErrCapacity, capacity, m.minCapacity, m.maxCapacity)
	}
	closeFee := uint64(txbuilder.EstimateChannelCloseVSize(2)) * m.feeRate
	if capacity < closeFee+uint64(txbuilder.DustLimit) {
		return fmt.Errorf("%w: capacity %d cannot pay close fee %d at %d sat/vB",
			ErrCapacity, capacity, closeFee, m.feeRate)
	}
	return nil
}

// CreateChannel proposes a channel funded entirely by this node. A zero
// lifetime uses the configured default.
func (m *Manager) CreateChannel(remotePeerID string, remotePubKey []byte, capacity uint64, lifetime time.Duration) (*Channel, error) {
	if err := m.checkCapacity(capacity); err != nil {
		return nil, err
	}
	if _, err := btcec.ParsePubKey(remotePubKey); err != nil {
		return nil, fmt.Errorf("invalid remote pubkey: %w", err)
	}
	if lifetime <= 0 {
		lifetime = m.defaultLifetime
	}

	now := m.now()
	ch := &Channel{
		ID:             uuid.New().String(),
		LocalPeerID:    m.localPeerID,
		RemotePeerID:   remotePeerID,
		LocalPubKey:    m.LocalPubKey(),
		RemotePubKey:   append(HexBytes(nil), remotePubKey...),
		Initiator:      true,
		State:          StatePending,
		Capacity:       capacity,
		LocalBalance:   capacity,
		RemoteBalance:  0,
		SequenceNumber: 0,
		NLockTime:      now.Add(lifetime).Unix(),
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivity:   now,
	}

	if err := m.store.CreateChannel(channelToRecord(ch)); err != nil {
		return nil, fmt.Errorf("failed to persist channel: %w", err)
	}

	m.log.Info("Channel created", "channel_id", ch.ID, "remote_peer", remotePeerID, "capacity", capacity)
	return ch, nil
}

// AcceptChannel records the responder's mirror of a channel proposed by the
// peer, under the proposer's id.
func (m *Manager) AcceptChannel(id, localPeerID, remotePeerID string, remotePubKey []byte, capacity uint64, nLockTime int64) (*Channel, error) {
	if id == "" {
		return nil, fmt.Errorf("channel id is required")
	}
	if err := m.checkCapacity(capacity); err != nil {
		return nil, err
	}
	if _, err := btcec.ParsePubKey(remotePubKey); err != nil {
		return nil, fmt.Errorf("invalid remote pubkey: %w", err)
	}

	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	now := m.now()
	ch := &Channel{
		ID:             id,
		LocalPeerID:    localPeerID,
		RemotePeerID:   remotePeerID,
		LocalPubKey:    m.LocalPubKey(),
		RemotePubKey:   append(HexBytes(nil), remotePubKey...),
		Initiator:      false,
		State:          StatePending,
		Capacity:       capacity,
		LocalBalance:   0,
		RemoteBalance:  capacity,
		SequenceNumber: 0,
		NLockTime:      nLockTime,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivity:   now,
	}

	if err := m.store.CreateChannel(channelToRecord(ch)); err != nil {
		if errors.Is(err, storage.ErrChannelExists) {
			return nil, fmt.Errorf("%w: channel %s already exists", ErrState, id)
		}
		return nil, fmt.Errorf("failed to persist channel: %w", err)
	}

	m.log.Info("Channel accepted", "channel_id", id, "remote_peer", remotePeerID, "capacity", capacity)
	return ch, nil
}

// SetFundingTx attaches the on-chain funding output. The channel stays
// pending until OpenChannel.
func (m *Manager) SetFundingTx(id, txid string, outputIndex uint32) (*Channel, error) {
	if _, err := chainhash.NewHashFromStr(txid); err != nil || len(txid) != 2*chainhash.HashSize {
		return nil, fmt.Errorf("invalid funding txid %q", txid)
	}

	return m.mutate(id, func(ch *Channel) (*Event, error) {
		if ch.State != StatePending {
			return nil, fmt.Errorf("%w: cannot set funding on %s channel %s", ErrState, ch.State, id)
		}
		ch.FundingTxID = txid
		ch.FundingOutputIndex = outputIndex
		ch.UpdatedAt = m.now()
		if err := m.store.UpdateChannel(channelToRecord(ch)); err != nil {
			return nil, err
		}
		m.log.Debug("Funding attached", "channel_id", id, "txid", txid, "vout", outputIndex)
		return nil, nil
	})
}

// OpenChannel moves a funded pending channel to open.
func (m *Manager) OpenChannel(id string) (*Channel, error) {
	return m.mutate(id, func(ch *Channel) (*Event, error) {
		if ch.State != StatePending {
			return nil, fmt.Errorf("%w: cannot open %s channel %s", ErrState, ch.State, id)
		}
		if !ch.IsFunded() {
			return nil, fmt.Errorf("%w: channel %s has no funding transaction", ErrState, id)
		}

		now := m.now()
		ch.State = StateOpen
		ch.UpdatedAt = now
		ch.LastActivity = now
		if err := m.store.UpdateChannel(channelToRecord(ch)); err != nil {
			return nil, err
		}

		m.log.Info("Channel opened", "channel_id", id, "capacity", ch.Capacity)
		return newEvent(EventChannelOpened, ch, now), nil
	})
}

// SignCommitment returns this node's signature over the current commitment,
// letting the peer force close at the current state.
func (m *Manager) SignCommitment(id string) (*CommitmentSig, error) {
	var out *CommitmentSig
	_, err := m.mutate(id, func(ch *Channel) (*Event, error) {
		if ch.State != StatePending && ch.State != StateOpen {
			return nil, fmt.Errorf("%w: cannot sign commitment for %s channel %s", ErrState, ch.State, id)
		}
		sig, err := m.signCommitment(ch, ch.LocalBalance, ch.RemoteBalance, ch.SequenceNumber)
		if err != nil {
			return nil, err
		}
		out = sig
		return nil, nil
	})
	return out, err
}

// AcceptCommitmentSig stores the peer's signature over the current
// commitment after verifying it.
func (m *Manager) AcceptCommitmentSig(sig *CommitmentSig) (*Channel, error) {
	return m.mutate(sig.ChannelID, func(ch *Channel) (*Event, error) {
		if ch.State != StatePending && ch.State != StateOpen {
			return nil, fmt.Errorf("%w: cannot accept commitment for %s channel %s", ErrState, ch.State, ch.ID)
		}
		if sig.Sequence != ch.SequenceNumber {
			return nil, fmt.Errorf("%w: commitment signature for sequence %d, channel at %d",
				ErrSequence, sig.Sequence, ch.SequenceNumber)
		}

		tmpl, lockingScript, err := ch.commitmentTx(ch.LocalBalance, ch.RemoteBalance, ch.SequenceNumber, m.feeRate)
		if err != nil {
			return nil, err
		}
		if err := ch.verifyRemote(tmpl, lockingScript, sig.Signature); err != nil {
			return nil, err
		}

		now := m.now()
		ch.RemoteSig = append(HexBytes(nil), sig.Signature...)
		ch.RemoteSigSequence = sig.Sequence
		ch.SignedLocalBalance = ch.LocalBalance
		ch.SignedRemoteBalance = ch.RemoteBalance
		ch.UpdatedAt = now
		ch.LastActivity = now
		if err := m.store.UpdateChannel(channelToRecord(ch)); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

// CreatePayment moves amount from the local to the remote balance, signs
// the resulting commitment and returns the update to send to the peer.
func (m *Manager) CreatePayment(id string, amount uint64) (*Payment, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	var payment *Payment
	_, err := m.mutate(id, func(ch *Channel) (*Event, error) {
		if ch.State != StateOpen {
			return nil, fmt.Errorf("%w: cannot pay on %s channel %s", ErrState, ch.State, id)
		}
		if amount > ch.LocalBalance {
			return nil, fmt.Errorf("%w: amount %d exceeds local balance %d", ErrInsufficientBalance, amount, ch.LocalBalance)
		}
		if ch.AwaitingAck() {
			return nil, fmt.Errorf("%w: payment at sequence %d of channel %s not acknowledged",
				ErrState, ch.SequenceNumber, id)
		}

		newSeq := ch.SequenceNumber + 1
		newLocal := ch.LocalBalance - amount
		newRemote := ch.RemoteBalance + amount

		sig, err := m.signCommitment(ch, newLocal, newRemote, newSeq)
		if err != nil {
			return nil, err
		}

		now := m.now()
		ch.LocalBalance = newLocal
		ch.RemoteBalance = newRemote
		ch.SequenceNumber = newSeq
		ch.UpdatedAt = now

		record := &PaymentRecord{
			ChannelID: id,
			Sequence:  newSeq,
			Amount:    amount,
			Direction: DirectionSent,
			Signature: sig.Signature,
			Timestamp: now,
		}
		if err := m.store.ApplyPayment(channelToRecord(ch), paymentToRecord(record)); err != nil {
			return nil, fmt.Errorf("failed to persist payment: %w", err)
		}

		payment = &Payment{
			ChannelID:         id,
			Amount:            amount,
			NewLocalBalance:   newLocal,
			NewRemoteBalance:  newRemote,
			NewSequenceNumber: newSeq,
			Signature:         sig.Signature,
			Timestamp:         now,
		}

		m.log.Info("Payment sent", "channel_id", id, "amount", amount, "sequence", newSeq,
			"local_balance", newLocal, "remote_balance", newRemote)

		ev := newEvent(EventChannelPayment, ch, now)
		ev.Direction = DirectionSent
		ev.Amount = amount
		return ev, nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// ProcessPayment applies a payment received from the peer. The sender's
// local balance becomes this node's remote balance and vice versa. On
// success it returns this node's signature over the new commitment, to be
// sent back as an acknowledgement.
func (m *Manager) ProcessPayment(incoming *Payment) (*CommitmentSig, error) {
	var ack *CommitmentSig
	_, err := m.mutate(incoming.ChannelID, func(ch *Channel) (*Event, error) {
		if ch.State != StateOpen {
			return nil, fmt.Errorf("%w: cannot receive on %s channel %s", ErrState, ch.State, ch.ID)
		}
		if incoming.NewSequenceNumber != ch.SequenceNumber+1 {
			return nil, fmt.Errorf("%w: incoming sequence %d, want %d",
				ErrSequence, incoming.NewSequenceNumber, ch.SequenceNumber+1)
		}
		if incoming.NewLocalBalance+incoming.NewRemoteBalance != ch.Capacity {
			return nil, fmt.Errorf("%w: balances %d + %d != capacity %d",
				ErrCapacity, incoming.NewLocalBalance, incoming.NewRemoteBalance, ch.Capacity)
		}

		newLocal := incoming.NewRemoteBalance
		newRemote := incoming.NewLocalBalance
		if newLocal < ch.LocalBalance || newLocal-ch.LocalBalance != incoming.Amount {
			return nil, fmt.Errorf("%w: update moves local balance %d -> %d for amount %d",
				ErrCapacity, ch.LocalBalance, newLocal, incoming.Amount)
		}

		tmpl, lockingScript, err := ch.commitmentTx(newLocal, newRemote, incoming.NewSequenceNumber, m.feeRate)
		if err != nil {
			return nil, err
		}
		if err := ch.verifyRemote(tmpl, lockingScript, incoming.Signature); err != nil {
			return nil, err
		}
		ourSig, err := signTemplate(tmpl, lockingScript, m.privKey)
		if err != nil {
			return nil, err
		}

		now := m.now()
		ch.LocalBalance = newLocal
		ch.RemoteBalance = newRemote
		ch.SequenceNumber = incoming.NewSequenceNumber
		ch.RemoteSig = append(HexBytes(nil), incoming.Signature...)
		ch.RemoteSigSequence = incoming.NewSequenceNumber
		ch.SignedLocalBalance = newLocal
		ch.SignedRemoteBalance = newRemote
		ch.UpdatedAt = now
		ch.LastActivity = now

		record := &PaymentRecord{
			ChannelID: ch.ID,
			Sequence:  incoming.NewSequenceNumber,
			Amount:    incoming.Amount,
			Direction: DirectionReceived,
			Signature: incoming.Signature,
			Timestamp: now,
		}
		if err := m.store.ApplyPayment(channelToRecord(ch), paymentToRecord(record)); err != nil {
			return nil, fmt.Errorf("failed to persist payment: %w", err)
		}

		ack = &CommitmentSig{ChannelID: ch.ID, Sequence: ch.SequenceNumber, Signature: ourSig}

		m.log.Info("Payment received", "channel_id", ch.ID, "amount", incoming.Amount,
			"sequence", ch.SequenceNumber, "local_balance", newLocal, "remote_balance", newRemote)

		ev := newEvent(EventChannelPayment, ch, now)
		ev.Direction = DirectionReceived
		ev.Amount = incoming.Amount
		return ev, nil
	})
	if err != nil {
		return nil, err
	}
	return ack, nil
}

// SignSettlement returns this node's signature over the cooperative
// settlement at the current balances.
func (m *Manager) SignSettlement(id string) (*CommitmentSig, error) {
	var out *CommitmentSig
	_, err := m.mutate(id, func(ch *Channel) (*Event, error) {
		if ch.State != StateOpen {
			return nil, fmt.Errorf("%w: cannot settle %s channel %s", ErrState, ch.State, id)
		}
		tmpl, lockingScript, err := ch.settlementTx(m.feeRate)
		if err != nil {
			return nil, err
		}
		sig, err := signTemplate(tmpl, lockingScript, m.privKey)
		if err != nil {
			return nil, err
		}
		out = &CommitmentSig{ChannelID: id, Sequence: ch.SequenceNumber, Signature: sig}
		return nil, nil
	})
	return out, err
}

// CloseChannel settles cooperatively. remoteSig is the peer's signature over
// the settlement (see SignSettlement). The channel becomes closing only once
// the broadcast succeeds; on failure it stays open and the call can be
// retried.
func (m *Manager) CloseChannel(ctx context.Context, id string, remoteSig []byte) (*Channel, error) {
	return m.mutate(id, func(ch *Channel) (*Event, error) {
		if ch.State != StateOpen {
			return nil, fmt.Errorf("%w: cannot close %s channel %s", ErrState, ch.State, id)
		}

		tmpl, lockingScript, err := ch.settlementTx(m.feeRate)
		if err != nil {
			return nil, err
		}
		if err := ch.verifyRemote(tmpl, lockingScript, remoteSig); err != nil {
			return nil, err
		}
		localSig, err := signTemplate(tmpl, lockingScript, m.privKey)
		if err != nil {
			return nil, err
		}
		tx, err := ch.attachWitness(tmpl, lockingScript, localSig, remoteSig)
		if err != nil {
			return nil, err
		}

		txid, err := m.broadcast(ctx, tx)
		if err != nil {
			m.log.Warn("Settlement broadcast failed", "channel_id", id, "error", err)
			return nil, err
		}

		now := m.now()
		ch.State = StateClosing
		ch.CloseTxID = txid
		ch.UpdatedAt = now
		if err := m.store.UpdateChannel(channelToRecord(ch)); err != nil {
			return nil, fmt.Errorf("settlement %s broadcast but state not saved: %w", txid, err)
		}

		m.log.Info("Channel closing", "channel_id", id, "txid", txid,
			"local_balance", ch.LocalBalance, "remote_balance", ch.RemoteBalance)
		return newEvent(EventChannelClosing, ch, now), nil
	})
}

// CompleteClose is the confirmation callback. A closing channel becomes
// closed; a disputed one only after its dispute window has expired.
func (m *Manager) CompleteClose(id string) (*Channel, error) {
	return m.mutate(id, func(ch *Channel) (*Event, error) {
		now := m.now()
		switch ch.State {
		case StateClosing:
		case StateDisputed:
			if !IsNLockTimeExpired(ch, now) {
				return nil, fmt.Errorf("%w: channel %s dispute window open for %s",
					ErrState, id, TimeUntilExpiry(ch, now))
			}
		default:
			return nil, fmt.Errorf("%w: cannot complete close of %s channel %s", ErrState, ch.State, id)
		}

		ch.State = StateClosed
		ch.UpdatedAt = now
		if err := m.store.UpdateChannel(channelToRecord(ch)); err != nil {
			return nil, err
		}

		m.log.Info("Channel closed", "channel_id", id, "txid", ch.CloseTxID)
		return newEvent(EventChannelClosed, ch, now), nil
	})
}

// CancelChannel abandons a pending channel without touching the chain.
func (m *Manager) CancelChannel(id string) (*Channel, error) {
	return m.mutate(id, func(ch *Channel) (*Event, error) {
		if ch.State != StatePending {
			return nil, fmt.Errorf("%w: cannot cancel %s channel %s", ErrState, ch.State, id)
		}

		now := m.now()
		ch.State = StateClosed
		ch.Canceled = true
		ch.UpdatedAt = now
		if err := m.store.UpdateChannel(channelToRecord(ch)); err != nil {
			return nil, err
		}

		m.log.Info("Channel canceled", "channel_id", id)
		ev := newEvent(EventChannelClosed, ch, now)
		ev.Reason = "canceled"
		return ev, nil
	})
}

// GetChannel returns a snapshot of a channel.
func (m *Manager) GetChannel(id string) (*Channel, error) {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	return m.load(id)
}

// ListChannels returns snapshots of all channels, oldest first. States
// filter the result when given.
func (m *Manager) ListChannels(states ...State) ([]*Channel, error) {
	filter := make([]string, len(states))
	for i, s := range states {
		filter[i] = string(s)
	}

	records, err := m.store.ListChannelsByState(filter...)
	if err != nil {
		return nil, err
	}

	channels := make([]*Channel, 0, len(records))
	for _, r := range records {
		channels = append(channels, channelFromRecord(r))
	}
	return channels, nil
}

// GetPaymentHistory returns the channel's payments by ascending sequence.
func (m *Manager) GetPaymentHistory(id string) ([]*PaymentRecord, error) {
	if _, err := m.GetChannel(id); err != nil {
		return nil, err
	}

	records, err := m.store.GetPayments(id)
	if err != nil {
		return nil, err
	}

	history := make([]*PaymentRecord, 0, len(records))
	for _, r := range records {
		history = append(history, paymentFromRecord(r))
	}
	return history, nil
}

// LatestCommitment returns the highest fully signed commitment. While a
// sent payment is unacknowledged that is the state before the payment.
func (m *Manager) LatestCommitment(id string) (*wire.MsgTx, *Channel, error) {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	ch, err := m.load(id)
	if err != nil {
		return nil, nil, err
	}
	tx, err := m.latestCommitment(ch)
	if err != nil {
		return nil, nil, err
	}
	return tx, ch, nil
}

// FundingScript returns the witness script and P2WSH output script the
// funding transaction must pay to.
func (m *Manager) FundingScript(id string) (lockingScript, pkScript []byte, err error) {
	ch, err := m.GetChannel(id)
	if err != nil {
		return nil, nil, err
	}
	lockingScript, err = ch.LockingScript()
	if err != nil {
		return nil, nil, err
	}
	pkScript, err = txbuilder.P2WSHScript(lockingScript)
	return lockingScript, pkScript, err
}

func (m *Manager) latestCommitment(ch *Channel) (*wire.MsgTx, error) {
	if len(ch.RemoteSig) == 0 {
		return nil, fmt.Errorf("%w: no counterparty signature for channel %s", ErrSignature, ch.ID)
	}
	if ch.AwaitingAck() {
		m.log.Warn("Using last acknowledged commitment", "channel_id", ch.ID,
			"sequence", ch.RemoteSigSequence, "latest_sequence", ch.SequenceNumber)
	}

	tmpl, lockingScript, err := ch.commitmentTx(ch.SignedLocalBalance, ch.SignedRemoteBalance, ch.RemoteSigSequence, m.feeRate)
	if err != nil {
		return nil, err
	}
	if err := ch.verifyRemote(tmpl, lockingScript, ch.RemoteSig); err != nil {
		return nil, err
	}
	localSig, err := signTemplate(tmpl, lockingScript, m.privKey)
	if err != nil {
		return nil, err
	}
	return ch.attachWitness(tmpl, lockingScript, localSig, ch.RemoteSig)
}

func (m *Manager) signCommitment(ch *Channel, localBalance, remoteBalance, seq uint64) (*CommitmentSig, error) {
	tmpl, lockingScript, err := ch.commitmentTx(localBalance, remoteBalance, seq, m.feeRate)
	if err != nil {
		return nil, fmt.Errorf("failed to build commitment: %w", err)
	}
	sig, err := signTemplate(tmpl, lockingScript, m.privKey)
	if err != nil {
		return nil, err
	}
	return &CommitmentSig{ChannelID: ch.ID, Sequence: seq, Signature: sig}, nil
}

func (m *Manager) broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	return broadcastWith(ctx, m.broadcaster, tx)
}

func broadcastWith(ctx context.Context, b Broadcaster, tx *wire.MsgTx) (string, error) {
	if b == nil {
		return "", fmt.Errorf("%w: no broadcaster configured", ErrBroadcast)
	}
	raw, err := txbuilder.SerializeTx(tx)
	if err != nil {
		return "", err
	}
	txid, err := b.BroadcastTransaction(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcast, err)
	}
	if txid == "" {
		txid = tx.TxHash().String()
	}
	return txid, nil
}

func (m *Manager) load(id string) (*Channel, error) {
	record, err := m.store.GetChannel(id)
	if err != nil {
		if errors.Is(err, storage.ErrChannelNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return channelFromRecord(record), nil
}

// mutate runs fn inside the channel's critical section on a freshly loaded
// copy. fn persists its own changes; nothing is written when it fails. The
// returned event, if any, is emitted after the lock is released.
func (m *Manager) mutate(id string, fn func(ch *Channel) (*Event, error)) (*Channel, error) {
	m.locks.Lock(id)

	ch, err := m.load(id)
	if err != nil {
		m.locks.Unlock(id)
		return nil, err
	}

	ev, err := fn(ch)
	m.locks.Unlock(id)
	if err != nil {
		return nil, err
	}

	if ev != nil {
		m.events.HandleChannelEvent(ev)
	}
	return ch, nil
}
