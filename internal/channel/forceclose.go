package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/klingon-exchange/klingon-channels/pkg/logging"
)

// ForceCloseHandler closes channels unilaterally by broadcasting the latest
// mutually signed commitment.
type ForceCloseHandler struct {
	manager     *Manager
	broadcaster Broadcaster
	timelock    time.Duration
	log         *logging.Logger
}

// NewForceCloseHandler creates a handler. timelock is the dispute window
// granted to the peer after a force close; zero uses DefaultForceCloseDelay.
// A nil broadcaster falls back to the manager's.
func NewForceCloseHandler(m *Manager, b Broadcaster, timelock time.Duration) *ForceCloseHandler {
	if b == nil {
		b = m.broadcaster
	}
	if timelock <= 0 {
		timelock = DefaultForceCloseDelay
	}
	return &ForceCloseHandler{
		manager:     m,
		broadcaster: b,
		timelock:    timelock,
		log:         logging.GetDefault().Component("force-close"),
	}
}

// Timelock returns the dispute window.
func (h *ForceCloseHandler) Timelock() time.Duration {
	return h.timelock
}

// ForceCloseChannel broadcasts the latest fully signed commitment of an open
// channel and moves it to disputed with a fresh dispute window. Calling it
// again on a disputed channel returns the channel unchanged. A failed
// broadcast leaves the channel open.
func (h *ForceCloseHandler) ForceCloseChannel(ctx context.Context, id string) (*Channel, error) {
	m := h.manager
	return m.mutate(id, func(ch *Channel) (*Event, error) {
		switch ch.State {
		case StateDisputed:
			h.log.Debug("Channel already force closed", "channel_id", id, "txid", ch.CloseTxID)
			return nil, nil
		case StateOpen:
		default:
			return nil, fmt.Errorf("%w: cannot force close %s channel %s", ErrState, ch.State, id)
		}

		tx, err := m.latestCommitment(ch)
		if err != nil {
			return nil, err
		}

		txid, err := broadcastWith(ctx, h.broadcaster, tx)
		if err != nil {
			h.log.Warn("Commitment broadcast failed", "channel_id", id, "sequence", ch.RemoteSigSequence, "error", err)
			return nil, err
		}

		now := m.now()
		ch.State = StateDisputed
		ch.CloseTxID = txid
		ch.NLockTime = now.Add(h.timelock).Unix()
		ch.UpdatedAt = now
		if err := m.store.UpdateChannel(channelToRecord(ch)); err != nil {
			return nil, fmt.Errorf("commitment %s broadcast but state not saved: %w", txid, err)
		}

		h.log.Info("Channel force closed", "channel_id", id, "txid", txid,
			"sequence", ch.RemoteSigSequence, "expires", time.Unix(ch.NLockTime, 0).UTC())

		ev := newEvent(EventChannelDisputed, ch, now)
		ev.Reason = "force_close"
		return ev, nil
	})
}

// Sweep force closes every open channel whose peer has been silent for
// longer than threshold. It returns the channels it closed; failures are
// logged and skipped.
func (h *ForceCloseHandler) Sweep(ctx context.Context, threshold time.Duration) ([]*Channel, error) {
	open, err := h.manager.ListChannels(StateOpen)
	if err != nil {
		return nil, err
	}

	var closed []*Channel
	for _, ch := range FindChannelsNeedingForceClose(open, threshold, h.manager.now()) {
		if ctx.Err() != nil {
			return closed, ctx.Err()
		}
		out, err := h.ForceCloseChannel(ctx, ch.ID)
		if err != nil {
			h.log.Warn("Force close failed", "channel_id", ch.ID, "error", err)
			continue
		}
		closed = append(closed, out)
	}
	return closed, nil
}

// IsNLockTimeExpired reports whether the channel's dispute window is over.
func IsNLockTimeExpired(ch *Channel, now time.Time) bool {
	return now.Unix() >= ch.NLockTime
}

// TimeUntilExpiry returns the remaining dispute window, or zero once expired.
func TimeUntilExpiry(ch *Channel, now time.Time) time.Duration {
	d := time.Unix(ch.NLockTime, 0).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// FindChannelsNeedingForceClose selects open channels with no activity for
// longer than threshold.
func FindChannelsNeedingForceClose(channels []*Channel, threshold time.Duration, now time.Time) []*Channel {
	var out []*Channel
	for _, ch := range channels {
		if ch.State != StateOpen {
			continue
		}
		if now.Sub(ch.LastActivity) > threshold {
			out = append(out, ch)
		}
	}
	return out
}
