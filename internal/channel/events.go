package channel

import "time"

// EventType identifies a channel event.
type EventType string

const (
	EventChannelOpened   EventType = "channel_opened"
	EventChannelPayment  EventType = "channel_payment"
	EventChannelClosing  EventType = "channel_closing"
	EventChannelDisputed EventType = "channel_disputed"
	EventChannelClosed   EventType = "channel_closed"
)

// Event is emitted after a state transition has been persisted.
type Event struct {
	Type      EventType `json:"type"`
	ChannelID string    `json:"channel_id"`
	Timestamp time.Time `json:"timestamp"`

	// Payment events only.
	Direction Direction `json:"direction,omitempty"`
	Amount    uint64    `json:"amount,omitempty"`

	Sequence      uint64 `json:"sequence"`
	LocalBalance  uint64 `json:"local_balance"`
	RemoteBalance uint64 `json:"remote_balance"`

	// TxID of the settlement or commitment broadcast, if any.
	TxID string `json:"txid,omitempty"`

	// Reason is "canceled" for channels closed before funding.
	Reason string `json:"reason,omitempty"`

	Channel *Channel `json:"channel"`
}

// EventSink receives channel events. It is called synchronously from the
// goroutine that made the transition, after the channel lock is released.
type EventSink interface {
	HandleChannelEvent(ev *Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev *Event)

// HandleChannelEvent implements EventSink.
func (f EventSinkFunc) HandleChannelEvent(ev *Event) { f(ev) }

type nopSink struct{}

func (nopSink) HandleChannelEvent(*Event) {}

func newEvent(typ EventType, ch *Channel, now time.Time) *Event {
	return &Event{
		Type:          typ,
		ChannelID:     ch.ID,
		Timestamp:     now,
		Sequence:      ch.SequenceNumber,
		LocalBalance:  ch.LocalBalance,
		RemoteBalance: ch.RemoteBalance,
		TxID:          ch.CloseTxID,
		Channel:       ch.Clone(),
	}
}
