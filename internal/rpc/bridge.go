package rpc

import (
	"sync"

	"github.com/klingon-exchange/klingon-channels/internal/channel"
	"github.com/klingon-exchange/klingon-channels/internal/dispute"
	"github.com/klingon-exchange/klingon-channels/pkg/logging"
)

// EventBridge forwards channel and dispute events to WebSocket clients and
// keeps the dispute monitor's watch set in step with channel state.
type EventBridge struct {
	hub *WSHub
	log *logging.Logger

	mu      sync.RWMutex
	monitor *dispute.Monitor
}

// NewEventBridge creates a bridge publishing to hub.
func NewEventBridge(hub *WSHub) *EventBridge {
	return &EventBridge{
		hub: hub,
		log: logging.GetDefault().Component("rpc"),
	}
}

// SetMonitor attaches the dispute monitor. The monitor needs the manager,
// and the manager needs the bridge, so it is set after construction.
func (b *EventBridge) SetMonitor(m *dispute.Monitor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.monitor = m
}

func (b *EventBridge) getMonitor() *dispute.Monitor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.monitor
}

// Watch registers every channel that can still be spent on chain. Called
// once at startup with the stored channels.
func (b *EventBridge) Watch(channels []*channel.Channel) int {
	m := b.getMonitor()
	if m == nil {
		return 0
	}

	n := 0
	for _, ch := range channels {
		switch ch.State {
		case channel.StateOpen, channel.StateClosing, channel.StateDisputed:
			m.RegisterChannel(ch)
			n++
		}
	}
	return n
}

// HandleChannelEvent implements channel.EventSink.
func (b *EventBridge) HandleChannelEvent(ev *channel.Event) {
	if m := b.getMonitor(); m != nil {
		switch ev.Type {
		case channel.EventChannelOpened:
			m.RegisterChannel(ev.Channel)
		case channel.EventChannelClosed:
			m.UnregisterChannel(ev.ChannelID)
		default:
			m.UpdateChannel(ev.Channel)
		}
	}

	b.hub.Broadcast(EventType(ev.Type), ev)
}

// HandleDispute implements dispute.Handler.
func (b *EventBridge) HandleDispute(d *dispute.Dispute) {
	b.log.Debug("Publishing dispute", "channel_id", d.ChannelID, "response_txid", d.ResponseTxID)
	b.hub.Broadcast(EventDisputeDetected, d)
}
