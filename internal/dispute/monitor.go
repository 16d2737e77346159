package dispute

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/klingon-channels/internal/backend"
	"github.com/klingon-exchange/klingon-channels/internal/channel"
	"github.com/klingon-exchange/klingon-channels/internal/txbuilder"
	"github.com/klingon-exchange/klingon-channels/pkg/logging"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultCheckInterval  = 30 * time.Second
	DefaultLookbackBlocks = uint32(144)

	pollTimeout = 10 * time.Second
)

// Config configures a Monitor.
type Config struct {
	Scanner     backend.ChainScanner
	Broadcaster channel.Broadcaster
	Responder   Responder
	Handler     Handler
	Clock       clock.Clock

	// Ticker drives the poll loop. Defaults to a ticker firing every
	// CheckInterval.
	Ticker ticker.Ticker

	CheckInterval  time.Duration
	LookbackBlocks uint32
	AutoResolve    bool
}

// Monitor polls the funding outputs of registered channels.
type Monitor struct {
	cfg Config
	log *logging.Logger

	mu       sync.Mutex
	channels map[string]*channel.Channel
	active   map[string]*Dispute
	// Spending txids already reported, per channel.
	reported map[string]map[string]struct{}

	// Serializes poll cycles between the loop and CheckNow.
	pollMu sync.Mutex

	runMu   sync.Mutex
	running bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor creates a stopped Monitor.
func NewMonitor(cfg *Config) (*Monitor, error) {
	if cfg.Scanner == nil {
		return nil, fmt.Errorf("chain scanner is required")
	}

	c := *cfg
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.LookbackBlocks == 0 {
		c.LookbackBlocks = DefaultLookbackBlocks
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.Ticker == nil {
		c.Ticker = ticker.New(c.CheckInterval)
	}
	if c.Handler == nil {
		c.Handler = nopHandler{}
	}
	if c.AutoResolve && (c.Responder == nil || c.Broadcaster == nil) {
		return nil, fmt.Errorf("auto resolve needs a responder and a broadcaster")
	}

	return &Monitor{
		cfg:      c,
		log:      logging.GetDefault().Component("dispute-monitor"),
		channels: make(map[string]*channel.Channel),
		active:   make(map[string]*Dispute),
		reported: make(map[string]map[string]struct{}),
	}, nil
}

// RegisterChannel adds a channel to the watch set. An existing snapshot is
// replaced unless it is newer.
func (m *Monitor) RegisterChannel(ch *channel.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.channels[ch.ID]; ok && olderSnapshot(ch, cur) {
		return
	}
	m.channels[ch.ID] = ch.Clone()
	m.log.Debug("Watching channel", "channel_id", ch.ID, "sequence", ch.SequenceNumber)
}

// UpdateChannel refreshes the snapshot of a watched channel. A closed
// snapshot ends the watch and clears any dispute. Unknown ids and snapshots
// older than the watched one are ignored, so events delivered out of order
// never lower the sequence a spend is judged against.
func (m *Monitor) UpdateChannel(ch *channel.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.channels[ch.ID]
	if !ok {
		return
	}
	if ch.State == channel.StateClosed {
		m.forget(ch.ID)
		return
	}
	if olderSnapshot(ch, cur) {
		m.log.Debug("Ignoring stale snapshot", "channel_id", ch.ID,
			"sequence", ch.SequenceNumber, "watched_sequence", cur.SequenceNumber)
		return
	}
	m.channels[ch.ID] = ch.Clone()
	if d, ok := m.active[ch.ID]; ok {
		d.Channel = ch.Clone()
	}
}

func olderSnapshot(ch, cur *channel.Channel) bool {
	if ch.SequenceNumber != cur.SequenceNumber {
		return ch.SequenceNumber < cur.SequenceNumber
	}
	return ch.UpdatedAt.Before(cur.UpdatedAt)
}

// UnregisterChannel stops watching a channel and drops its dispute.
func (m *Monitor) UnregisterChannel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.forget(id)
}

func (m *Monitor) forget(id string) {
	delete(m.channels, id)
	delete(m.active, id)
	delete(m.reported, id)
	m.log.Debug("Stopped watching channel", "channel_id", id)
}

// WatchedChannels returns the ids in the watch set.
func (m *Monitor) WatchedChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetActiveDisputes returns copies of the unresolved disputes, oldest first.
func (m *Monitor) GetActiveDisputes() []*Dispute {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Dispute, 0, len(m.active))
	for _, d := range m.active {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// ResolveDispute marks a channel's dispute as handled. The same spending
// transaction is not reported again.
func (m *Monitor) ResolveDispute(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[id]; !ok {
		return fmt.Errorf("%w for channel %s", ErrNoDispute, id)
	}
	delete(m.active, id)
	m.log.Info("Dispute resolved", "channel_id", id)
	return nil
}

// Start begins polling. Calling Start on a running monitor does nothing.
func (m *Monitor) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.quit = make(chan struct{})

	m.cfg.Ticker.Resume()
	m.wg.Add(1)
	go m.run(m.quit)

	m.log.Info("Dispute monitor started", "interval", m.cfg.CheckInterval,
		"lookback_blocks", m.cfg.LookbackBlocks, "auto_resolve", m.cfg.AutoResolve)
}

// Stop halts polling and waits for an in-flight cycle to finish. Calling
// Stop on a stopped monitor does nothing.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if !m.running {
		return
	}
	m.running = false

	m.cfg.Ticker.Pause()
	close(m.quit)
	m.wg.Wait()

	m.log.Info("Dispute monitor stopped")
}

// IsRunning reports whether the poll loop is active.
func (m *Monitor) IsRunning() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

func (m *Monitor) run(quit chan struct{}) {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-quit:
			return
		case <-m.cfg.Ticker.Ticks():
			m.CheckNow(ctx)
		}
	}
}

// CheckNow runs one poll cycle over every watched channel and returns the
// disputes detected in it. Chain lookup failures are logged and the channel
// is retried on the next cycle.
func (m *Monitor) CheckNow(ctx context.Context) []*Dispute {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	m.mu.Lock()
	watched := make([]*channel.Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		watched = append(watched, ch.Clone())
	}
	m.mu.Unlock()

	sort.Slice(watched, func(i, j int) bool { return watched[i].ID < watched[j].ID })

	var detected []*Dispute
	for _, ch := range watched {
		if ctx.Err() != nil {
			break
		}
		d, err := m.checkChannel(ctx, ch)
		if err != nil {
			m.log.Debug("Error checking channel", "channel_id", ch.ID, "error", err)
			continue
		}
		if d != nil {
			detected = append(detected, d)
		}
	}

	for _, d := range detected {
		m.cfg.Handler.HandleDispute(d)
	}
	return detected
}

// checkChannel returns a dispute only when it is newly detected.
func (m *Monitor) checkChannel(ctx context.Context, ch *channel.Channel) (*Dispute, error) {
	if !ch.IsFunded() || ch.State == channel.StateClosed {
		return nil, nil
	}

	scanCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	spend, err := m.cfg.Scanner.FindSpend(scanCtx, ch.FundingTxID, ch.FundingOutputIndex, m.cfg.LookbackBlocks)
	if err != nil {
		return nil, err
	}
	if spend == nil || spend.Tx == nil {
		return nil, nil
	}
	if spend.TxID == ch.CloseTxID {
		// Our own settlement or commitment.
		return nil, nil
	}

	broadcastSeq, stale, err := classifySpend(ch, spend.Tx)
	if err != nil {
		return nil, err
	}
	if !stale {
		m.retryResponse(ctx, ch.ID)
		return nil, nil
	}

	m.mu.Lock()
	if _, ok := m.channels[ch.ID]; !ok {
		m.mu.Unlock()
		return nil, nil
	}
	if _, seen := m.reported[ch.ID][spend.TxID]; seen {
		m.mu.Unlock()
		m.retryResponse(ctx, ch.ID)
		return nil, nil
	}

	now := m.cfg.Clock.Now()
	d := &Dispute{
		ChannelID:         ch.ID,
		DetectedAt:        now,
		BroadcastTxID:     spend.TxID,
		BroadcastSequence: broadcastSeq,
		LatestSequence:    ch.SequenceNumber,
		TimeToExpiry:      channel.TimeUntilExpiry(ch, now),
		CanRespond:        !channel.IsNLockTimeExpired(ch, now),
		Confirmed:         spend.Confirmed,
		BlockHeight:       spend.BlockHeight,
		Channel:           ch,
	}
	if m.reported[ch.ID] == nil {
		m.reported[ch.ID] = make(map[string]struct{})
	}
	m.reported[ch.ID][spend.TxID] = struct{}{}
	m.active[ch.ID] = d
	m.mu.Unlock()

	m.log.Warn("Stale commitment detected", "channel_id", ch.ID, "txid", spend.TxID,
		"broadcast_sequence", broadcastSeq, "latest_sequence", ch.SequenceNumber,
		"can_respond", d.CanRespond, "time_to_expiry", d.TimeToExpiry)

	m.retryResponse(ctx, ch.ID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.active[ch.ID]; ok {
		return cur.clone(), nil
	}
	return d.clone(), nil
}

// classifySpend decodes the state number embedded in the transaction
// spending the funding output. Settlements are never stale.
func classifySpend(ch *channel.Channel, tx *wire.MsgTx) (uint64, bool, error) {
	in, err := fundingInput(ch, tx)
	if err != nil {
		return 0, false, err
	}
	if in.Sequence == wire.MaxTxInSequenceNum {
		return 0, false, nil
	}

	seq, err := txbuilder.GetStateHint(tx, ch.StateHintObfuscator())
	if err != nil {
		return 0, false, fmt.Errorf("undecodable spend %s: %w", tx.TxHash(), err)
	}
	return seq, seq < ch.SequenceNumber, nil
}

func fundingInput(ch *channel.Channel, tx *wire.MsgTx) (*wire.TxIn, error) {
	hash, err := chainhash.NewHashFromStr(ch.FundingTxID)
	if err != nil {
		return nil, err
	}
	for _, in := range tx.TxIn {
		if in.PreviousOutPoint.Hash == *hash && in.PreviousOutPoint.Index == ch.FundingOutputIndex {
			return in, nil
		}
	}
	return nil, fmt.Errorf("transaction %s does not spend %s:%d", tx.TxHash(), ch.FundingTxID, ch.FundingOutputIndex)
}

// retryResponse broadcasts the latest commitment for an active dispute that
// has not been answered yet.
func (m *Monitor) retryResponse(ctx context.Context, id string) {
	if !m.cfg.AutoResolve {
		return
	}

	m.mu.Lock()
	d, ok := m.active[id]
	if !ok || d.ResponseTxID != "" {
		m.mu.Unlock()
		return
	}
	ch := d.Channel
	m.mu.Unlock()

	now := m.cfg.Clock.Now()
	if channel.IsNLockTimeExpired(ch, now) {
		m.mu.Lock()
		if cur, ok := m.active[id]; ok {
			cur.CanRespond = false
			cur.TimeToExpiry = 0
		}
		m.mu.Unlock()
		return
	}

	txid, err := m.respond(ctx, id)

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.active[id]
	if !ok {
		return
	}
	if err != nil {
		cur.ResponseError = err.Error()
		m.log.Warn("Dispute response failed", "channel_id", id, "error", err)
		return
	}
	cur.ResponseTxID = txid
	cur.ResponseError = ""
	m.log.Info("Dispute answered with latest commitment", "channel_id", id, "txid", txid)
}

func (m *Monitor) respond(ctx context.Context, id string) (string, error) {
	tx, _, err := m.cfg.Responder.LatestCommitment(id)
	if err != nil {
		return "", err
	}
	raw, err := txbuilder.SerializeTx(tx)
	if err != nil {
		return "", err
	}

	bctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	txid, err := m.cfg.Broadcaster.BroadcastTransaction(bctx, raw)
	if err != nil {
		return "", err
	}
	if txid == "" {
		txid = tx.TxHash().String()
	}
	return txid, nil
}
