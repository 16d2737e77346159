package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/klingon-exchange/klingon-channels/internal/channel"
	"github.com/klingon-exchange/klingon-channels/internal/dispute"
	"github.com/klingon-exchange/klingon-channels/internal/wallet"
	"github.com/klingon-exchange/klingon-channels/pkg/helpers"
)

// Version of the daemon.
const Version = "0.1.0-dev"

// decodeParams unmarshals params into v. Missing params leave v untouched.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}

// ChannelIDParams is shared by every method that addresses a single channel.
type ChannelIDParams struct {
	ChannelID string `json:"channel_id"`
}

func (s *Server) channelIDParam(params json.RawMessage) (string, error) {
	var p ChannelIDParams
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	if p.ChannelID == "" {
		return "", invalidParams("channel_id is required")
	}
	return p.ChannelID, nil
}

// ChannelInfo is a channel plus display fields.
type ChannelInfo struct {
	*channel.Channel

	CapacityBTC      string `json:"capacity_btc"`
	LocalBalanceBTC  string `json:"local_balance_btc"`
	RemoteBalanceBTC string `json:"remote_balance_btc"`

	// ExpiresIn counts down the nLockTime: the lifetime of an open
	// channel or the dispute window of a disputed one.
	ExpiresIn string `json:"expires_in"`
}

func (s *Server) channelInfo(ch *channel.Channel) *ChannelInfo {
	return &ChannelInfo{
		Channel:          ch,
		CapacityBTC:      helpers.SatoshisToBTC(ch.Capacity),
		LocalBalanceBTC:  helpers.SatoshisToBTC(ch.LocalBalance),
		RemoteBalanceBTC: helpers.SatoshisToBTC(ch.RemoteBalance),
		ExpiresIn:        channel.TimeUntilExpiry(ch, s.cfg.Clock.Now()).Round(time.Second).String(),
	}
}

// ========================================
// Node handlers
// ========================================

// NodeInfoResult is the response for node_info.
type NodeInfoResult struct {
	PeerID         string         `json:"peer_id"`
	PubKey         string         `json:"pubkey"`
	Network        string         `json:"network"`
	Version        string         `json:"version"`
	Uptime         string         `json:"uptime"`
	DataDir        string         `json:"data_dir,omitempty"`
	Channels       map[string]int `json:"channels"`
	Watched        int            `json:"watched_channels"`
	Disputes       int            `json:"active_disputes"`
	MonitorRunning bool           `json:"monitor_running"`
	WSClients      int            `json:"ws_clients"`
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	result := &NodeInfoResult{
		PeerID:    s.manager.LocalPeerID(),
		PubKey:    hex.EncodeToString(s.manager.LocalPubKey()),
		Network:   string(s.cfg.Network),
		Version:   Version,
		Uptime:    s.cfg.Clock.Now().Sub(s.startedAt).Round(time.Second).String(),
		DataDir:   s.cfg.DataDir,
		Channels:  map[string]int{},
		WSClients: s.wsHub.ClientCount(),
	}

	if s.cfg.Store != nil {
		counts, err := s.cfg.Store.ChannelCount()
		if err != nil {
			return nil, err
		}
		result.Channels = counts
	}

	if s.monitor != nil {
		result.Watched = len(s.monitor.WatchedChannels())
		result.Disputes = len(s.monitor.GetActiveDisputes())
		result.MonitorRunning = s.monitor.IsRunning()
	}

	return result, nil
}

// ========================================
// Channel lifecycle
// ========================================

// CreateParams are the params of channel_create.
type CreateParams struct {
	RemotePeerID string           `json:"remote_peer_id"`
	RemotePubKey channel.HexBytes `json:"remote_pubkey"`
	Capacity     uint64           `json:"capacity"`
	CapacityBTC  string           `json:"capacity_btc,omitempty"`

	// LifetimeSeconds defaults to the configured channel lifetime.
	LifetimeSeconds int64 `json:"lifetime_seconds,omitempty"`
}

func parseAmount(sats uint64, btc, field string) (uint64, error) {
	if btc == "" {
		return sats, nil
	}
	if sats != 0 {
		return 0, invalidParams("set only one of %s and %s_btc", field, field)
	}
	v, err := helpers.BTCToSatoshis(btc)
	if err != nil {
		return 0, invalidParams("%s_btc: %v", field, err)
	}
	return v, nil
}

func (s *Server) channelCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.RemotePeerID == "" || len(p.RemotePubKey) == 0 {
		return nil, invalidParams("remote_peer_id and remote_pubkey are required")
	}
	if p.LifetimeSeconds < 0 {
		return nil, invalidParams("lifetime_seconds must not be negative")
	}

	capacity, err := parseAmount(p.Capacity, p.CapacityBTC, "capacity")
	if err != nil {
		return nil, err
	}

	ch, err := s.manager.CreateChannel(p.RemotePeerID, p.RemotePubKey, capacity, time.Duration(p.LifetimeSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	return s.channelInfo(ch), nil
}

// AcceptParams are the params of channel_accept, copied from the funder's
// channel_create result.
type AcceptParams struct {
	ChannelID    string           `json:"channel_id"`
	LocalPeerID  string           `json:"local_peer_id,omitempty"`
	RemotePeerID string           `json:"remote_peer_id"`
	RemotePubKey channel.HexBytes `json:"remote_pubkey"`
	Capacity     uint64           `json:"capacity"`
	NLockTime    int64            `json:"nlocktime"`
}

func (s *Server) channelAccept(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AcceptParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ChannelID == "" || p.RemotePeerID == "" || len(p.RemotePubKey) == 0 {
		return nil, invalidParams("channel_id, remote_peer_id and remote_pubkey are required")
	}
	if p.LocalPeerID == "" {
		p.LocalPeerID = s.manager.LocalPeerID()
	}

	ch, err := s.manager.AcceptChannel(p.ChannelID, p.LocalPeerID, p.RemotePeerID, p.RemotePubKey, p.Capacity, p.NLockTime)
	if err != nil {
		return nil, err
	}
	return s.channelInfo(ch), nil
}

// SetFundingParams are the params of channel_setFunding.
type SetFundingParams struct {
	ChannelID string `json:"channel_id"`
	TxID      string `json:"txid"`
	Vout      uint32 `json:"vout"`
}

func (s *Server) channelSetFunding(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SetFundingParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ChannelID == "" || p.TxID == "" {
		return nil, invalidParams("channel_id and txid are required")
	}

	ch, err := s.manager.SetFundingTx(p.ChannelID, p.TxID, p.Vout)
	if err != nil {
		return nil, err
	}
	return s.channelInfo(ch), nil
}

// FundingScriptResult tells the funder where to send the capacity.
type FundingScriptResult struct {
	ChannelID     string `json:"channel_id"`
	WitnessScript string `json:"witness_script"`
	PkScript      string `json:"pk_script"`
	Address       string `json:"address"`
	Amount        uint64 `json:"amount"`
	AmountBTC     string `json:"amount_btc"`
}

func (s *Server) channelFundingScript(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := s.channelIDParam(params)
	if err != nil {
		return nil, err
	}

	witnessScript, pkScript, err := s.manager.FundingScript(id)
	if err != nil {
		return nil, err
	}
	ch, err := s.manager.GetChannel(id)
	if err != nil {
		return nil, err
	}
	addr, err := wallet.P2WSHAddress(witnessScript, s.cfg.Network)
	if err != nil {
		return nil, err
	}

	return &FundingScriptResult{
		ChannelID:     id,
		WitnessScript: hex.EncodeToString(witnessScript),
		PkScript:      hex.EncodeToString(pkScript),
		Address:       addr,
		Amount:        ch.Capacity,
		AmountBTC:     helpers.SatoshisToBTC(ch.Capacity),
	}, nil
}

func (s *Server) channelOpen(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := s.channelIDParam(params)
	if err != nil {
		return nil, err
	}
	ch, err := s.manager.OpenChannel(id)
	if err != nil {
		return nil, err
	}
	return s.channelInfo(ch), nil
}

func (s *Server) channelCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := s.channelIDParam(params)
	if err != nil {
		return nil, err
	}
	ch, err := s.manager.CancelChannel(id)
	if err != nil {
		return nil, err
	}
	return s.channelInfo(ch), nil
}

// ========================================
// Off-chain updates
// ========================================

// PayParams are the params of channel_pay.
type PayParams struct {
	ChannelID string `json:"channel_id"`
	Amount    uint64 `json:"amount"`
	AmountBTC string `json:"amount_btc,omitempty"`
}

func (s *Server) channelPay(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PayParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ChannelID == "" {
		return nil, invalidParams("channel_id is required")
	}

	amount, err := parseAmount(p.Amount, p.AmountBTC, "amount")
	if err != nil {
		return nil, err
	}

	return s.manager.CreatePayment(p.ChannelID, amount)
}

func (s *Server) channelReceive(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p channel.Payment
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ChannelID == "" || len(p.Signature) == 0 {
		return nil, invalidParams("channel_id and signature are required")
	}

	return s.manager.ProcessPayment(&p)
}

func (s *Server) channelSignCommitment(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := s.channelIDParam(params)
	if err != nil {
		return nil, err
	}
	return s.manager.SignCommitment(id)
}

func (s *Server) channelAcceptCommitmentSig(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var sig channel.CommitmentSig
	if err := decodeParams(params, &sig); err != nil {
		return nil, err
	}
	if sig.ChannelID == "" || len(sig.Signature) == 0 {
		return nil, invalidParams("channel_id and signature are required")
	}

	ch, err := s.manager.AcceptCommitmentSig(&sig)
	if err != nil {
		return nil, err
	}
	return s.channelInfo(ch), nil
}

// ========================================
// Closing
// ========================================

func (s *Server) channelSignSettlement(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := s.channelIDParam(params)
	if err != nil {
		return nil, err
	}
	return s.manager.SignSettlement(id)
}

// CloseParams are the params of channel_close.
type CloseParams struct {
	ChannelID string           `json:"channel_id"`
	RemoteSig channel.HexBytes `json:"remote_sig"`
}

func (s *Server) channelClose(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CloseParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ChannelID == "" || len(p.RemoteSig) == 0 {
		return nil, invalidParams("channel_id and remote_sig are required")
	}

	ch, err := s.manager.CloseChannel(ctx, p.ChannelID, p.RemoteSig)
	if err != nil {
		return nil, err
	}
	return s.channelInfo(ch), nil
}

func (s *Server) channelForceClose(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := s.channelIDParam(params)
	if err != nil {
		return nil, err
	}
	ch, err := s.forceClose.ForceCloseChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.channelInfo(ch), nil
}

func (s *Server) channelComplete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := s.channelIDParam(params)
	if err != nil {
		return nil, err
	}
	ch, err := s.manager.CompleteClose(id)
	if err != nil {
		return nil, err
	}
	return s.channelInfo(ch), nil
}

// SweepParams are the params of channel_sweep.
type SweepParams struct {
	// ThresholdSeconds defaults to the configured unresponsive threshold.
	ThresholdSeconds int64 `json:"threshold_seconds,omitempty"`
}

// SweepResult lists the channels that were force-closed.
type SweepResult struct {
	Threshold string         `json:"threshold"`
	Closed    []*ChannelInfo `json:"closed"`
	Error     string         `json:"error,omitempty"`
}

func (s *Server) channelSweep(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SweepParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ThresholdSeconds < 0 {
		return nil, invalidParams("threshold_seconds must not be negative")
	}

	threshold := s.cfg.UnresponsiveThreshold
	if p.ThresholdSeconds > 0 {
		threshold = time.Duration(p.ThresholdSeconds) * time.Second
	}

	closed, err := s.forceClose.Sweep(ctx, threshold)
	result := &SweepResult{Threshold: threshold.String(), Closed: make([]*ChannelInfo, 0, len(closed))}
	for _, ch := range closed {
		result.Closed = append(result.Closed, s.channelInfo(ch))
	}
	// Partial sweeps still report what was closed.
	if err != nil {
		if len(closed) == 0 {
			return nil, err
		}
		result.Error = err.Error()
	}
	return result, nil
}

// ========================================
// Queries
// ========================================

func (s *Server) channelGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := s.channelIDParam(params)
	if err != nil {
		return nil, err
	}
	ch, err := s.manager.GetChannel(id)
	if err != nil {
		return nil, err
	}
	return s.channelInfo(ch), nil
}

// ListParams are the params of channel_list.
type ListParams struct {
	States []string `json:"states,omitempty"`
}

func (s *Server) channelList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	states := make([]channel.State, 0, len(p.States))
	for _, st := range p.States {
		switch state := channel.State(st); state {
		case channel.StatePending, channel.StateOpen, channel.StateClosing, channel.StateDisputed, channel.StateClosed:
			states = append(states, state)
		default:
			return nil, invalidParams("unknown state %q", st)
		}
	}

	channels, err := s.manager.ListChannels(states...)
	if err != nil {
		return nil, err
	}

	out := make([]*ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		out = append(out, s.channelInfo(ch))
	}
	return out, nil
}

func (s *Server) channelHistory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := s.channelIDParam(params)
	if err != nil {
		return nil, err
	}
	return s.manager.GetPaymentHistory(id)
}

// ========================================
// Disputes
// ========================================

func (s *Server) requireMonitor() (*dispute.Monitor, error) {
	if s.monitor == nil {
		return nil, &Error{Code: InternalError, Message: "dispute monitor is not running"}
	}
	return s.monitor, nil
}

func (s *Server) disputeList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	m, err := s.requireMonitor()
	if err != nil {
		return nil, err
	}
	return m.GetActiveDisputes(), nil
}

func (s *Server) disputeCheck(ctx context.Context, params json.RawMessage) (interface{}, error) {
	m, err := s.requireMonitor()
	if err != nil {
		return nil, err
	}
	found := m.CheckNow(ctx)
	if found == nil {
		found = []*dispute.Dispute{}
	}
	return found, nil
}

func (s *Server) disputeResolve(ctx context.Context, params json.RawMessage) (interface{}, error) {
	m, err := s.requireMonitor()
	if err != nil {
		return nil, err
	}
	id, err := s.channelIDParam(params)
	if err != nil {
		return nil, err
	}
	if err := m.ResolveDispute(id); err != nil {
		return nil, err
	}
	return map[string]string{"channel_id": id, "status": "resolved"}, nil
}
