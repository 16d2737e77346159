package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/klingon-channels/internal/backend"
	"github.com/klingon-exchange/klingon-channels/internal/chain"
	"github.com/klingon-exchange/klingon-channels/internal/channel"
	"github.com/klingon-exchange/klingon-channels/internal/dispute"
	"github.com/klingon-exchange/klingon-channels/internal/storage"
	"github.com/klingon-exchange/klingon-channels/internal/txbuilder"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

const testFundingTxID = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

var testStartTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeBroadcaster struct {
	mu  sync.Mutex
	txs []*wire.MsgTx
}

func (f *fakeBroadcaster) BroadcastTransaction(_ context.Context, rawTxHex string) (string, error) {
	tx, err := txbuilder.DeserializeTx(rawTxHex)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.txs = append(f.txs, tx)
	f.mu.Unlock()
	return tx.TxHash().String(), nil
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.txs)
}

type fakeScanner struct {
	mu     sync.Mutex
	spends map[string]*backend.SpendInfo
}

func (f *fakeScanner) FindSpend(_ context.Context, txid string, _ uint32, _ uint32) (*backend.SpendInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spends[txid], nil
}

func (f *fakeScanner) setSpend(txid string, tx *wire.MsgTx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spends[txid] = &backend.SpendInfo{TxID: tx.TxHash().String(), Tx: tx}
}

// rpcNode is one daemon: store, manager, monitor and RPC server behind an
// httptest listener.
type rpcNode struct {
	peerID      string
	priv        *btcec.PrivateKey
	store       *storage.Storage
	manager     *channel.Manager
	monitor     *dispute.Monitor
	scanner     *fakeScanner
	broadcaster *fakeBroadcaster
	hub         *WSHub
	bridge      *EventBridge
	server      *Server
	http        *httptest.Server
}

func newRPCNode(t *testing.T, peerID string, clk *clock.TestClock) *rpcNode {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey() error = %v", err)
	}

	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	n := &rpcNode{
		peerID:      peerID,
		priv:        priv,
		store:       store,
		scanner:     &fakeScanner{spends: make(map[string]*backend.SpendInfo)},
		broadcaster: &fakeBroadcaster{},
		hub:         NewWSHub(),
	}
	n.bridge = NewEventBridge(n.hub)

	n.manager, err = channel.NewManager(&channel.ManagerConfig{
		Store:       store,
		Broadcaster: n.broadcaster,
		Events:      n.bridge,
		Clock:       clk,
		PrivKey:     priv,
		LocalPeerID: peerID,
		MinCapacity: 1_000,
		MaxCapacity: 100_000,
		FeeRate:     1,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	n.monitor, err = dispute.NewMonitor(&dispute.Config{
		Scanner:     n.scanner,
		Broadcaster: n.broadcaster,
		Responder:   n.manager,
		Handler:     n.bridge,
		Clock:       clk,
		Ticker:      ticker.NewForce(time.Hour),
		AutoResolve: true,
	})
	if err != nil {
		t.Fatalf("NewMonitor() error = %v", err)
	}
	n.bridge.SetMonitor(n.monitor)

	n.server, err = NewServer(&Config{
		Manager:               n.manager,
		Monitor:               n.monitor,
		Store:                 store,
		Hub:                   n.hub,
		Network:               chain.Regtest,
		UnresponsiveThreshold: 6 * time.Hour,
		Clock:                 clk,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	go n.hub.Run()
	n.http = httptest.NewServer(n.server.Handler())
	t.Cleanup(func() {
		n.http.Close()
		n.hub.Stop()
	})

	return n
}

func (n *rpcNode) pubKey() channel.HexBytes {
	return n.priv.PubKey().SerializeCompressed()
}

// call performs a JSON-RPC request and decodes the result into out.
func (n *rpcNode) call(t *testing.T, method string, params, out interface{}) *Error {
	t.Helper()

	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(n.http.URL+"/", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", method, err)
	}
	defer resp.Body.Close()

	var r struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		t.Fatalf("decode %s response: %v", method, err)
	}
	if r.Error != nil {
		return r.Error
	}
	if out != nil {
		if err := json.Unmarshal(r.Result, out); err != nil {
			t.Fatalf("decode %s result: %v", method, err)
		}
	}
	return nil
}

func (n *rpcNode) mustCall(t *testing.T, method string, params, out interface{}) {
	t.Helper()
	if err := n.call(t, method, params, out); err != nil {
		t.Fatalf("%s %s error = %d %s", n.peerID, method, err.Code, err.Message)
	}
}

func expectCode(t *testing.T, err *Error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error code %d, got success", code)
	}
	if err.Code != code {
		t.Fatalf("error code = %d (%s), want %d", err.Code, err.Message, code)
	}
}

func chanParams(chID string) map[string]string {
	return map[string]string{"channel_id": chID}
}

// openOverRPC runs the opening handshake between two daemons using only
// RPC calls and returns the channel id.
func openOverRPC(t *testing.T, alice, bob *rpcNode, capacity uint64) string {
	t.Helper()

	var created ChannelInfo
	alice.mustCall(t, "channel_create", CreateParams{
		RemotePeerID: bob.peerID,
		RemotePubKey: bob.pubKey(),
		Capacity:     capacity,
	}, &created)

	bob.mustCall(t, "channel_accept", AcceptParams{
		ChannelID:    created.ID,
		RemotePeerID: alice.peerID,
		RemotePubKey: alice.pubKey(),
		Capacity:     capacity,
		NLockTime:    created.NLockTime,
	}, nil)

	for _, n := range []*rpcNode{alice, bob} {
		n.mustCall(t, "channel_setFunding", SetFundingParams{ChannelID: created.ID, TxID: testFundingTxID}, nil)
	}

	for _, pair := range [][2]*rpcNode{{alice, bob}, {bob, alice}} {
		var sig channel.CommitmentSig
		pair[0].mustCall(t, "channel_signCommitment", chanParams(created.ID), &sig)
		pair[1].mustCall(t, "channel_acceptCommitmentSig", sig, nil)
	}

	for _, n := range []*rpcNode{alice, bob} {
		n.mustCall(t, "channel_open", chanParams(created.ID), nil)
	}
	return created.ID
}

// payOverRPC moves amount from one daemon to the other.
func payOverRPC(t *testing.T, from, to *rpcNode, chID string, amount uint64) {
	t.Helper()

	var p channel.Payment
	from.mustCall(t, "channel_pay", PayParams{ChannelID: chID, Amount: amount}, &p)

	var ack channel.CommitmentSig
	to.mustCall(t, "channel_receive", p, &ack)
	from.mustCall(t, "channel_acceptCommitmentSig", ack, nil)
}

func newPair(t *testing.T) (*rpcNode, *rpcNode, *clock.TestClock) {
	t.Helper()
	clk := clock.NewTestClock(testStartTime)
	return newRPCNode(t, "alice", clk), newRPCNode(t, "bob", clk), clk
}
