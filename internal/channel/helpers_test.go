package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/klingon-channels/internal/storage"
	"github.com/klingon-exchange/klingon-channels/internal/txbuilder"
	"github.com/lightningnetwork/lnd/clock"
)

const testFundingTxID = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

var testStartTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeBroadcaster struct {
	mu  sync.Mutex
	txs []*wire.MsgTx
	err error
}

func (f *fakeBroadcaster) BroadcastTransaction(_ context.Context, rawTxHex string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}
	tx, err := txbuilder.DeserializeTx(rawTxHex)
	if err != nil {
		return "", err
	}
	f.txs = append(f.txs, tx)
	return tx.TxHash().String(), nil
}

func (f *fakeBroadcaster) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeBroadcaster) last() *wire.MsgTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.txs) == 0 {
		return nil
	}
	return f.txs[len(f.txs)-1]
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.txs)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *eventRecorder) HandleChannelEvent(ev *Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type testNode struct {
	peerID      string
	priv        *btcec.PrivateKey
	dataDir     string
	store       *storage.Storage
	manager     *Manager
	broadcaster *fakeBroadcaster
	events      *eventRecorder
	clock       *clock.TestClock
}

func newTestNode(t *testing.T, peerID string, clk *clock.TestClock) *testNode {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey() error = %v", err)
	}

	n := &testNode{
		peerID:      peerID,
		priv:        priv,
		dataDir:     t.TempDir(),
		broadcaster: &fakeBroadcaster{},
		events:      &eventRecorder{},
		clock:       clk,
	}
	n.open(t)
	return n
}

// open (re)opens the node's store and manager, simulating a restart.
func (n *testNode) open(t *testing.T) {
	t.Helper()

	store, err := storage.New(&storage.Config{DataDir: n.dataDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m, err := NewManager(&ManagerConfig{
		Store:       store,
		Broadcaster: n.broadcaster,
		Events:      n.events,
		Clock:       n.clock,
		PrivKey:     n.priv,
		LocalPeerID: n.peerID,
		MinCapacity: 1_000,
		MaxCapacity: 100_000,
		FeeRate:     1,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	n.store = store
	n.manager = m
}

func (n *testNode) pubKey() []byte {
	return n.priv.PubKey().SerializeCompressed()
}

// openPair runs the full opening handshake between a funder and a
// responder and returns both nodes and the channel id.
func openPair(t *testing.T, capacity uint64) (alice, bob *testNode, id string) {
	t.Helper()
	return openPairWith(t, capacity, true)
}

// openPairWith opens a channel, optionally skipping the commitment
// signature exchange.
func openPairWith(t *testing.T, capacity uint64, exchangeSigs bool) (alice, bob *testNode, id string) {
	t.Helper()

	clk := clock.NewTestClock(testStartTime)
	alice = newTestNode(t, "alice", clk)
	bob = newTestNode(t, "bob", clk)

	ch, err := alice.manager.CreateChannel(bob.peerID, bob.pubKey(), capacity, 0)
	if err != nil {
		t.Fatalf("CreateChannel() error = %v", err)
	}
	id = ch.ID

	if _, err := bob.manager.AcceptChannel(id, bob.peerID, alice.peerID, alice.pubKey(), capacity, ch.NLockTime); err != nil {
		t.Fatalf("AcceptChannel() error = %v", err)
	}

	for _, n := range []*testNode{alice, bob} {
		if _, err := n.manager.SetFundingTx(id, testFundingTxID, 0); err != nil {
			t.Fatalf("%s SetFundingTx() error = %v", n.peerID, err)
		}
	}

	if exchangeSigs {
		exchangeCommitmentSigs(t, alice, bob, id)
	}

	for _, n := range []*testNode{alice, bob} {
		if _, err := n.manager.OpenChannel(id); err != nil {
			t.Fatalf("%s OpenChannel() error = %v", n.peerID, err)
		}
	}

	return alice, bob, id
}

func exchangeCommitmentSigs(t *testing.T, a, b *testNode, id string) {
	t.Helper()

	for _, pair := range [][2]*testNode{{a, b}, {b, a}} {
		sig, err := pair[0].manager.SignCommitment(id)
		if err != nil {
			t.Fatalf("%s SignCommitment() error = %v", pair[0].peerID, err)
		}
		if _, err := pair[1].manager.AcceptCommitmentSig(sig); err != nil {
			t.Fatalf("%s AcceptCommitmentSig() error = %v", pair[1].peerID, err)
		}
	}
}

// pay sends amount from one node to the other and delivers the
// acknowledgement back, like the RPC layer does.
func pay(t *testing.T, from, to *testNode, id string, amount uint64) {
	t.Helper()

	p, err := from.manager.CreatePayment(id, amount)
	if err != nil {
		t.Fatalf("%s CreatePayment(%d) error = %v", from.peerID, amount, err)
	}
	ack, err := to.manager.ProcessPayment(p)
	if err != nil {
		t.Fatalf("%s ProcessPayment() error = %v", to.peerID, err)
	}
	if _, err := from.manager.AcceptCommitmentSig(ack); err != nil {
		t.Fatalf("%s AcceptCommitmentSig(ack) error = %v", from.peerID, err)
	}
}

func mustGet(t *testing.T, n *testNode, id string) *Channel {
	t.Helper()
	ch, err := n.manager.GetChannel(id)
	if err != nil {
		t.Fatalf("%s GetChannel() error = %v", n.peerID, err)
	}
	return ch
}

func assertBalances(t *testing.T, n *testNode, id string, local, remote, seq uint64) {
	t.Helper()
	ch := mustGet(t, n, id)
	if ch.LocalBalance != local || ch.RemoteBalance != remote || ch.SequenceNumber != seq {
		t.Errorf("%s balances = %d/%d seq %d, want %d/%d seq %d", n.peerID,
			ch.LocalBalance, ch.RemoteBalance, ch.SequenceNumber, local, remote, seq)
	}
}

func assertErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("error = %v, want %v", err, target)
	}
}
