package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/klingon-channels/internal/txbuilder"
	"github.com/lightningnetwork/lnd/clock"
)

func TestNewManagerDefaults(t *testing.T) {
	priv, _ := btcec.NewPrivateKey()

	m, err := NewManager(&ManagerConfig{Store: newTestNode(t, "x", clock.NewTestClock(testStartTime)).store, PrivKey: priv})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if m.minCapacity != DefaultMinCapacity || m.maxCapacity != DefaultMaxCapacity {
		t.Errorf("capacity bounds = [%d, %d]", m.minCapacity, m.maxCapacity)
	}
	if m.defaultLifetime != DefaultLifetime {
		t.Errorf("defaultLifetime = %v", m.defaultLifetime)
	}
	if m.feeRate != DefaultFeeRate {
		t.Errorf("feeRate = %d", m.feeRate)
	}

	if _, err := NewManager(&ManagerConfig{PrivKey: priv}); err == nil {
		t.Error("NewManager() without store should fail")
	}
	if _, err := NewManager(&ManagerConfig{Store: m.store}); err == nil {
		t.Error("NewManager() without key should fail")
	}
}

func TestCreateChannel(t *testing.T) {
	clk := clock.NewTestClock(testStartTime)
	alice := newTestNode(t, "alice", clk)
	bob := newTestNode(t, "bob", clk)

	ch, err := alice.manager.CreateChannel("bob", bob.pubKey(), 10_000, 0)
	if err != nil {
		t.Fatalf("CreateChannel() error = %v", err)
	}

	if ch.State != StatePending {
		t.Errorf("State = %s, want pending", ch.State)
	}
	if ch.LocalBalance != 10_000 || ch.RemoteBalance != 0 || ch.SequenceNumber != 0 {
		t.Errorf("balances = %d/%d seq %d", ch.LocalBalance, ch.RemoteBalance, ch.SequenceNumber)
	}
	if !ch.Initiator {
		t.Error("creator should be the initiator")
	}
	if want := testStartTime.Add(DefaultLifetime).Unix(); ch.NLockTime != want {
		t.Errorf("NLockTime = %d, want %d", ch.NLockTime, want)
	}

	stored := mustGet(t, alice, ch.ID)
	if stored.ID != ch.ID || stored.Capacity != 10_000 || !stored.CreatedAt.Equal(testStartTime) {
		t.Errorf("stored channel = %+v", stored)
	}

	ch2, err := alice.manager.CreateChannel("bob", bob.pubKey(), 10_000, time.Hour)
	if err != nil {
		t.Fatalf("CreateChannel() error = %v", err)
	}
	if ch2.ID == ch.ID {
		t.Error("channel ids should be unique")
	}
	if want := testStartTime.Add(time.Hour).Unix(); ch2.NLockTime != want {
		t.Errorf("NLockTime = %d, want %d", ch2.NLockTime, want)
	}
}

func TestCreateChannelCapacityBounds(t *testing.T) {
	clk := clock.NewTestClock(testStartTime)
	alice := newTestNode(t, "alice", clk)
	bob := newTestNode(t, "bob", clk)

	tests := []struct {
		capacity uint64
		wantErr  bool
	}{
		{999, true},
		{1_000, false},
		{100_000, false},
		{100_001, true},
		{0, true},
	}

	for _, tt := range tests {
		_, err := alice.manager.CreateChannel("bob", bob.pubKey(), tt.capacity, 0)
		if tt.wantErr {
			if !errors.Is(err, ErrCapacity) {
				t.Errorf("CreateChannel(%d) error = %v, want ErrCapacity", tt.capacity, err)
			}
		} else if err != nil {
			t.Errorf("CreateChannel(%d) error = %v", tt.capacity, err)
		}
	}

	if _, err := alice.manager.CreateChannel("bob", []byte{0x02, 0x01}, 10_000, 0); err == nil {
		t.Error("CreateChannel() with a bad pubkey should fail")
	}
}

func TestAcceptChannel(t *testing.T) {
	clk := clock.NewTestClock(testStartTime)
	alice := newTestNode(t, "alice", clk)
	bob := newTestNode(t, "bob", clk)

	ch, err := alice.manager.CreateChannel("bob", bob.pubKey(), 20_000, 0)
	if err != nil {
		t.Fatalf("CreateChannel() error = %v", err)
	}

	mirror, err := bob.manager.AcceptChannel(ch.ID, "bob", "alice", alice.pubKey(), 20_000, ch.NLockTime)
	if err != nil {
		t.Fatalf("AcceptChannel() error = %v", err)
	}
	if mirror.Initiator || mirror.LocalBalance != 0 || mirror.RemoteBalance != 20_000 {
		t.Errorf("mirror = %+v", mirror)
	}

	aliceScript, _ := ch.LockingScript()
	bobScript, _ := mirror.LockingScript()
	if string(aliceScript) != string(bobScript) {
		t.Error("both sides must derive the same funding script")
	}

	_, err = bob.manager.AcceptChannel(ch.ID, "bob", "alice", alice.pubKey(), 20_000, ch.NLockTime)
	assertErrorIs(t, err, ErrState)

	_, err = bob.manager.AcceptChannel("other", "bob", "alice", alice.pubKey(), 500, ch.NLockTime)
	assertErrorIs(t, err, ErrCapacity)
}

func TestOpenChannelRequiresFunding(t *testing.T) {
	clk := clock.NewTestClock(testStartTime)
	alice := newTestNode(t, "alice", clk)
	bob := newTestNode(t, "bob", clk)

	ch, _ := alice.manager.CreateChannel("bob", bob.pubKey(), 10_000, 0)

	_, err := alice.manager.OpenChannel(ch.ID)
	assertErrorIs(t, err, ErrState)

	if _, err := alice.manager.SetFundingTx(ch.ID, "not-a-txid", 0); err == nil {
		t.Error("SetFundingTx() with a bad txid should fail")
	}
	if _, err := alice.manager.SetFundingTx(ch.ID, testFundingTxID, 1); err != nil {
		t.Fatalf("SetFundingTx() error = %v", err)
	}
	opened, err := alice.manager.OpenChannel(ch.ID)
	if err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	if opened.State != StateOpen || opened.FundingOutputIndex != 1 {
		t.Errorf("opened = %+v", opened)
	}

	_, err = alice.manager.OpenChannel(ch.ID)
	assertErrorIs(t, err, ErrState)
	_, err = alice.manager.SetFundingTx(ch.ID, testFundingTxID, 0)
	assertErrorIs(t, err, ErrState)

	_, err = alice.manager.OpenChannel("missing")
	assertErrorIs(t, err, ErrNotFound)
}

func TestSingleChannelLifecycle(t *testing.T) {
	alice, bob, id := openPair(t, 10_000)

	if ch := mustGet(t, alice, id); ch.State != StateOpen {
		t.Fatalf("State = %s, want open", ch.State)
	}
	assertBalances(t, alice, id, 10_000, 0, 0)

	pay(t, alice, bob, id, 1_000)
	assertBalances(t, alice, id, 9_000, 1_000, 1)

	_, err := alice.manager.CreatePayment(id, 15_000)
	assertErrorIs(t, err, ErrInsufficientBalance)
	assertBalances(t, alice, id, 9_000, 1_000, 1)

	settleSig, err := bob.manager.SignSettlement(id)
	if err != nil {
		t.Fatalf("SignSettlement() error = %v", err)
	}
	closing, err := alice.manager.CloseChannel(context.Background(), id, settleSig.Signature)
	if err != nil {
		t.Fatalf("CloseChannel() error = %v", err)
	}
	if closing.State != StateClosing {
		t.Errorf("State = %s, want closing", closing.State)
	}

	tx := alice.broadcaster.last()
	if tx == nil {
		t.Fatal("no settlement broadcast")
	}
	if closing.CloseTxID != tx.TxHash().String() {
		t.Errorf("CloseTxID = %s, want %s", closing.CloseTxID, tx.TxHash())
	}
	if !txbuilder.IsSettlement(tx) {
		t.Error("cooperative close should broadcast a settlement")
	}

	// Funder pays the fee.
	fee := int64(txbuilder.EstimateChannelCloseVSize(2))
	if tx.TxOut[0].Value != 9_000-fee || tx.TxOut[1].Value != 1_000 {
		t.Errorf("outputs = %d/%d", tx.TxOut[0].Value, tx.TxOut[1].Value)
	}
	verifySpend(t, tx, mustGet(t, alice, id))

	closed, err := alice.manager.CompleteClose(id)
	if err != nil {
		t.Fatalf("CompleteClose() error = %v", err)
	}
	if closed.State != StateClosed {
		t.Errorf("State = %s, want closed", closed.State)
	}

	want := []EventType{EventChannelOpened, EventChannelPayment, EventChannelClosing, EventChannelClosed}
	got := alice.events.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestTwoPartyPayments(t *testing.T) {
	alice, bob, id := openPair(t, 20_000)

	first, err := alice.manager.CreatePayment(id, 5_000)
	if err != nil {
		t.Fatalf("CreatePayment() error = %v", err)
	}
	ack, err := bob.manager.ProcessPayment(first)
	if err != nil {
		t.Fatalf("ProcessPayment() error = %v", err)
	}
	if _, err := alice.manager.AcceptCommitmentSig(ack); err != nil {
		t.Fatalf("AcceptCommitmentSig() error = %v", err)
	}
	assertBalances(t, alice, id, 15_000, 5_000, 1)
	assertBalances(t, bob, id, 5_000, 15_000, 1)

	pay(t, bob, alice, id, 2_000)
	assertBalances(t, alice, id, 17_000, 3_000, 2)
	assertBalances(t, bob, id, 3_000, 17_000, 2)

	_, err = bob.manager.ProcessPayment(first)
	assertErrorIs(t, err, ErrSequence)
	assertBalances(t, bob, id, 3_000, 17_000, 2)

	history, err := bob.manager.GetPaymentHistory(id)
	if err != nil {
		t.Fatalf("GetPaymentHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history has %d entries, want 2", len(history))
	}
	if history[0].Direction != DirectionReceived || history[0].Amount != 5_000 || history[0].Sequence != 1 {
		t.Errorf("history[0] = %+v", history[0])
	}
	if history[1].Direction != DirectionSent || history[1].Amount != 2_000 || history[1].Sequence != 2 {
		t.Errorf("history[1] = %+v", history[1])
	}

	_, err = bob.manager.GetPaymentHistory("missing")
	assertErrorIs(t, err, ErrNotFound)
}

func TestProcessPaymentRejectsBadUpdates(t *testing.T) {
	alice, bob, id := openPair(t, 20_000)

	valid, err := alice.manager.CreatePayment(id, 5_000)
	if err != nil {
		t.Fatalf("CreatePayment() error = %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(p *Payment)
		wantErr error
	}{
		{"stale sequence", func(p *Payment) { p.NewSequenceNumber = 0 }, ErrSequence},
		{"sequence gap", func(p *Payment) { p.NewSequenceNumber = 6 }, ErrSequence},
		{"balances exceed capacity", func(p *Payment) { p.NewLocalBalance++ }, ErrCapacity},
		{"amount mismatch", func(p *Payment) { p.Amount = 4_000 }, ErrCapacity},
		{"moves funds the wrong way", func(p *Payment) {
			p.NewLocalBalance, p.NewRemoteBalance = p.NewRemoteBalance, p.NewLocalBalance
		}, ErrCapacity},
		{"signature over other balances", func(p *Payment) {
			p.Amount = 6_000
			p.NewLocalBalance = 14_000
			p.NewRemoteBalance = 6_000
		}, ErrSignature},
		{"garbage signature", func(p *Payment) { p.Signature = HexBytes{0x30, 0x01} }, ErrSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := *valid
			p.Signature = append(HexBytes(nil), valid.Signature...)
			tt.mutate(&p)

			_, err := bob.manager.ProcessPayment(&p)
			assertErrorIs(t, err, tt.wantErr)
			assertBalances(t, bob, id, 0, 20_000, 0)
		})
	}

	if _, err := bob.manager.ProcessPayment(valid); err != nil {
		t.Fatalf("ProcessPayment(valid) error = %v", err)
	}
	assertBalances(t, bob, id, 5_000, 15_000, 1)
}

func TestCreatePaymentErrors(t *testing.T) {
	clk := clock.NewTestClock(testStartTime)
	alice := newTestNode(t, "alice", clk)
	bob := newTestNode(t, "bob", clk)

	ch, _ := alice.manager.CreateChannel("bob", bob.pubKey(), 10_000, 0)

	_, err := alice.manager.CreatePayment(ch.ID, 100)
	assertErrorIs(t, err, ErrState)

	_, err = alice.manager.CreatePayment(ch.ID, 0)
	assertErrorIs(t, err, ErrInvalidAmount)

	_, err = alice.manager.CreatePayment("missing", 100)
	assertErrorIs(t, err, ErrNotFound)
}

func TestCommitmentSigSequenceMismatch(t *testing.T) {
	alice, bob, id := openPair(t, 10_000)

	sig, err := bob.manager.SignCommitment(id)
	if err != nil {
		t.Fatalf("SignCommitment() error = %v", err)
	}
	sig.Sequence = 3

	_, err = alice.manager.AcceptCommitmentSig(sig)
	assertErrorIs(t, err, ErrSequence)
}

func TestLatestCommitment(t *testing.T) {
	alice, bob, id := openPair(t, 10_000)
	pay(t, alice, bob, id, 2_500)

	for _, n := range []*testNode{alice, bob} {
		tx, ch, err := n.manager.LatestCommitment(id)
		if err != nil {
			t.Fatalf("%s LatestCommitment() error = %v", n.peerID, err)
		}
		verifySpend(t, tx, ch)

		hint, err := txbuilder.GetStateHint(tx, ch.StateHintObfuscator())
		if err != nil {
			t.Fatalf("GetStateHint() error = %v", err)
		}
		if hint != 1 {
			t.Errorf("%s state hint = %d, want 1", n.peerID, hint)
		}
	}

	// Both sides complete the same transaction.
	aTx, _, _ := alice.manager.LatestCommitment(id)
	bTx, _, _ := bob.manager.LatestCommitment(id)
	if aTx.TxHash() != bTx.TxHash() {
		t.Error("commitments differ between the parties")
	}

	// Until the peer acks the new state the previous commitment is the
	// latest one alice can complete.
	if _, err := alice.manager.CreatePayment(id, 100); err != nil {
		t.Fatalf("CreatePayment() error = %v", err)
	}
	pending, ch, err := alice.manager.LatestCommitment(id)
	if err != nil {
		t.Fatalf("LatestCommitment() error = %v", err)
	}
	if ch.SequenceNumber != 2 || pending.TxHash() != aTx.TxHash() {
		t.Errorf("unacknowledged payment changed the signed commitment (seq %d)", ch.SequenceNumber)
	}
}

func TestCloseChannelBroadcastFailure(t *testing.T) {
	alice, bob, id := openPair(t, 10_000)

	settleSig, err := bob.manager.SignSettlement(id)
	if err != nil {
		t.Fatalf("SignSettlement() error = %v", err)
	}

	alice.broadcaster.fail(errors.New("mempool unreachable"))
	_, err = alice.manager.CloseChannel(context.Background(), id, settleSig.Signature)
	assertErrorIs(t, err, ErrBroadcast)

	ch := mustGet(t, alice, id)
	if ch.State != StateOpen || ch.CloseTxID != "" {
		t.Errorf("after failed broadcast: state %s close txid %q", ch.State, ch.CloseTxID)
	}

	alice.broadcaster.fail(nil)
	if _, err := alice.manager.CloseChannel(context.Background(), id, settleSig.Signature); err != nil {
		t.Fatalf("CloseChannel() retry error = %v", err)
	}
}

func TestCloseChannelRejectsBadSignature(t *testing.T) {
	alice, bob, id := openPair(t, 10_000)

	commitSig, _ := bob.manager.SignCommitment(id)
	_, err := alice.manager.CloseChannel(context.Background(), id, commitSig.Signature)
	assertErrorIs(t, err, ErrSignature)

	if alice.broadcaster.count() != 0 {
		t.Error("nothing should be broadcast with a bad signature")
	}
}

func TestCompleteCloseRequiresClosing(t *testing.T) {
	alice, _, id := openPair(t, 10_000)

	_, err := alice.manager.CompleteClose(id)
	assertErrorIs(t, err, ErrState)
}

func TestCancelChannel(t *testing.T) {
	clk := clock.NewTestClock(testStartTime)
	alice := newTestNode(t, "alice", clk)
	bob := newTestNode(t, "bob", clk)

	ch, _ := alice.manager.CreateChannel("bob", bob.pubKey(), 10_000, 0)

	canceled, err := alice.manager.CancelChannel(ch.ID)
	if err != nil {
		t.Fatalf("CancelChannel() error = %v", err)
	}
	if canceled.State != StateClosed || !canceled.Canceled {
		t.Errorf("canceled = %+v", canceled)
	}

	_, err = alice.manager.CancelChannel(ch.ID)
	assertErrorIs(t, err, ErrState)

	alice.events.mu.Lock()
	last := alice.events.events[len(alice.events.events)-1]
	alice.events.mu.Unlock()
	if last.Type != EventChannelClosed || last.Reason != "canceled" {
		t.Errorf("last event = %+v", last)
	}
}

func TestListChannels(t *testing.T) {
	alice, _, id := openPair(t, 10_000)

	pending, err := alice.manager.CreateChannel("carol", alice.pubKey(), 5_000, 0)
	if err != nil {
		t.Fatalf("CreateChannel() error = %v", err)
	}

	all, err := alice.manager.ListChannels()
	if err != nil {
		t.Fatalf("ListChannels() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListChannels() returned %d channels, want 2", len(all))
	}

	open, _ := alice.manager.ListChannels(StateOpen)
	if len(open) != 1 || open[0].ID != id {
		t.Errorf("open channels = %v", open)
	}

	some, _ := alice.manager.ListChannels(StatePending, StateClosed)
	if len(some) != 1 || some[0].ID != pending.ID {
		t.Errorf("pending channels = %v", some)
	}
}

func TestManagerRestart(t *testing.T) {
	alice, bob, id := openPair(t, 20_000)
	pay(t, alice, bob, id, 4_000)

	alice.store.Close()
	alice.open(t)

	assertBalances(t, alice, id, 16_000, 4_000, 1)
	ch := mustGet(t, alice, id)
	if ch.State != StateOpen || ch.RemoteSigSequence != 1 {
		t.Errorf("restored = %+v", ch)
	}

	pay(t, alice, bob, id, 1_000)
	assertBalances(t, alice, id, 15_000, 5_000, 2)

	history, _ := alice.manager.GetPaymentHistory(id)
	if len(history) != 2 {
		t.Errorf("history has %d entries, want 2", len(history))
	}
}

func TestConcurrentPayments(t *testing.T) {
	alice, bob, id := openPair(t, 100_000)

	// Each worker retries until it holds the only unacknowledged payment,
	// then delivers it and the ack.
	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				p, err := alice.manager.CreatePayment(id, 1_000)
				if errors.Is(err, ErrState) {
					time.Sleep(time.Millisecond)
					continue
				}
				if err != nil {
					errs <- err
					return
				}
				ack, err := bob.manager.ProcessPayment(p)
				if err != nil {
					errs <- err
					return
				}
				if _, err := alice.manager.AcceptCommitmentSig(ack); err != nil {
					errs <- err
				}
				return
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("payment error = %v", err)
	}

	assertBalances(t, alice, id, 80_000, 20_000, workers)
	assertBalances(t, bob, id, 20_000, 80_000, workers)

	history, _ := alice.manager.GetPaymentHistory(id)
	for i, p := range history {
		if p.Sequence != uint64(i+1) {
			t.Errorf("history[%d].Sequence = %d", i, p.Sequence)
		}
	}
	if alice.manager.locks.size() != 0 {
		t.Errorf("lock table not empty: %d", alice.manager.locks.size())
	}
}

func TestCreatePaymentAwaitsAck(t *testing.T) {
	alice, bob, id := openPair(t, 20_000)

	first, err := alice.manager.CreatePayment(id, 1_000)
	if err != nil {
		t.Fatalf("CreatePayment() error = %v", err)
	}

	_, err = alice.manager.CreatePayment(id, 1_000)
	assertErrorIs(t, err, ErrState)
	assertBalances(t, alice, id, 19_000, 1_000, 1)

	ack, err := bob.manager.ProcessPayment(first)
	if err != nil {
		t.Fatalf("ProcessPayment() error = %v", err)
	}
	ch, err := alice.manager.AcceptCommitmentSig(ack)
	if err != nil {
		t.Fatalf("AcceptCommitmentSig() error = %v", err)
	}
	if ch.SignedLocalBalance != 19_000 || ch.SignedRemoteBalance != 1_000 || ch.AwaitingAck() {
		t.Errorf("signed state = %d/%d awaiting %v", ch.SignedLocalBalance, ch.SignedRemoteBalance, ch.AwaitingAck())
	}

	pay(t, alice, bob, id, 1_000)
	assertBalances(t, alice, id, 18_000, 2_000, 2)
}

func TestCloseFeeAboveBalances(t *testing.T) {
	alice, _, id := openPair(t, 1_000)

	// 500/500 leaves both outputs under dust once the funder pays the fee.
	_, err := alice.manager.CreatePayment(id, 500)
	assertErrorIs(t, err, ErrCapacity)
	assertBalances(t, alice, id, 1_000, 0, 0)

	clk := clock.NewTestClock(testStartTime)
	carol := newTestNode(t, "carol", clk)
	m, err := NewManager(&ManagerConfig{
		Store:       carol.store,
		PrivKey:     carol.priv,
		Clock:       clk,
		MinCapacity: 1_000,
		MaxCapacity: 100_000,
		FeeRate:     20,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	// 170 vB at 20 sat/vB plus a dust output does not fit in 3 000 sat.
	_, err = m.CreateChannel("bob", alice.pubKey(), 3_000, 0)
	assertErrorIs(t, err, ErrCapacity)
	if _, err := m.CreateChannel("bob", alice.pubKey(), 5_000, 0); err != nil {
		t.Errorf("CreateChannel(5000) error = %v", err)
	}
}

func TestFundingScript(t *testing.T) {
	alice, bob, id := openPair(t, 10_000)

	aLock, aPk, err := alice.manager.FundingScript(id)
	if err != nil {
		t.Fatalf("FundingScript() error = %v", err)
	}
	bLock, bPk, _ := bob.manager.FundingScript(id)
	if string(aLock) != string(bLock) || string(aPk) != string(bPk) {
		t.Error("funding scripts differ between the parties")
	}
	if !txscript.IsPayToWitnessScriptHash(aPk) {
		t.Error("funding output should be P2WSH")
	}
}

// verifySpend runs a fully signed channel transaction through the script
// engine against the channel's funding output.
func verifySpend(t *testing.T, tx *wire.MsgTx, ch *Channel) {
	t.Helper()

	funding, _, err := ch.fundingUTXO()
	if err != nil {
		t.Fatalf("fundingUTXO() error = %v", err)
	}
	fetcher := txscript.NewCannedPrevOutputFetcher(funding.PkScript, funding.Amount)
	vm, err := txscript.NewEngine(funding.PkScript, tx, 0, txscript.StandardVerifyFlags,
		nil, txscript.NewTxSigHashes(tx, fetcher), funding.Amount, fetcher)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if err := vm.Execute(); err != nil {
		t.Errorf("script execution failed: %v", err)
	}
}
