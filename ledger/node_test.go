package ledger

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"agentmesh/native/escrow"
	"agentmesh/storage"
)

func nodeTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	node := NewNode(NewState(storage.NewMemDB()))
	node.SetNowFunc(func() int64 { return 1_700_000_000 })
	return node
}

func TestSubmitEscrowLifecycle(t *testing.T) {
	node := newTestNode(t)
	payer := nodeTestAddress(0x01)
	payee := nodeTestAddress(0x02)
	if err := node.State().Mint(payer, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	ctx := context.Background()

	esc, err := node.SubmitEscrowCreate(ctx, EscrowCreateInput{
		Payer:       payer,
		Payee:       payee,
		Amount:      big.NewInt(250),
		Description: "render job",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := node.QueryEscrow(ctx, esc.ID)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.Status != escrow.StatusActive {
		t.Fatalf("expected active, got %s", got.Status)
	}

	released, err := node.SubmitEscrowRelease(ctx, esc.ID, payer)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != escrow.StatusCompleted {
		t.Fatalf("expected completed, got %s", released.Status)
	}

	payeeAcc, err := node.QueryAccount(ctx, payee)
	if err != nil {
		t.Fatalf("query account: %v", err)
	}
	if payeeAcc.Balance.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("payee balance = %s, want 250", payeeAcc.Balance)
	}

	list, err := node.ListEscrowsByParty(ctx, payee)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one indexed escrow, got %d", len(list))
	}
}

// A concurrent release and refund on the same escrow must settle exactly
// once: one caller wins, the other observes NOT_ACTIVE, and funds move a
// single time.
func TestConcurrentReleaseRefundSettlesOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		node := newTestNode(t)
		payer := nodeTestAddress(0x01)
		payee := nodeTestAddress(0x02)
		if err := node.State().Mint(payer, big.NewInt(1_000)); err != nil {
			t.Fatalf("mint: %v", err)
		}
		ctx := context.Background()
		esc, err := node.SubmitEscrowCreate(ctx, EscrowCreateInput{
			Payer:       payer,
			Payee:       payee,
			Amount:      big.NewInt(400),
			Description: "render job",
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		var wg sync.WaitGroup
		results := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, results[0] = node.SubmitEscrowRelease(ctx, esc.ID, payer)
		}()
		go func() {
			defer wg.Done()
			_, results[1] = node.SubmitEscrowRefund(ctx, esc.ID, payee)
		}()
		wg.Wait()

		succeeded := 0
		for _, err := range results {
			if err == nil {
				succeeded++
			} else if !errors.Is(err, escrow.ErrNotActive) {
				t.Fatalf("unexpected failure mode: %v", err)
			}
		}
		if succeeded != 1 {
			t.Fatalf("expected exactly one winner, got %d", succeeded)
		}

		payerAcc, _ := node.QueryAccount(ctx, payer)
		payeeAcc, _ := node.QueryAccount(ctx, payee)
		total := new(big.Int).Add(payerAcc.Balance, payeeAcc.Balance)
		if total.Cmp(big.NewInt(1_000)) != 0 {
			t.Fatalf("conservation violated: payer %s payee %s", payerAcc.Balance, payeeAcc.Balance)
		}
		final, _ := node.QueryEscrow(ctx, esc.ID)
		if !final.Status.Terminal() {
			t.Fatalf("escrow should be terminal, got %s", final.Status)
		}
	}
}

func TestExpiredContextSurfacesTimeout(t *testing.T) {
	node := newTestNode(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := node.QueryEscrow(ctx, [32]byte{0x01})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout sentinel, got %v", err)
	}
}

func TestRegistrySubmissions(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()
	addr := nodeTestAddress(0x01)
	rater := nodeTestAddress(0x02)

	entry, err := node.SubmitRegistryRegister(ctx, addr, "render-bot")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := node.SubmitFeedback(ctx, entry.ID, rater, 90, "tx-1", "solid"); err != nil {
		t.Fatalf("feedback: %v", err)
	}

	tally, err := node.QueryReputationTally(ctx, entry.ID)
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if tally.Count != 1 || tally.Average != 90 {
		t.Fatalf("tally = %+v", tally)
	}

	got, err := node.QueryIdentityEntry(ctx, addr)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if got.ID != entry.ID {
		t.Fatalf("identity lookup mismatch")
	}
}
