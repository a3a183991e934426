package ledger

import (
	"context"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentmesh/native/escrow"
	"agentmesh/native/registry"
	"agentmesh/storage"
)

func rpcTestAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func newRPCFixture(t *testing.T, token string) (*Node, *Client) {
	t.Helper()
	node := NewNode(NewState(storage.NewMemDB()))
	srv := httptest.NewServer(NewRPCServer(node, token))
	t.Cleanup(srv.Close)
	return node, NewClient(srv.URL, token, 5*time.Second)
}

func TestRPCEscrowRoundTrip(t *testing.T) {
	node, client := newRPCFixture(t, "node-token")
	ctx := context.Background()

	payer := rpcTestAddress(0x01)
	payee := rpcTestAddress(0x02)
	require.NoError(t, node.State().Mint(payer, big.NewInt(1_000)))

	created, err := client.SubmitEscrowCreate(ctx, EscrowCreateInput{
		Payer:       payer,
		Payee:       payee,
		Amount:      big.NewInt(400),
		Description: "render job",
	})
	require.NoError(t, err)
	require.Equal(t, escrow.StatusActive, created.Status)
	require.Equal(t, payer, created.Payer)
	require.Equal(t, int64(400), created.Amount.Int64())

	fetched, err := client.QueryEscrow(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, fetched.ID)

	released, err := client.SubmitEscrowRelease(ctx, created.ID, payer)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusCompleted, released.Status)

	list, err := client.ListEscrowsByParty(ctx, payee)
	require.NoError(t, err)
	require.Len(t, list, 1)

	acc, err := client.QueryAccount(ctx, payee)
	require.NoError(t, err)
	require.Equal(t, int64(400), acc.Balance.Int64())
}

func TestRPCFaultsSurviveTheWire(t *testing.T) {
	node, client := newRPCFixture(t, "")
	ctx := context.Background()

	_, err := client.QueryEscrow(ctx, [32]byte{0xAA})
	require.ErrorIs(t, err, escrow.ErrNotFound)

	payer := rpcTestAddress(0x01)
	payee := rpcTestAddress(0x02)
	require.NoError(t, node.State().Mint(payer, big.NewInt(100)))
	created, err := client.SubmitEscrowCreate(ctx, EscrowCreateInput{
		Payer:       payer,
		Payee:       payee,
		Amount:      big.NewInt(100),
		Description: "render job",
	})
	require.NoError(t, err)

	// A stranger to the escrow cannot trigger the payout.
	_, err = client.SubmitEscrowRelease(ctx, created.ID, rpcTestAddress(0x03))
	require.ErrorIs(t, err, escrow.ErrUnauthorized)

	_, err = client.SubmitEscrowRelease(ctx, created.ID, payer)
	require.NoError(t, err)
	_, err = client.SubmitEscrowRefund(ctx, created.ID, payer)
	require.ErrorIs(t, err, escrow.ErrNotActive)
}

func TestRPCRegistryRoundTrip(t *testing.T) {
	_, client := newRPCFixture(t, "")
	ctx := context.Background()

	addr := rpcTestAddress(0x05)
	entry, err := client.SubmitRegistryRegister(ctx, addr, "Render Bot")
	require.NoError(t, err)
	require.True(t, entry.Active)
	require.Equal(t, addr, entry.Address)

	fetched, err := client.QueryIdentityEntry(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, entry.ID, fetched.ID)

	_, err = client.SubmitFeedback(ctx, entry.ID, rpcTestAddress(0x06), 80, "", "solid work")
	require.NoError(t, err)

	tally, err := client.QueryReputationTally(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, 1, tally.Count)
	require.Equal(t, 80.0, tally.Average)

	_, err = client.QueryIdentityEntry(ctx, rpcTestAddress(0x07))
	require.ErrorIs(t, err, registry.ErrEntryNotFound)
}

func TestRPCRejectsBadToken(t *testing.T) {
	node := NewNode(NewState(storage.NewMemDB()))
	srv := httptest.NewServer(NewRPCServer(node, "node-token"))
	defer srv.Close()

	client := NewClient(srv.URL, "wrong-token", 5*time.Second)
	_, err := client.QueryAccount(context.Background(), rpcTestAddress(0x01))
	require.Error(t, err)
}
