package trust

import (
	"bytes"
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"agentmesh/core/types"
	"agentmesh/crypto"
	"agentmesh/directory"
	"agentmesh/identity"
	"agentmesh/ledger"
	"agentmesh/native/escrow"
	"agentmesh/native/registry"
)

type stubGateway struct {
	tally       registry.Tally
	tallyErr    error
	feedback    []registry.FeedbackEntry
	feedbackErr error
	escrows     []*escrow.Escrow
	listErr     error
}

func (s *stubGateway) QueryReputationTally(ctx context.Context, agentID [32]byte) (registry.Tally, error) {
	return s.tally, s.tallyErr
}

func (s *stubGateway) ListEscrowsByParty(ctx context.Context, party [20]byte) ([]*escrow.Escrow, error) {
	return s.escrows, s.listErr
}

func (s *stubGateway) SubmitEscrowCreate(ctx context.Context, in ledger.EscrowCreateInput) (*escrow.Escrow, error) {
	return nil, nil
}
func (s *stubGateway) SubmitEscrowRelease(ctx context.Context, id [32]byte, caller [20]byte) (*escrow.Escrow, error) {
	return nil, nil
}
func (s *stubGateway) SubmitEscrowRefund(ctx context.Context, id [32]byte, caller [20]byte) (*escrow.Escrow, error) {
	return nil, nil
}
func (s *stubGateway) SubmitEscrowDispute(ctx context.Context, id [32]byte, caller [20]byte, reason string) (*escrow.Escrow, error) {
	return nil, nil
}
func (s *stubGateway) SubmitEscrowExpireClaim(ctx context.Context, id [32]byte, caller [20]byte) (*escrow.Escrow, error) {
	return nil, nil
}
func (s *stubGateway) QueryEscrow(ctx context.Context, id [32]byte) (*escrow.Escrow, error) {
	return nil, nil
}
func (s *stubGateway) SubmitRegistryRegister(ctx context.Context, address [20]byte, displayName string) (*registry.Entry, error) {
	return nil, nil
}
func (s *stubGateway) SubmitFeedback(ctx context.Context, agentID [32]byte, rater [20]byte, score uint8, paymentProof, comment string) (*registry.FeedbackEntry, error) {
	return nil, nil
}
func (s *stubGateway) QueryIdentityEntry(ctx context.Context, address [20]byte) (*registry.Entry, error) {
	return nil, registry.ErrEntryNotFound
}
func (s *stubGateway) QueryFeedback(ctx context.Context, agentID [32]byte) ([]registry.FeedbackEntry, error) {
	return s.feedback, s.feedbackErr
}
func (s *stubGateway) QueryAccount(ctx context.Context, address [20]byte) (*types.Account, error) {
	return &types.Account{Balance: big.NewInt(0)}, nil
}

var _ ledger.Gateway = (*stubGateway)(nil)

type stubCounter struct {
	total     int
	completed int
}

func (s *stubCounter) CountByAgent(agentID string) (int, int, error) {
	return s.total, s.completed, nil
}

func newTestDir(t *testing.T) *directory.Store {
	t.Helper()
	dir, err := directory.NewStore(filepath.Join(t.TempDir(), "directory.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })
	return dir
}

func chainAgent(localScore int) *identity.Agent {
	return &identity.Agent{
		AgentID:        "agent-1",
		RegistryBytes:  [32]byte{0x01},
		AddressBytes:   [20]byte{0x01},
		LocalScore:     localScore,
		ChainAvailable: true,
	}
}

func completedEscrow(payee [20]byte) *escrow.Escrow {
	return &escrow.Escrow{Payee: payee, Amount: big.NewInt(1), Status: escrow.StatusCompleted}
}

func refundedEscrow(payee [20]byte) *escrow.Escrow {
	return &escrow.Escrow{Payee: payee, Amount: big.NewInt(1), Status: escrow.StatusRefunded}
}

func TestScoreNeutralBaseline(t *testing.T) {
	// A brand new agent with no history anywhere lands exactly on the
	// neutral midpoint.
	agg := NewAggregator(&stubGateway{}, newTestDir(t), &stubCounter{})
	score, err := agg.Score(context.Background(), chainAgent(directory.DefaultLocalScore))
	require.NoError(t, err)
	require.Equal(t, FallbackWeights, score.Weights)
	require.InDelta(t, 50.0, score.Overall, 0.001)
}

func TestScoreWithChainFeedback(t *testing.T) {
	gw := &stubGateway{tally: registry.Tally{Count: 4, Average: 80}}
	agg := NewAggregator(gw, newTestDir(t), &stubCounter{})

	score, err := agg.Score(context.Background(), chainAgent(50))
	require.NoError(t, err)
	require.Equal(t, DefaultWeights, score.Weights)
	require.Equal(t, 4, score.ChainSamples)
	// 0.70*80 + 0.15*50 + 0.10*50 + 0.05*50
	require.InDelta(t, 71.0, score.Overall, 0.001)
}

func TestScoreTransactionHistory(t *testing.T) {
	payee := [20]byte{0x01}
	gw := &stubGateway{
		tally: registry.Tally{Count: 4, Average: 100},
		feedback: []registry.FeedbackEntry{
			{Score: 100, PaymentProof: "tx-1"},
			{Score: 100, PaymentProof: "tx-2"},
			{Score: 90, PaymentProof: "tx-3"},
			{Score: 40},
		},
		escrows: []*escrow.Escrow{
			completedEscrow(payee),
			completedEscrow(payee),
			completedEscrow(payee),
			refundedEscrow(payee),
		},
	}
	agg := NewAggregator(gw, newTestDir(t), &stubCounter{total: 4, completed: 3})

	score, err := agg.Score(context.Background(), chainAgent(50))
	require.NoError(t, err)
	// 6 completed over 8 settled engagements.
	require.InDelta(t, 0.75, score.TxSuccessRate, 0.001)
	// 3 proof-backed feedback entries over 4.
	require.InDelta(t, 0.75, score.PaymentRate, 0.001)
}

func TestScoreRoundsToInteger(t *testing.T) {
	gw := &stubGateway{tally: registry.Tally{Count: 3, Average: 77}}
	agg := NewAggregator(gw, newTestDir(t), &stubCounter{})

	score, err := agg.Score(context.Background(), chainAgent(50))
	require.NoError(t, err)
	// 0.70*77 + 0.15*50 + 0.10*50 + 0.05*50 = 68.9
	require.Equal(t, 69.0, score.Overall)
}

func TestScoreReweightsWhenChainSilent(t *testing.T) {
	gw := &stubGateway{tallyErr: ledger.ErrTimeout}
	agg := NewAggregator(gw, newTestDir(t), &stubCounter{total: 2, completed: 2})

	score, err := agg.Score(context.Background(), chainAgent(80))
	require.NoError(t, err)
	require.Equal(t, FallbackWeights, score.Weights)
	require.Zero(t, score.ChainSamples)
	// 0.50*80 + 0.30*100 + 0.20*50
	require.InDelta(t, 80.0, score.Overall, 0.001)
}

func TestScoreLocalOnlyAgent(t *testing.T) {
	agent := chainAgent(60)
	agent.ChainAvailable = false
	agent.RegistryBytes = [32]byte{}
	gw := &stubGateway{tally: registry.Tally{Count: 9, Average: 99}}
	agg := NewAggregator(gw, newTestDir(t), &stubCounter{})

	score, err := agg.Score(context.Background(), agent)
	require.NoError(t, err)
	// The tally is never consulted without a registry identity.
	require.Equal(t, FallbackWeights, score.Weights)
	require.False(t, score.ChainAvailable)
}

func TestScoreClampedToRange(t *testing.T) {
	gw := &stubGateway{tally: registry.Tally{Count: 1, Average: 100}}
	agg := NewAggregator(gw, newTestDir(t), &stubCounter{total: 5, completed: 5})

	score, err := agg.Score(context.Background(), chainAgent(100))
	require.NoError(t, err)
	require.LessOrEqual(t, score.Overall, 100.0)
	require.GreaterOrEqual(t, score.Overall, 0.0)
}

func TestRecordSuccessNudgesBothParties(t *testing.T) {
	dir := newTestDir(t)
	for _, id := range []string{"agent-1", "agent-2"} {
		_, err := dir.PutProfile(directory.Profile{
			AgentID:      id,
			DisplayName:  "bot",
			Capabilities: []string{"render"},
			Address:      "agent1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq",
			PaymentMode:  directory.PaymentModeExternal,
		})
		require.NoError(t, err)
	}
	agg := NewAggregator(&stubGateway{}, dir, &stubCounter{})

	agg.RecordSuccess("agent-1", "agent-2")

	for _, id := range []string{"agent-1", "agent-2"} {
		profile, found, err := dir.GetProfile(id)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, directory.DefaultLocalScore+SuccessNudge, profile.LocalScore)
	}
}

func TestRecordSettlementNudgesProfilesBehindAddresses(t *testing.T) {
	dir := newTestDir(t)
	payerAddr := crypto.MustAddress(bytes.Repeat([]byte{0x01}, 20)).String()
	payeeAddr := crypto.MustAddress(bytes.Repeat([]byte{0x02}, 20)).String()
	for id, addr := range map[string]string{"payer-bot": payerAddr, "payee-bot": payeeAddr} {
		_, err := dir.PutProfile(directory.Profile{
			AgentID:      id,
			DisplayName:  id,
			Capabilities: []string{"render"},
			Address:      addr,
			PaymentMode:  directory.PaymentModeExternal,
		})
		require.NoError(t, err)
	}
	agg := NewAggregator(&stubGateway{}, dir, &stubCounter{})

	agg.RecordSettlement(payerAddr, payeeAddr)

	for _, id := range []string{"payer-bot", "payee-bot"} {
		profile, found, err := dir.GetProfile(id)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, directory.DefaultLocalScore+SuccessNudge, profile.LocalScore)
	}

	// Addresses with no profile behind them are a no-op.
	agg.RecordSettlement(crypto.MustAddress(bytes.Repeat([]byte{0x03}, 20)).String(), "")
}

func TestRecordSuccessSkipsUnknownAgents(t *testing.T) {
	agg := NewAggregator(&stubGateway{}, newTestDir(t), &stubCounter{})
	// Chain-only counterparts have no local profile; the nudge is a no-op.
	agg.RecordSuccess("ghost-a", "ghost-b")
}
