package trust

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"agentmesh/directory"
	"agentmesh/identity"
	"agentmesh/ledger"
	"agentmesh/native/escrow"
	"agentmesh/native/registry"
)

// Weights distributes the hybrid score across its four components. They sum
// to 1 in both configurations.
type Weights struct {
	Chain   float64 `json:"chain"`
	Local   float64 `json:"local"`
	Tx      float64 `json:"tx"`
	Payment float64 `json:"payment"`
}

var (
	// DefaultWeights applies when on-chain feedback exists for the agent.
	DefaultWeights = Weights{Chain: 0.70, Local: 0.15, Tx: 0.10, Payment: 0.05}
	// FallbackWeights redistributes the chain share when the registry holds
	// no feedback or is unreachable.
	FallbackWeights = Weights{Chain: 0, Local: 0.50, Tx: 0.30, Payment: 0.20}
)

// NeutralRate is the prior for success rates with no observed samples.
const NeutralRate = 0.5

// SuccessNudge is the local-score increment applied to both parties of a
// successfully completed interaction.
const SuccessNudge = 2

// Score is a point-in-time hybrid trust evaluation. Rates are in [0, 1],
// scores in [0, 100].
type Score struct {
	AgentID        string    `json:"agentId"`
	Overall        float64   `json:"overall"`
	ChainScore     float64   `json:"chainScore"`
	ChainSamples   int       `json:"chainSamples"`
	LocalScore     float64   `json:"localScore"`
	TxSuccessRate  float64   `json:"txSuccessRate"`
	PaymentRate    float64   `json:"paymentRate"`
	Weights        Weights   `json:"weights"`
	ChainAvailable bool      `json:"chainAvailable"`
	ComputedAt     time.Time `json:"computedAt"`
}

// InteractionCounter reports how many gated interactions an agent has taken
// part in, and how many of those reached completion.
type InteractionCounter interface {
	CountByAgent(agentID string) (total, completed int, err error)
}

// Aggregator computes hybrid trust scores by fanning out to the on-chain
// reputation tally and feedback, the escrow history and the local
// interaction record.
// Partial source failure degrades the score instead of failing it; only a
// nil agent is an error. Concurrent computations for the same agent are
// collapsed into one.
type Aggregator struct {
	gateway      ledger.Gateway
	dir          *directory.Store
	interactions InteractionCounter
	group        singleflight.Group
	queryTimeout time.Duration
	nowFn        func() time.Time
}

// NewAggregator wires the score computation over its three sources. The
// interaction counter may be nil, in which case the transaction rate counts
// escrows only.
func NewAggregator(gateway ledger.Gateway, dir *directory.Store, interactions InteractionCounter) *Aggregator {
	return &Aggregator{
		gateway:      gateway,
		dir:          dir,
		interactions: interactions,
		queryTimeout: 5 * time.Second,
		nowFn:        time.Now,
	}
}

// SetQueryTimeout bounds each ledger round-trip made during a computation.
func (a *Aggregator) SetQueryTimeout(d time.Duration) {
	if d > 0 {
		a.queryTimeout = d
	}
}

// SetNowFunc overrides the clock for deterministic tests.
func (a *Aggregator) SetNowFunc(now func() time.Time) {
	if now != nil {
		a.nowFn = now
	}
}

// Score evaluates the agent's hybrid trust score. The ledger sources are
// queried concurrently; an unreachable chain reweights the local components
// rather than surfacing an error.
func (a *Aggregator) Score(ctx context.Context, agent *identity.Agent) (*Score, error) {
	if agent == nil {
		return nil, identity.ErrAgentNotFound
	}
	result, err, _ := a.group.Do(agent.AgentID, func() (interface{}, error) {
		return a.compute(ctx, agent)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Score), nil
}

func (a *Aggregator) compute(ctx context.Context, agent *identity.Agent) (*Score, error) {
	var (
		tally      registry.Tally
		tallyOK    bool
		feedback   []registry.FeedbackEntry
		feedbackOK bool
		escrows    []*escrow.Escrow
		escrowsOK  bool
		interTotal int
		interDone  int
	)

	g, gctx := errgroup.WithContext(ctx)

	if agent.ChainAvailable && agent.RegistryBytes != ([32]byte{}) {
		g.Go(func() error {
			queryCtx, cancel := context.WithTimeout(gctx, a.queryTimeout)
			defer cancel()
			t, err := a.gateway.QueryReputationTally(queryCtx, agent.RegistryBytes)
			if err == nil {
				tally, tallyOK = t, true
			}
			return nil
		})
		g.Go(func() error {
			queryCtx, cancel := context.WithTimeout(gctx, a.queryTimeout)
			defer cancel()
			list, err := a.gateway.QueryFeedback(queryCtx, agent.RegistryBytes)
			if err == nil {
				feedback, feedbackOK = list, true
			}
			return nil
		})
	}
	g.Go(func() error {
		queryCtx, cancel := context.WithTimeout(gctx, a.queryTimeout)
		defer cancel()
		list, err := a.gateway.ListEscrowsByParty(queryCtx, agent.AddressBytes)
		if err == nil {
			escrows, escrowsOK = list, true
		}
		return nil
	})
	if a.interactions != nil {
		g.Go(func() error {
			total, done, err := a.interactions.CountByAgent(agent.AgentID)
			if err == nil {
				interTotal, interDone = total, done
			}
			return nil
		})
	}
	_ = g.Wait()

	score := &Score{
		AgentID:        agent.AgentID,
		LocalScore:     float64(agent.LocalScore),
		ChainAvailable: agent.ChainAvailable,
		ComputedAt:     a.nowFn().UTC(),
	}

	if tallyOK && tally.Count > 0 {
		score.ChainScore = tally.Average
		score.ChainSamples = tally.Count
		score.Weights = DefaultWeights
	} else {
		score.Weights = FallbackWeights
	}

	score.TxSuccessRate = txSuccessRate(escrows, escrowsOK, interTotal, interDone)
	score.PaymentRate = paymentRate(feedback, feedbackOK)

	w := score.Weights
	overall := w.Chain*score.ChainScore +
		w.Local*score.LocalScore +
		w.Tx*score.TxSuccessRate*100 +
		w.Payment*score.PaymentRate*100
	score.Overall = clampScore(math.Round(overall))
	return score, nil
}

// txSuccessRate counts completed outcomes over every settled engagement the
// agent took part in: escrows plus gated interactions. No samples yields the
// neutral prior.
func txSuccessRate(escrows []*escrow.Escrow, escrowsOK bool, interTotal, interDone int) float64 {
	total := interTotal
	done := interDone
	if escrowsOK {
		for _, e := range escrows {
			total++
			if e.Status == escrow.StatusCompleted {
				done++
			}
		}
	}
	if total == 0 {
		return NeutralRate
	}
	return float64(done) / float64(total)
}

// paymentRate measures how much of the agent's on-chain feedback is backed
// by a payment proof reference. No feedback yields the neutral prior.
func paymentRate(feedback []registry.FeedbackEntry, feedbackOK bool) float64 {
	if !feedbackOK || len(feedback) == 0 {
		return NeutralRate
	}
	proven := 0
	for _, fb := range feedback {
		if fb.PaymentProof != "" {
			proven++
		}
	}
	return float64(proven) / float64(len(feedback))
}

// RecordSuccess nudges the local score of both parties upward after a
// completed interaction. Agents without a directory profile are skipped
// rather than failed: chain-only counterparts carry no local score.
func (a *Aggregator) RecordSuccess(initiatorID, counterpartID string) {
	for _, id := range []string{initiatorID, counterpartID} {
		if id == "" {
			continue
		}
		_, _ = a.dir.AdjustScore(id, SuccessNudge)
	}
	a.group.Forget(initiatorID)
	a.group.Forget(counterpartID)
}

// RecordSettlement nudges every local profile behind the two settlement
// addresses after an escrow releases successfully.
func (a *Aggregator) RecordSettlement(payerAddr, payeeAddr string) {
	for _, addr := range []string{payerAddr, payeeAddr} {
		if addr == "" {
			continue
		}
		profiles, err := a.dir.ListByAddress(addr)
		if err != nil {
			continue
		}
		for _, p := range profiles {
			_, _ = a.dir.AdjustScore(p.AgentID, SuccessNudge)
			a.group.Forget(p.AgentID)
		}
	}
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
