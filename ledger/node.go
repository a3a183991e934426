package ledger

import (
	"context"
	"errors"
	"sync"

	"agentmesh/core/events"
	"agentmesh/core/fault"
	"agentmesh/core/types"
	"agentmesh/native/escrow"
	"agentmesh/native/registry"
)

// Node is the in-process ledger implementation of Gateway. Submissions are
// applied serially under a single mutex, the ledger's atomic
// check-and-set discipline, so two concurrent fund-moving calls on the same
// escrow can never interleave between check and set. Queries run
// concurrently against the state manager's read locks.
type Node struct {
	submitMu sync.Mutex
	state    *State
	escrows  *escrow.Engine
	registry *registry.Ledger
}

// NewNode wires the engines over the supplied state manager.
func NewNode(state *State) *Node {
	eng := escrow.NewEngine()
	eng.SetState(state)
	return &Node{
		state:    state,
		escrows:  eng,
		registry: registry.NewLedger(state),
	}
}

// SetEmitter forwards audit events emitted by the escrow engine.
func (n *Node) SetEmitter(emitter events.Emitter) { n.escrows.SetEmitter(emitter) }

// SetEscrowDefaultExpiration configures the expiration window used when a
// creation request omits one.
func (n *Node) SetEscrowDefaultExpiration(days int) { n.escrows.SetDefaultExpiration(days) }

// SetNowFunc overrides the clock for deterministic tests.
func (n *Node) SetNowFunc(now func() int64) {
	n.escrows.SetNowFunc(now)
	n.registry.SetNowFunc(now)
}

// State exposes the underlying state manager for genesis allocation.
func (n *Node) State() *State { return n.state }

func checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fault.Wrapf(ErrTimeout, "context deadline")
		}
		return err
	}
	return nil
}

func (n *Node) SubmitEscrowCreate(ctx context.Context, in EscrowCreateInput) (*escrow.Escrow, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	n.submitMu.Lock()
	defer n.submitMu.Unlock()
	return n.escrows.Create(in.Payer, in.Payee, in.Amount, in.Description, in.ExpirationDays)
}

func (n *Node) SubmitEscrowRelease(ctx context.Context, id [32]byte, caller [20]byte) (*escrow.Escrow, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	n.submitMu.Lock()
	defer n.submitMu.Unlock()
	return n.escrows.Release(id, caller)
}

func (n *Node) SubmitEscrowRefund(ctx context.Context, id [32]byte, caller [20]byte) (*escrow.Escrow, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	n.submitMu.Lock()
	defer n.submitMu.Unlock()
	return n.escrows.Refund(id, caller)
}

func (n *Node) SubmitEscrowDispute(ctx context.Context, id [32]byte, caller [20]byte, reason string) (*escrow.Escrow, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	n.submitMu.Lock()
	defer n.submitMu.Unlock()
	return n.escrows.Dispute(id, caller, reason)
}

func (n *Node) SubmitEscrowExpireClaim(ctx context.Context, id [32]byte, caller [20]byte) (*escrow.Escrow, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	n.submitMu.Lock()
	defer n.submitMu.Unlock()
	return n.escrows.ClaimExpired(id, caller)
}

func (n *Node) QueryEscrow(ctx context.Context, id [32]byte) (*escrow.Escrow, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	return n.escrows.Get(id)
}

func (n *Node) ListEscrowsByParty(ctx context.Context, party [20]byte) ([]*escrow.Escrow, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	return n.state.EscrowsByParty(party)
}

func (n *Node) SubmitRegistryRegister(ctx context.Context, address [20]byte, displayName string) (*registry.Entry, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	n.submitMu.Lock()
	defer n.submitMu.Unlock()
	return n.registry.Register(address, displayName)
}

func (n *Node) SubmitFeedback(ctx context.Context, agentID [32]byte, rater [20]byte, score uint8, paymentProof, comment string) (*registry.FeedbackEntry, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	n.submitMu.Lock()
	defer n.submitMu.Unlock()
	return n.registry.AddFeedback(agentID, rater, score, paymentProof, comment)
}

func (n *Node) QueryIdentityEntry(ctx context.Context, address [20]byte) (*registry.Entry, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	entry, ok, err := n.registry.GetByAddress(address)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, registry.ErrEntryNotFound
	}
	return entry, nil
}

func (n *Node) QueryReputationTally(ctx context.Context, agentID [32]byte) (registry.Tally, error) {
	if err := checkCtx(ctx); err != nil {
		return registry.Tally{}, err
	}
	return n.registry.Tally(agentID)
}

func (n *Node) QueryFeedback(ctx context.Context, agentID [32]byte) ([]registry.FeedbackEntry, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	return n.registry.Feedback(agentID)
}

func (n *Node) QueryAccount(ctx context.Context, address [20]byte) (*types.Account, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	return n.state.GetAccount(address)
}

var _ Gateway = (*Node)(nil)
