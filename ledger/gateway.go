package ledger

import (
	"context"
	"math/big"

	"agentmesh/core/fault"
	"agentmesh/core/types"
	"agentmesh/native/escrow"
	"agentmesh/native/registry"
)

// ErrTimeout marks an unresponsive ledger or registry call. Reads may be
// retried; fund-moving writes must re-query current state first to avoid
// double submission.
var ErrTimeout = fault.New(fault.KindUpstreamTimeout, "LEDGER_TIMEOUT", "ledger did not respond within the deadline")

// EscrowCreateInput carries the parameters of an escrow creation submission.
type EscrowCreateInput struct {
	Payer          [20]byte
	Payee          [20]byte
	Amount         *big.Int
	Description    string
	ExpirationDays int
}

// Gateway is the synchronous call/submit abstraction over the shared ledger.
// Implementations own no business logic: the Node delegates to the native
// engines in-process, the Client forwards to a remote node over JSON-RPC.
// Every method honours the context deadline and surfaces ErrTimeout when it
// elapses.
type Gateway interface {
	SubmitEscrowCreate(ctx context.Context, in EscrowCreateInput) (*escrow.Escrow, error)
	SubmitEscrowRelease(ctx context.Context, id [32]byte, caller [20]byte) (*escrow.Escrow, error)
	SubmitEscrowRefund(ctx context.Context, id [32]byte, caller [20]byte) (*escrow.Escrow, error)
	SubmitEscrowDispute(ctx context.Context, id [32]byte, caller [20]byte, reason string) (*escrow.Escrow, error)
	SubmitEscrowExpireClaim(ctx context.Context, id [32]byte, caller [20]byte) (*escrow.Escrow, error)
	QueryEscrow(ctx context.Context, id [32]byte) (*escrow.Escrow, error)
	ListEscrowsByParty(ctx context.Context, party [20]byte) ([]*escrow.Escrow, error)

	SubmitRegistryRegister(ctx context.Context, address [20]byte, displayName string) (*registry.Entry, error)
	SubmitFeedback(ctx context.Context, agentID [32]byte, rater [20]byte, score uint8, paymentProof, comment string) (*registry.FeedbackEntry, error)
	QueryIdentityEntry(ctx context.Context, address [20]byte) (*registry.Entry, error)
	QueryReputationTally(ctx context.Context, agentID [32]byte) (registry.Tally, error)
	QueryFeedback(ctx context.Context, agentID [32]byte) ([]registry.FeedbackEntry, error)

	QueryAccount(ctx context.Context, address [20]byte) (*types.Account, error)
}
