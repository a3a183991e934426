package registry

import (
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agentmesh/core/fault"
)

// Typed failures surfaced by the registry ledger.
var (
	ErrEntryNotFound = fault.New(fault.KindNotFound, "REGISTRY_ENTRY_NOT_FOUND", "registry entry not found")
	ErrNameRequired  = fault.New(fault.KindValidation, "REGISTRY_NAME_REQUIRED", "display name must not be empty")
	ErrScoreRange    = fault.New(fault.KindValidation, "FEEDBACK_SCORE_RANGE", "feedback score must be within [0, 100]")
	ErrSelfFeedback  = fault.New(fault.KindValidation, "FEEDBACK_SELF", "agents cannot rate themselves")
)

// Entry is the immutable on-chain identity record for an agent. Entries are
// never removed; deactivation flips the Active flag.
type Entry struct {
	ID           [32]byte
	Address      [20]byte
	DisplayName  string
	RegisteredAt int64
	Active       bool
}

// Clone returns a copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

// Validate ensures the entry payload is well formed before persistence.
func (e *Entry) Validate() error {
	if e == nil {
		return ErrEntryNotFound
	}
	if e.Address == ([20]byte{}) {
		return fault.Wrapf(ErrEntryNotFound, "address required")
	}
	if strings.TrimSpace(e.DisplayName) == "" {
		return ErrNameRequired
	}
	return nil
}

// ComputeEntryID derives the stable registry identifier for a settlement
// address.
func ComputeEntryID(address [20]byte) [32]byte {
	hash := ethcrypto.Keccak256([]byte("agentmesh/registry"), address[:])
	var id [32]byte
	copy(id[:], hash)
	return id
}

// FeedbackEntry is one reputation statement recorded against an agent. The
// payment proof, when present, references the settlement transaction the
// feedback is backed by; its presence feeds the payment completion rate.
type FeedbackEntry struct {
	AgentID      [32]byte
	Rater        [20]byte
	Score        uint8
	PaymentProof string
	Comment      string
	CreatedAt    int64
}

// Tally summarises the on-chain reputation signal for an agent.
type Tally struct {
	Count   int
	Average float64
}
