package escrow

import (
	"encoding/binary"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agentmesh/core/fault"
)

// Status represents the lifecycle states of a conditional payment. Disputed
// is a flag state, not a terminal one: a disputed escrow can still be
// resolved by a later release, refund or expiration claim.
type Status uint8

const (
	StatusActive Status = iota
	StatusCompleted
	StatusRefunded
	StatusDisputed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusRefunded:
		return "refunded"
	case StatusDisputed:
		return "disputed"
	default:
		return "unknown"
	}
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusRefunded, StatusDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether funds have left the escrow. No transition leaves
// a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

// ParseStatus maps the wire representation back onto a Status.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return StatusActive, true
	case "completed":
		return StatusCompleted, true
	case "refunded":
		return StatusRefunded, true
	case "disputed":
		return StatusDisputed, true
	default:
		return StatusActive, false
	}
}

const (
	// MaxDescriptionLen bounds the service description supplied at creation.
	MaxDescriptionLen = 256
	// MaxReasonLen bounds the free-form dispute reason.
	MaxReasonLen = 512

	// DefaultExpirationDays applies when the caller omits the expiration or
	// supplies one outside [MinExpirationDays, MaxExpirationDays].
	DefaultExpirationDays = 30
	MinExpirationDays     = 1
	MaxExpirationDays     = 365
)

// Typed failures surfaced by the state machine. Codes are stable; HTTP and
// RPC layers map them without string matching.
var (
	ErrInvalidAmount       = fault.New(fault.KindValidation, "INVALID_AMOUNT", "escrow amount must be positive")
	ErrInvalidParty        = fault.New(fault.KindValidation, "INVALID_PARTY", "payer and payee must be distinct, non-zero addresses")
	ErrDescriptionRequired = fault.New(fault.KindValidation, "DESCRIPTION_REQUIRED", "service description must not be empty")
	ErrDescriptionTooLong  = fault.New(fault.KindValidation, "DESCRIPTION_TOO_LONG", "service description exceeds bound")
	ErrReasonTooLong       = fault.New(fault.KindValidation, "REASON_TOO_LONG", "dispute reason exceeds bound")
	ErrInvalidExpiration   = fault.New(fault.KindValidation, "INVALID_EXPIRATION", "expiration timestamp must follow creation")
	ErrInsufficientFunds   = fault.New(fault.KindStateConflict, "INSUFFICIENT_FUNDS", "payer balance below escrow amount")
	ErrUnauthorized        = fault.New(fault.KindUnauthorized, "UNAUTHORIZED", "caller is not permitted to perform this transition")
	ErrExpired             = fault.New(fault.KindStateConflict, "EXPIRED", "escrow expired; use the expiration claim path")
	ErrNotExpired          = fault.New(fault.KindStateConflict, "NOT_EXPIRED", "escrow has not reached its expiration timestamp")
	ErrNotActive           = fault.New(fault.KindStateConflict, "NOT_ACTIVE", "escrow is not in a claimable state")
	ErrNotFound            = fault.New(fault.KindNotFound, "ESCROW_NOT_FOUND", "escrow not found")
)

// Escrow captures a single conditional payment held by the ledger. The
// identifier is derived from payer, payee, amount, creation time and the
// payer's escrow nonce, so two creations in the same tick cannot collide.
type Escrow struct {
	ID            [32]byte
	Payer         [20]byte
	Payee         [20]byte
	Amount        *big.Int
	Description   string
	Status        Status
	CreatedAt     int64
	CompletedAt   int64
	ExpiresAt     int64
	DisputeReason string
	DisputedAt    int64
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// ComputeID derives the deterministic escrow identifier.
func ComputeID(payer, payee [20]byte, amount *big.Int, createdAt int64, nonce uint64) [32]byte {
	var ts, n [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt))
	binary.BigEndian.PutUint64(n[:], nonce)
	amt := amount
	if amt == nil {
		amt = big.NewInt(0)
	}
	hash := ethcrypto.Keccak256(payer[:], payee[:], amt.Bytes(), ts[:], n[:])
	var id [32]byte
	copy(id[:], hash)
	return id
}

// Sanitize validates and normalises the supplied escrow record, returning a
// cloned instance with a trimmed description and non-nil amount. The
// original value is not mutated.
func Sanitize(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fault.Wrapf(ErrNotFound, "nil escrow")
	}
	clone := e.Clone()
	clone.Description = strings.TrimSpace(clone.Description)
	if clone.Description == "" {
		return nil, ErrDescriptionRequired
	}
	if len(clone.Description) > MaxDescriptionLen {
		return nil, ErrDescriptionTooLong
	}
	if clone.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if clone.Payer == clone.Payee || clone.Payer == ([20]byte{}) || clone.Payee == ([20]byte{}) {
		return nil, ErrInvalidParty
	}
	if !clone.Status.Valid() {
		return nil, fault.Wrapf(ErrNotActive, "invalid status %d", clone.Status)
	}
	if clone.ExpiresAt <= clone.CreatedAt {
		return nil, ErrInvalidExpiration
	}
	if len(clone.DisputeReason) > MaxReasonLen {
		return nil, ErrReasonTooLong
	}
	return clone, nil
}

// ClampExpirationDays applies the default when days is omitted or outside
// the supported window.
func ClampExpirationDays(days int) int {
	if days < MinExpirationDays || days > MaxExpirationDays {
		return DefaultExpirationDays
	}
	return days
}
