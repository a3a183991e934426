package escrow

import (
	"errors"
	"math/big"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agentmesh/core/events"
	"agentmesh/core/fault"
	"agentmesh/core/types"
)

var errNilState = errors.New("escrow engine: state not configured")

// VaultAddress is the module account that holds locked escrow funds.
var VaultAddress = vaultAddress()

func vaultAddress() [20]byte {
	hash := ethcrypto.Keccak256([]byte("agentmesh/escrow-vault"))
	var addr [20]byte
	copy(addr[:], hash[:20])
	return addr
}

type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id [32]byte) (*Escrow, bool)
	EscrowIndexAdd(party [20]byte, id [32]byte) error
	NextEscrowNonce(payer [20]byte) (uint64, error)
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

// Engine enforces the settlement state machine on top of the ledger state.
// The ledger applies submissions serially, so each method body executes as
// one indivisible check-and-set: there is never a read-then-write across the
// serialization boundary, which is the single correctness mechanism for the
// concurrent release/refund race.
type Engine struct {
	state       engineState
	emitter     events.Emitter
	nowFn       func() int64
	defaultDays int
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter:     events.NoopEmitter{},
		nowFn:       func() int64 { return time.Now().Unix() },
		defaultDays: DefaultExpirationDays,
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetDefaultExpiration overrides the expiration window applied when a
// creation request carries no usable value. Values outside
// [MinExpirationDays, MaxExpirationDays] are ignored.
func (e *Engine) SetDefaultExpiration(days int) {
	if days >= MinExpirationDays && days <= MaxExpirationDays {
		e.defaultDays = days
	}
}

// SetNowFunc overrides the time source used by the engine. Primarily
// intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *events.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) loadEscrow(id [32]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return esc, nil
}

func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	fromAcc, err := e.state.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc = types.Ensure(fromAcc)
	toAcc = types.Ensure(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

// Create validates the definition, locks the payer's funds in the vault and
// persists the record in one atomic submission. There is no partial state
// where funds are locked without a record or vice versa.
func (e *Engine) Create(payer, payee [20]byte, amount *big.Int, description string, expirationDays int) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if payer == payee || payer == ([20]byte{}) || payee == ([20]byte{}) {
		return nil, ErrInvalidParty
	}
	trimmed := strings.TrimSpace(description)
	if trimmed == "" {
		return nil, ErrDescriptionRequired
	}
	if len(trimmed) > MaxDescriptionLen {
		return nil, ErrDescriptionTooLong
	}
	days := expirationDays
	if days < MinExpirationDays || days > MaxExpirationDays {
		days = e.defaultDays
	}
	now := e.now()
	nonce, err := e.state.NextEscrowNonce(payer)
	if err != nil {
		return nil, err
	}
	esc := &Escrow{
		ID:          ComputeID(payer, payee, amt, now, nonce),
		Payer:       payer,
		Payee:       payee,
		Amount:      amt,
		Description: trimmed,
		Status:      StatusActive,
		CreatedAt:   now,
		ExpiresAt:   now + int64(days)*86_400,
	}
	if err := e.transfer(payer, VaultAddress, amt); err != nil {
		return nil, err
	}
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	if err := e.state.EscrowIndexAdd(payer, esc.ID); err != nil {
		return nil, err
	}
	if err := e.state.EscrowIndexAdd(payee, esc.ID); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// Release settles the escrow in favour of the payee. Only the payer may
// release, and only before expiration; past the deadline the caller is
// directed to the expiration claim path. A release attempt on an escrow that
// already left Active fails with NOT_ACTIVE and never moves funds twice.
func (e *Engine) Release(id [32]byte, caller [20]byte) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusActive && esc.Status != StatusDisputed {
		return nil, fault.Wrapf(ErrNotActive, "status %s", esc.Status)
	}
	if caller != esc.Payer {
		return nil, fault.Wrapf(ErrUnauthorized, "only the payer may release")
	}
	if e.now() >= esc.ExpiresAt {
		return nil, ErrExpired
	}
	if err := e.transfer(VaultAddress, esc.Payee, esc.Amount); err != nil {
		return nil, err
	}
	esc.Status = StatusCompleted
	esc.CompletedAt = e.now()
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(NewReleasedEvent(esc))
	return esc.Clone(), nil
}

// Refund returns the escrowed funds to the payer. Either party may call it
// while the escrow is Active or Disputed.
func (e *Engine) Refund(id [32]byte, caller [20]byte) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusActive && esc.Status != StatusDisputed {
		return nil, fault.Wrapf(ErrNotActive, "status %s", esc.Status)
	}
	if caller != esc.Payer && caller != esc.Payee {
		return nil, fault.Wrapf(ErrUnauthorized, "only escrow parties may refund")
	}
	return e.refundEscrow(esc, NewRefundedEvent)
}

// Dispute flags the escrow without moving funds. Either party may raise it
// while the escrow is Active; the flag is advisory and a later release,
// refund or expiration claim still resolves the escrow.
func (e *Engine) Dispute(id [32]byte, caller [20]byte, reason string) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusActive {
		return nil, fault.Wrapf(ErrNotActive, "status %s", esc.Status)
	}
	if caller != esc.Payer && caller != esc.Payee {
		return nil, fault.Wrapf(ErrUnauthorized, "only escrow parties may dispute")
	}
	trimmed := strings.TrimSpace(reason)
	if len(trimmed) > MaxReasonLen {
		return nil, ErrReasonTooLong
	}
	esc.Status = StatusDisputed
	esc.DisputeReason = trimmed
	esc.DisputedAt = e.now()
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(NewDisputedEvent(esc))
	return esc.Clone(), nil
}

// ClaimExpired refunds the payer once the expiration timestamp has been
// reached. Either party may claim; this is the only resolution path when the
// counterpart has gone silent.
func (e *Engine) ClaimExpired(id [32]byte, caller [20]byte) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusActive && esc.Status != StatusDisputed {
		return nil, fault.Wrapf(ErrNotActive, "status %s", esc.Status)
	}
	if caller != esc.Payer && caller != esc.Payee {
		return nil, fault.Wrapf(ErrUnauthorized, "only escrow parties may claim expiration")
	}
	if e.now() < esc.ExpiresAt {
		return nil, ErrNotExpired
	}
	return e.refundEscrow(esc, NewExpiredEvent)
}

// Get returns a copy of the stored escrow.
func (e *Engine) Get(id [32]byte) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

func (e *Engine) refundEscrow(esc *Escrow, eventFn func(*Escrow) *events.Event) (*Escrow, error) {
	if err := e.transfer(VaultAddress, esc.Payer, esc.Amount); err != nil {
		return nil, err
	}
	esc.Status = StatusRefunded
	esc.CompletedAt = e.now()
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(eventFn(esc))
	return esc.Clone(), nil
}
