package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"agentmesh/core/types"
	"agentmesh/native/escrow"
	"agentmesh/storage"
)

// State is the ledger state manager. It persists accounts, escrow records
// and registry data to a key-value Database and exposes the narrow mutation
// surface the engines require. State methods are individually thread-safe;
// transaction-level atomicity comes from the Node, which applies submissions
// serially.
type State struct {
	mu sync.RWMutex
	db storage.Database
}

// NewState wraps a storage backend.
func NewState(db storage.Database) *State {
	return &State{db: db}
}

func accountKey(addr [20]byte) []byte {
	return []byte(fmt.Sprintf("account/%x", addr))
}

func escrowKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("escrow/%x", id))
}

func escrowIndexKey(party [20]byte) []byte {
	return []byte(fmt.Sprintf("escrowidx/%x", party))
}

func nonceKey(payer [20]byte) []byte {
	return []byte(fmt.Sprintf("escrownonce/%x", payer))
}

type storedAccount struct {
	Nonce   uint64 `json:"nonce"`
	Balance string `json:"balance"`
}

type storedEscrow struct {
	ID            [32]byte `json:"id"`
	Payer         [20]byte `json:"payer"`
	Payee         [20]byte `json:"payee"`
	Amount        string   `json:"amount"`
	Description   string   `json:"description"`
	Status        uint8    `json:"status"`
	CreatedAt     int64    `json:"createdAt"`
	CompletedAt   int64    `json:"completedAt"`
	ExpiresAt     int64    `json:"expiresAt"`
	DisputeReason string   `json:"disputeReason,omitempty"`
	DisputedAt    int64    `json:"disputedAt,omitempty"`
}

func (s *State) getJSON(key []byte, out interface{}) (bool, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *State) putJSON(key []byte, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.db.Put(key, raw)
}

// GetAccount loads the account for an address. Unknown addresses yield a
// zero-balance account, mirroring the open-world account model.
func (s *State) GetAccount(addr [20]byte) (*types.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAccountLocked(addr)
}

func (s *State) getAccountLocked(addr [20]byte) (*types.Account, error) {
	var stored storedAccount
	ok, err := s.getJSON(accountKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	acc := types.Ensure(nil)
	if ok {
		acc.Nonce = stored.Nonce
		if stored.Balance != "" {
			if _, valid := acc.Balance.SetString(stored.Balance, 10); !valid {
				return nil, fmt.Errorf("ledger: corrupt balance for %x", addr)
			}
		}
	}
	return acc, nil
}

// PutAccount persists the account record.
func (s *State) PutAccount(addr [20]byte, account *types.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account = types.Ensure(account)
	return s.putJSON(accountKey(addr), storedAccount{
		Nonce:   account.Nonce,
		Balance: account.Balance.String(),
	})
}

// EscrowPut persists the escrow record.
func (s *State) EscrowPut(e *escrow.Escrow) error {
	if e == nil {
		return errors.New("ledger: nil escrow")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	amount := "0"
	if e.Amount != nil {
		amount = e.Amount.String()
	}
	return s.putJSON(escrowKey(e.ID), storedEscrow{
		ID:            e.ID,
		Payer:         e.Payer,
		Payee:         e.Payee,
		Amount:        amount,
		Description:   e.Description,
		Status:        uint8(e.Status),
		CreatedAt:     e.CreatedAt,
		CompletedAt:   e.CompletedAt,
		ExpiresAt:     e.ExpiresAt,
		DisputeReason: e.DisputeReason,
		DisputedAt:    e.DisputedAt,
	})
}

// EscrowGet loads an escrow by identifier.
func (s *State) EscrowGet(id [32]byte) (*escrow.Escrow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stored storedEscrow
	ok, err := s.getJSON(escrowKey(id), &stored)
	if err != nil || !ok {
		return nil, false
	}
	esc := &escrow.Escrow{
		ID:            stored.ID,
		Payer:         stored.Payer,
		Payee:         stored.Payee,
		Description:   stored.Description,
		Status:        escrow.Status(stored.Status),
		CreatedAt:     stored.CreatedAt,
		CompletedAt:   stored.CompletedAt,
		ExpiresAt:     stored.ExpiresAt,
		DisputeReason: stored.DisputeReason,
		DisputedAt:    stored.DisputedAt,
	}
	esc.Amount, ok = parseAmount(stored.Amount)
	if !ok {
		return nil, false
	}
	return esc, true
}

// EscrowIndexAdd records the escrow id under the party's history index.
func (s *State) EscrowIndexAdd(party [20]byte, id [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids [][32]byte
	if _, err := s.getJSON(escrowIndexKey(party), &ids); err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	return s.putJSON(escrowIndexKey(party), ids)
}

// EscrowsByParty returns every escrow the address participates in, as payer
// or payee.
func (s *State) EscrowsByParty(party [20]byte) ([]*escrow.Escrow, error) {
	s.mu.RLock()
	ids := [][32]byte{}
	_, err := s.getJSON(escrowIndexKey(party), &ids)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	out := make([]*escrow.Escrow, 0, len(ids))
	for _, id := range ids {
		if esc, ok := s.EscrowGet(id); ok {
			out = append(out, esc)
		}
	}
	return out, nil
}

// NextEscrowNonce increments and returns the payer's escrow creation
// counter, which feeds deterministic escrow identifiers.
func (s *State) NextEscrowNonce(payer [20]byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var nonce uint64
	if _, err := s.getJSON(nonceKey(payer), &nonce); err != nil {
		return 0, err
	}
	nonce++
	if err := s.putJSON(nonceKey(payer), nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// KVGet satisfies the registry storage interface with JSON-encoded values.
func (s *State) KVGet(key []byte, out interface{}) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getJSON(key, out)
}

// KVPut satisfies the registry storage interface with JSON-encoded values.
func (s *State) KVPut(key []byte, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putJSON(key, value)
}

func parseAmount(raw string) (*big.Int, bool) {
	amount := big.NewInt(0)
	if raw == "" {
		return amount, true
	}
	if _, ok := amount.SetString(raw, 10); !ok {
		return nil, false
	}
	return amount, true
}

// Mint credits freshly issued funds to an address. Reserved for genesis
// allocation and test fixtures; the gateway never exposes it.
func (s *State) Mint(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errors.New("ledger: mint amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, err := s.getAccountLocked(addr)
	if err != nil {
		return err
	}
	acc.Balance.Add(acc.Balance, amount)
	return s.putJSON(accountKey(addr), storedAccount{
		Nonce:   acc.Nonce,
		Balance: acc.Balance.String(),
	})
}
