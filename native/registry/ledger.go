package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"agentmesh/core/fault"
)

// storage abstracts the subset of ledger state functionality required by the
// registry.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	entryPrefix    = []byte("registry/agent/")
	addrIndexPref  = []byte("registry/addr/")
	feedbackPrefix = []byte("registry/feedback/")
)

func entryKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", entryPrefix, id))
}

func addrIndexKey(address [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", addrIndexPref, address))
}

func feedbackKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", feedbackPrefix, id))
}

// Ledger persists agent identity entries and reputation feedback on chain.
type Ledger struct {
	store storage
	nowFn func() int64
}

// NewLedger constructs a registry ledger bound to the provided storage
// backend.
func NewLedger(store storage) *Ledger {
	return &Ledger{
		store: store,
		nowFn: func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the wall clock. Primarily leveraged in tests to
// provide deterministic timestamps.
func (l *Ledger) SetNowFunc(now func() int64) {
	if l == nil {
		return
	}
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

func (l *Ledger) now() int64 {
	if l == nil || l.nowFn == nil {
		return time.Now().Unix()
	}
	return l.nowFn()
}

// Register stores the identity entry for the supplied address. Registration
// is idempotent: re-registering an address returns the existing entry
// untouched, since on-chain identity is immutable.
func (l *Ledger) Register(address [20]byte, displayName string) (*Entry, error) {
	if l == nil || l.store == nil {
		return nil, errors.New("registry: storage unavailable")
	}
	entry := &Entry{
		ID:           ComputeEntryID(address),
		Address:      address,
		DisplayName:  strings.TrimSpace(displayName),
		RegisteredAt: l.now(),
		Active:       true,
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	var existing Entry
	ok, err := l.store.KVGet(entryKey(entry.ID), &existing)
	if err != nil {
		return nil, err
	}
	if ok {
		return existing.Clone(), nil
	}
	if err := l.store.KVPut(entryKey(entry.ID), entry); err != nil {
		return nil, err
	}
	if err := l.store.KVPut(addrIndexKey(address), entry.ID); err != nil {
		return nil, err
	}
	return entry.Clone(), nil
}

// Get fetches an entry by registry identifier.
func (l *Ledger) Get(id [32]byte) (*Entry, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, errors.New("registry: storage unavailable")
	}
	var entry Entry
	ok, err := l.store.KVGet(entryKey(id), &entry)
	if err != nil || !ok {
		return nil, false, err
	}
	return entry.Clone(), true, nil
}

// GetByAddress resolves the entry registered for a settlement address.
func (l *Ledger) GetByAddress(address [20]byte) (*Entry, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, errors.New("registry: storage unavailable")
	}
	var id [32]byte
	ok, err := l.store.KVGet(addrIndexKey(address), &id)
	if err != nil || !ok {
		return nil, false, err
	}
	return l.Get(id)
}

// Deactivate flips the active flag. The entry itself is never removed.
func (l *Ledger) Deactivate(id [32]byte) error {
	entry, ok, err := l.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrEntryNotFound
	}
	entry.Active = false
	return l.store.KVPut(entryKey(id), entry)
}

// AddFeedback appends a reputation statement for the agent. Score is bounded
// to [0, 100]; the payment proof reference is optional.
func (l *Ledger) AddFeedback(agentID [32]byte, rater [20]byte, score uint8, paymentProof, comment string) (*FeedbackEntry, error) {
	if l == nil || l.store == nil {
		return nil, errors.New("registry: storage unavailable")
	}
	if score > 100 {
		return nil, ErrScoreRange
	}
	entry, ok, err := l.Get(agentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEntryNotFound
	}
	if entry.Address == rater {
		return nil, ErrSelfFeedback
	}
	fb := FeedbackEntry{
		AgentID:      agentID,
		Rater:        rater,
		Score:        score,
		PaymentProof: strings.TrimSpace(paymentProof),
		Comment:      strings.TrimSpace(comment),
		CreatedAt:    l.now(),
	}
	var list []FeedbackEntry
	if _, err := l.store.KVGet(feedbackKey(agentID), &list); err != nil {
		return nil, err
	}
	list = append(list, fb)
	if err := l.store.KVPut(feedbackKey(agentID), list); err != nil {
		return nil, err
	}
	return &fb, nil
}

// Feedback returns every reputation statement recorded for the agent.
func (l *Ledger) Feedback(agentID [32]byte) ([]FeedbackEntry, error) {
	if l == nil || l.store == nil {
		return nil, errors.New("registry: storage unavailable")
	}
	var list []FeedbackEntry
	if _, err := l.store.KVGet(feedbackKey(agentID), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Tally computes the (count, average) reputation summary for the agent. A
// missing entry yields a zero tally rather than an error so trust scoring
// can treat the chain component as absent.
func (l *Ledger) Tally(agentID [32]byte) (Tally, error) {
	list, err := l.Feedback(agentID)
	if err != nil {
		return Tally{}, err
	}
	if len(list) == 0 {
		return Tally{}, nil
	}
	sum := 0
	for _, fb := range list {
		sum += int(fb.Score)
	}
	return Tally{Count: len(list), Average: float64(sum) / float64(len(list))}, nil
}

// EnsureKnown verifies the agent id resolves to an entry, wrapping the
// not-found fault for callers that need a hard failure.
func (l *Ledger) EnsureKnown(agentID [32]byte) error {
	_, ok, err := l.Get(agentID)
	if err != nil {
		return err
	}
	if !ok {
		return fault.Wrapf(ErrEntryNotFound, "agent %x", agentID)
	}
	return nil
}
