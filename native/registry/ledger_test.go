package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

type memKV struct {
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) KVGet(key []byte, out interface{}) (bool, error) {
	raw, ok := m.data[string(key)]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (m *memKV) KVPut(key []byte, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.data[string(key)] = raw
	return nil
}

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestLedger() *Ledger {
	l := NewLedger(newMemKV())
	l.SetNowFunc(func() int64 { return 1_700_000_000 })
	return l
}

func TestRegisterIdempotent(t *testing.T) {
	l := newTestLedger()
	addr := testAddress(0x01)

	first, err := l.Register(addr, "render-bot")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if first.ID != ComputeEntryID(addr) {
		t.Fatalf("entry id must derive from address")
	}

	second, err := l.Register(addr, "different-name")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if second.ID != first.ID || second.DisplayName != first.DisplayName {
		t.Fatalf("re-registration must return the existing entry unchanged")
	}
}

func TestRegisterRequiresName(t *testing.T) {
	l := newTestLedger()
	if _, err := l.Register(testAddress(0x01), "   "); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("expected name requirement, got %v", err)
	}
}

func TestGetByAddress(t *testing.T) {
	l := newTestLedger()
	addr := testAddress(0x01)
	registered, err := l.Register(addr, "render-bot")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	entry, ok, err := l.GetByAddress(addr)
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if entry.ID != registered.ID {
		t.Fatalf("address index resolved the wrong entry")
	}

	if _, ok, err := l.GetByAddress(testAddress(0x99)); err != nil || ok {
		t.Fatalf("unknown address: ok=%v err=%v", ok, err)
	}
}

func TestDeactivateKeepsEntry(t *testing.T) {
	l := newTestLedger()
	entry, err := l.Register(testAddress(0x01), "render-bot")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := l.Deactivate(entry.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	got, ok, err := l.Get(entry.ID)
	if err != nil || !ok {
		t.Fatalf("get after deactivate: ok=%v err=%v", ok, err)
	}
	if got.Active {
		t.Fatalf("entry should be inactive")
	}
}

func TestFeedbackRules(t *testing.T) {
	l := newTestLedger()
	addr := testAddress(0x01)
	rater := testAddress(0x02)
	entry, err := l.Register(addr, "render-bot")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := l.AddFeedback(entry.ID, rater, 101, "", ""); !errors.Is(err, ErrScoreRange) {
		t.Fatalf("score bound: got %v", err)
	}
	if _, err := l.AddFeedback(entry.ID, addr, 80, "", ""); !errors.Is(err, ErrSelfFeedback) {
		t.Fatalf("self feedback: got %v", err)
	}
	if _, err := l.AddFeedback([32]byte{0xFF}, rater, 80, "", ""); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("unknown agent: got %v", err)
	}

	if _, err := l.AddFeedback(entry.ID, rater, 80, "tx-123", "great work"); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if _, err := l.AddFeedback(entry.ID, testAddress(0x03), 90, "", ""); err != nil {
		t.Fatalf("feedback: %v", err)
	}

	list, err := l.Feedback(entry.ID)
	if err != nil {
		t.Fatalf("list feedback: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list))
	}
}

func TestTally(t *testing.T) {
	l := newTestLedger()
	entry, err := l.Register(testAddress(0x01), "render-bot")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	tally, err := l.Tally(entry.ID)
	if err != nil {
		t.Fatalf("empty tally: %v", err)
	}
	if tally.Count != 0 || tally.Average != 0 {
		t.Fatalf("empty tally should be zero, got %+v", tally)
	}

	for i, score := range []uint8{60, 80, 100} {
		rater := testAddress(byte(0x10 + i))
		if _, err := l.AddFeedback(entry.ID, rater, score, "", ""); err != nil {
			t.Fatalf("feedback: %v", err)
		}
	}
	tally, err = l.Tally(entry.ID)
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if tally.Count != 3 || tally.Average != 80 {
		t.Fatalf("tally = %+v, want count 3 average 80", tally)
	}
}
