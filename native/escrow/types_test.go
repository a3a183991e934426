package escrow

import (
	"errors"
	"math/big"
	"strings"
	"testing"
)

func TestComputeIDDeterministic(t *testing.T) {
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	amount := big.NewInt(500)

	a := ComputeID(payer, payee, amount, 1_700_000_000, 1)
	b := ComputeID(payer, payee, amount, 1_700_000_000, 1)
	if a != b {
		t.Fatalf("identical inputs must produce identical ids")
	}
	if c := ComputeID(payer, payee, amount, 1_700_000_000, 2); c == a {
		t.Fatalf("nonce must distinguish otherwise identical escrows")
	}
	if d := ComputeID(payer, payee, amount, 1_700_000_001, 1); d == a {
		t.Fatalf("timestamp must distinguish otherwise identical escrows")
	}
}

func TestStatusStringRoundTrip(t *testing.T) {
	for _, status := range []Status{StatusActive, StatusCompleted, StatusRefunded, StatusDisputed} {
		parsed, ok := ParseStatus(status.String())
		if !ok || parsed != status {
			t.Fatalf("round trip failed for %s", status)
		}
	}
	if _, ok := ParseStatus("bogus"); ok {
		t.Fatalf("unknown status must not parse")
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusActive.Terminal() || StatusDisputed.Terminal() {
		t.Fatalf("active and disputed are not terminal")
	}
	if !StatusCompleted.Terminal() || !StatusRefunded.Terminal() {
		t.Fatalf("completed and refunded are terminal")
	}
}

func TestClampExpirationDays(t *testing.T) {
	cases := map[int]int{
		0:    DefaultExpirationDays,
		-5:   DefaultExpirationDays,
		1:    1,
		365:  365,
		366:  DefaultExpirationDays,
		9999: DefaultExpirationDays,
	}
	for in, want := range cases {
		if got := ClampExpirationDays(in); got != want {
			t.Fatalf("ClampExpirationDays(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestSanitize(t *testing.T) {
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	base := &Escrow{
		ID:          ComputeID(payer, payee, big.NewInt(10), 100, 1),
		Payer:       payer,
		Payee:       payee,
		Amount:      big.NewInt(10),
		Description: "  render job  ",
		Status:      StatusActive,
		CreatedAt:   100,
		ExpiresAt:   200,
	}
	cleaned, err := Sanitize(base)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if cleaned.Description != "render job" {
		t.Fatalf("description not trimmed: %q", cleaned.Description)
	}

	bad := base.Clone()
	bad.ExpiresAt = bad.CreatedAt
	if _, err := Sanitize(bad); !errors.Is(err, ErrInvalidExpiration) {
		t.Fatalf("expected invalid expiration, got %v", err)
	}

	long := base.Clone()
	long.Description = strings.Repeat("d", MaxDescriptionLen+1)
	if _, err := Sanitize(long); !errors.Is(err, ErrDescriptionTooLong) {
		t.Fatalf("expected description bound, got %v", err)
	}
}
