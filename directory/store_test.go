package directory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"agentmesh/crypto"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "directory.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testProfile(agentID string) Profile {
	return Profile{
		AgentID:      agentID,
		DisplayName:  "Render Bot",
		Capabilities: []string{"render", "upscale"},
		Address:      crypto.MustAddress(make([]byte, 20)).String(),
		PaymentMode:  PaymentModeExternal,
	}
}

func TestPutProfileDefaults(t *testing.T) {
	store := newTestStore(t)

	saved, err := store.PutProfile(testProfile("agent-1"))
	require.NoError(t, err)
	require.Equal(t, DefaultLocalScore, saved.LocalScore)
	require.True(t, saved.Active)
	require.False(t, saved.CreatedAt.IsZero())
}

func TestPutProfileValidation(t *testing.T) {
	store := newTestStore(t)

	missing := testProfile("agent-1")
	missing.Capabilities = nil
	_, err := store.PutProfile(missing)
	require.ErrorIs(t, err, ErrCapabilitiesRequired)

	noAddr := testProfile("agent-1")
	noAddr.Address = " "
	_, err = store.PutProfile(noAddr)
	require.ErrorIs(t, err, ErrAddressRequired)
}

func TestUpdateKeepsCreatedAtAndScore(t *testing.T) {
	store := newTestStore(t)
	original, err := store.PutProfile(testProfile("agent-1"))
	require.NoError(t, err)

	_, err = store.AdjustScore("agent-1", 10)
	require.NoError(t, err)

	update := testProfile("agent-1")
	update.DisplayName = "Render Bot v2"
	saved, err := store.PutProfile(update)
	require.NoError(t, err)
	require.Equal(t, original.CreatedAt, saved.CreatedAt)
	require.Equal(t, DefaultLocalScore+10, saved.LocalScore)
	require.Equal(t, "Render Bot v2", saved.DisplayName)
}

func TestUpdateKeepsLifecycleFields(t *testing.T) {
	store := newTestStore(t)
	_, err := store.PutProfile(testProfile("agent-1"))
	require.NoError(t, err)

	_, err = store.MutateProfile("agent-1", false, func(p *Profile) error {
		p.RegistryID = "feedface"
		return nil
	})
	require.NoError(t, err)

	// A capability-only update must not deactivate the agent or sever its
	// registry link.
	update := testProfile("agent-1")
	update.PaymentMode = ""
	update.Capabilities = []string{"render", "upscale", "archive"}
	saved, err := store.PutProfile(update)
	require.NoError(t, err)
	require.True(t, saved.Active)
	require.Equal(t, "feedface", saved.RegistryID)
	require.Equal(t, PaymentModeExternal, saved.PaymentMode)

	// Deactivation is a status flag and survives later updates too.
	require.NoError(t, store.Deactivate("agent-1"))
	saved, err = store.PutProfile(update)
	require.NoError(t, err)
	require.False(t, saved.Active)
}

func TestMutateProfileMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.MutateProfile("ghost", false, func(p *Profile) error { return nil })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListByAddressTracksMoves(t *testing.T) {
	store := newTestStore(t)
	addrA := crypto.MustAddress(make([]byte, 20)).String()

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	addrB := key.PubKey().Address().String()

	first := testProfile("agent-1")
	first.Address = addrA
	_, err = store.PutProfile(first)
	require.NoError(t, err)

	second := testProfile("agent-2")
	second.Address = addrA
	_, err = store.PutProfile(second)
	require.NoError(t, err)

	shared, err := store.ListByAddress(addrA)
	require.NoError(t, err)
	require.Len(t, shared, 2)

	_, err = store.MutateProfile("agent-2", false, func(p *Profile) error {
		p.Address = addrB
		return nil
	})
	require.NoError(t, err)

	remaining, err := store.ListByAddress(addrA)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "agent-1", remaining[0].AgentID)

	moved, err := store.ListByAddress(addrB)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	require.Equal(t, "agent-2", moved[0].AgentID)
}

func TestDeactivateKeepsRecord(t *testing.T) {
	store := newTestStore(t)
	_, err := store.PutProfile(testProfile("agent-1"))
	require.NoError(t, err)

	require.NoError(t, store.Deactivate("agent-1"))

	profile, found, err := store.GetProfile("agent-1")
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, profile.Active)
}

func TestAdjustScoreClamped(t *testing.T) {
	store := newTestStore(t)
	_, err := store.PutProfile(testProfile("agent-1"))
	require.NoError(t, err)

	score, err := store.AdjustScore("agent-1", 500)
	require.NoError(t, err)
	require.Equal(t, 100, score)

	score, err = store.AdjustScore("agent-1", -500)
	require.NoError(t, err)
	require.Equal(t, 0, score)
}

func TestSigningKeyRoundTrip(t *testing.T) {
	store := newTestStore(t)
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	require.NoError(t, store.PutSigningKey("agent-1", key))

	loaded, found, err := store.SigningKey("agent-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, key.PubKey().Address().String(), loaded.PubKey().Address().String())

	has, err := store.HasSigningKey("agent-1")
	require.NoError(t, err)
	require.True(t, has)

	_, found, err = store.SigningKey("ghost")
	require.NoError(t, err)
	require.False(t, found)
}
