package identity

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentmesh/core/fault"
	"agentmesh/crypto"
	"agentmesh/directory"
	"agentmesh/ledger"
	"agentmesh/native/registry"
)

// Source tags which record families produced the canonical view.
type Source string

const (
	SourceLocalOnly  Source = "local_only"
	SourceChainOnly  Source = "chain_only"
	SourceReconciled Source = "reconciled"
)

var (
	// ErrAgentNotFound is returned when no source knows the lookup key.
	ErrAgentNotFound = fault.New(fault.KindNotFound, "AGENT_UNKNOWN", "no local or on-chain record for lookup key")
	// ErrAmbiguousAddress is returned when a settlement address backs several
	// distinct logical agents; callers must use ResolveAddress to see all of
	// them.
	ErrAmbiguousAddress = fault.New(fault.KindStateConflict, "ADDRESS_AMBIGUOUS", "settlement address backs multiple logical agents")
	// ErrCustodialKeyMissing flags a custodial profile whose signing key
	// record is unresolvable, which violates the custody invariant.
	ErrCustodialKeyMissing = fault.New(fault.KindStateConflict, "CUSTODIAL_KEY_MISSING", "custodial agent has no signing key record")
)

// Agent is the canonical reconciled view consumed by trust scoring and the
// interaction gate. Exactly one address is authoritative at a time; the
// Source tag and ChainAvailable flag tell consumers how much of the view is
// backed by the on-chain registry.
type Agent struct {
	AgentID        string                `json:"agentId"`
	RegistryID     string                `json:"registryId,omitempty"`
	Address        string                `json:"address"`
	AddressBytes   [20]byte              `json:"-"`
	RegistryBytes  [32]byte              `json:"-"`
	DisplayName    string                `json:"displayName"`
	Capabilities   []string              `json:"capabilities"`
	Metadata       map[string]string     `json:"metadata,omitempty"`
	PaymentMode    directory.PaymentMode `json:"paymentMode"`
	RegisteredAt   int64                 `json:"registeredAt,omitempty"`
	LocalScore     int                   `json:"localScore"`
	Active         bool                  `json:"active"`
	Source         Source                `json:"source"`
	ChainAvailable bool                  `json:"chainAvailable"`
	Conflicts      []string              `json:"conflicts,omitempty"`
}

// Reconciler merges the on-chain registry, the local directory and the
// custodial keystore into one canonical Agent view. On-chain unavailability
// degrades the view instead of failing it.
type Reconciler struct {
	dir          *directory.Store
	gateway      ledger.Gateway
	queryTimeout time.Duration
}

// NewReconciler binds the reconciliation engine to its two sources.
func NewReconciler(dir *directory.Store, gateway ledger.Gateway) *Reconciler {
	return &Reconciler{dir: dir, gateway: gateway, queryTimeout: 5 * time.Second}
}

// SetQueryTimeout bounds each registry round-trip.
func (r *Reconciler) SetQueryTimeout(d time.Duration) {
	if d > 0 {
		r.queryTimeout = d
	}
}

// Resolve produces the canonical view for a lookup key, which may be a
// logical agent identifier or a bech32 settlement address. Resolution order:
// custodial signing key, then local directory entry, then the on-chain
// registry by whichever address was authoritative.
func (r *Reconciler) Resolve(ctx context.Context, key string) (*Agent, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fault.Wrapf(ErrAgentNotFound, "empty lookup key")
	}

	profile, hasProfile, err := r.dir.GetProfile(key)
	if err != nil {
		return nil, err
	}
	signingKey, hasKey, err := r.dir.SigningKey(key)
	if err != nil {
		return nil, err
	}

	if hasProfile || hasKey {
		return r.resolveLocal(ctx, key, profile, hasProfile, signingKey, hasKey)
	}

	// Not a known logical id; try interpreting the key as an address.
	if addr, decodeErr := crypto.DecodeAddress(key); decodeErr == nil {
		agents, err := r.ResolveAddress(ctx, addr)
		if err != nil {
			return nil, err
		}
		switch len(agents) {
		case 0:
			return nil, ErrAgentNotFound
		case 1:
			return agents[0], nil
		default:
			return nil, fault.Wrapf(ErrAmbiguousAddress, "%d agents share %s", len(agents), key)
		}
	}
	return nil, fault.Wrapf(ErrAgentNotFound, "%s", key)
}

func (r *Reconciler) resolveLocal(ctx context.Context, agentID string, profile directory.Profile, hasProfile bool, signingKey *crypto.PrivateKey, hasKey bool) (*Agent, error) {
	agent := &Agent{
		AgentID:     agentID,
		Source:      SourceLocalOnly,
		PaymentMode: directory.PaymentModeExternal,
		LocalScore:  directory.DefaultLocalScore,
		Active:      true,
	}
	if hasProfile {
		agent.DisplayName = profile.DisplayName
		agent.Capabilities = append([]string(nil), profile.Capabilities...)
		agent.Metadata = profile.Metadata
		agent.Address = profile.Address
		agent.PaymentMode = profile.PaymentMode
		agent.RegistryID = profile.RegistryID
		agent.LocalScore = profile.LocalScore
		agent.Active = profile.Active
	}
	if hasKey {
		// The key-derived address is authoritative for custodial agents and
		// overrides any mismatched address recorded elsewhere.
		derived := signingKey.PubKey().Address()
		if agent.Address != "" && agent.Address != derived.String() {
			agent.Conflicts = append(agent.Conflicts, fmt.Sprintf("directory address %s overridden by custodial key address %s", agent.Address, derived.String()))
		}
		agent.Address = derived.String()
		agent.PaymentMode = directory.PaymentModeCustodial
	} else if hasProfile && profile.PaymentMode == directory.PaymentModeCustodial {
		return nil, fault.Wrapf(ErrCustodialKeyMissing, "agent %s", agentID)
	}
	if agent.Address == "" {
		return nil, fault.Wrapf(ErrAgentNotFound, "agent %s has no settlement address", agentID)
	}
	addr, err := crypto.DecodeAddress(agent.Address)
	if err != nil {
		return nil, err
	}
	agent.AddressBytes = addr.Raw()

	r.mergeChain(ctx, agent, addr.Raw())
	return agent, nil
}

// ResolveAddress returns every logical agent backed by the settlement
// address. Two non-custodial profiles sharing an address with different
// capability sets are deliberately returned as distinct entries; the
// engine never silently merges them.
func (r *Reconciler) ResolveAddress(ctx context.Context, addr crypto.Address) ([]*Agent, error) {
	profiles, err := r.dir.ListByAddress(addr.String())
	if err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return r.resolveChainOnly(ctx, addr)
	}
	agents := make([]*Agent, 0, len(profiles))
	for _, p := range profiles {
		key, hasKey, err := r.dir.SigningKey(p.AgentID)
		if err != nil {
			return nil, err
		}
		agent, err := r.resolveLocal(ctx, p.AgentID, p, true, key, hasKey)
		if err != nil {
			return nil, err
		}
		if len(agents) > 0 {
			agent.Conflicts = append(agent.Conflicts, fmt.Sprintf("address %s shared with %s", addr.String(), agents[0].AgentID))
		}
		agents = append(agents, agent)
	}
	// A single custodial agent owns its address by construction; suppress
	// the shared-address annotation in that case.
	if len(agents) == 1 {
		agents[0].Conflicts = trimSharedConflicts(agents[0].Conflicts)
	}
	return agents, nil
}

func trimSharedConflicts(conflicts []string) []string {
	filtered := conflicts[:0]
	for _, c := range conflicts {
		if !strings.Contains(c, "shared with") {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}

func (r *Reconciler) resolveChainOnly(ctx context.Context, addr crypto.Address) ([]*Agent, error) {
	entry, available, err := r.queryRegistry(ctx, addr.Raw())
	if err != nil {
		return nil, err
	}
	if entry == nil {
		if !available {
			return nil, fault.Wrapf(ledger.ErrTimeout, "registry lookup for %s", addr.String())
		}
		return nil, nil
	}
	// With no local record at all, the registry's identifier becomes the
	// logical identifier.
	agent := &Agent{
		AgentID:        hex.EncodeToString(entry.ID[:]),
		RegistryID:     hex.EncodeToString(entry.ID[:]),
		RegistryBytes:  entry.ID,
		Address:        addr.String(),
		AddressBytes:   addr.Raw(),
		DisplayName:    entry.DisplayName,
		PaymentMode:    directory.PaymentModeExternal,
		RegisteredAt:   entry.RegisteredAt,
		LocalScore:     directory.DefaultLocalScore,
		Active:         entry.Active,
		Source:         SourceChainOnly,
		ChainAvailable: true,
	}
	return []*Agent{agent}, nil
}

// mergeChain folds the on-chain entry into a locally sourced view. Local
// values win for capability, metadata and display fields; the chain wins for
// reputation identity and registration timestamp. Registry failure degrades
// to the local-only view with ChainAvailable=false.
func (r *Reconciler) mergeChain(ctx context.Context, agent *Agent, addr [20]byte) {
	entry, available, err := r.queryRegistry(ctx, addr)
	agent.ChainAvailable = available && err == nil
	if entry == nil {
		return
	}
	agent.Source = SourceReconciled
	agent.RegistryID = hex.EncodeToString(entry.ID[:])
	agent.RegistryBytes = entry.ID
	agent.RegisteredAt = entry.RegisteredAt
	if agent.DisplayName == "" {
		agent.DisplayName = entry.DisplayName
	}
	if !entry.Active {
		agent.Active = false
	}
}

// queryRegistry performs the bounded registry round-trip. The second return
// reports whether the chain answered at all: not-found with a healthy chain
// is (nil, true, nil), a timeout is (nil, false, nil).
func (r *Reconciler) queryRegistry(ctx context.Context, addr [20]byte) (*registry.Entry, bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	entry, err := r.gateway.QueryIdentityEntry(queryCtx, addr)
	if err == nil {
		return entry, true, nil
	}
	if errors.Is(err, registry.ErrEntryNotFound) {
		return nil, true, nil
	}
	if fault.KindOf(err) == fault.KindUpstreamTimeout {
		return nil, false, nil
	}
	return nil, false, nil
}
