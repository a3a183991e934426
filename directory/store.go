package directory

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"agentmesh/core/fault"
	"agentmesh/crypto"
)

var (
	bucketProfiles  = []byte("profiles")
	bucketAddrIndex = []byte("addr_index")
	bucketKeys      = []byte("signing_keys")

	// ErrNotFound is returned when a profile does not exist.
	ErrNotFound = fault.New(fault.KindNotFound, "AGENT_NOT_FOUND", "agent profile not found")
	// ErrKeyNotFound is returned when a custodial signing key is missing.
	ErrKeyNotFound = fault.New(fault.KindNotFound, "SIGNING_KEY_NOT_FOUND", "no signing key held for agent")
	// ErrCapabilitiesRequired rejects profiles with an empty capability set.
	ErrCapabilitiesRequired = fault.New(fault.KindValidation, "CAPABILITIES_REQUIRED", "capability set must not be empty")
	// ErrAddressRequired rejects profiles without a settlement address.
	ErrAddressRequired = fault.New(fault.KindValidation, "ADDRESS_REQUIRED", "settlement address required")
)

// PaymentMode distinguishes agents that own their wallet from agents whose
// signing key is held by this system.
type PaymentMode string

const (
	PaymentModeExternal  PaymentMode = "external"
	PaymentModeCustodial PaymentMode = "custodial"
)

// DefaultLocalScore is the neutral starting point for the locally tracked
// trust component.
const DefaultLocalScore = 50

// Profile is the off-ledger record tracked per logical agent identifier.
// Profiles are never hard-deleted; deactivation flips the Active flag.
type Profile struct {
	AgentID      string            `json:"agentId"`
	DisplayName  string            `json:"displayName"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Address      string            `json:"address"`
	PaymentMode  PaymentMode       `json:"paymentMode"`
	RegistryID   string            `json:"registryId,omitempty"`
	LocalScore   int               `json:"localScore"`
	Active       bool              `json:"active"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy of the profile.
func (p Profile) Clone() Profile {
	clone := p
	clone.Capabilities = append([]string(nil), p.Capabilities...)
	if p.Metadata != nil {
		clone.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}

func (p *Profile) validate() error {
	if strings.TrimSpace(p.AgentID) == "" {
		return fault.Wrapf(ErrNotFound, "agent id required")
	}
	if len(p.Capabilities) == 0 {
		return ErrCapabilitiesRequired
	}
	if strings.TrimSpace(p.Address) == "" {
		return ErrAddressRequired
	}
	if p.PaymentMode != "" && p.PaymentMode != PaymentModeExternal && p.PaymentMode != PaymentModeCustodial {
		p.PaymentMode = PaymentModeExternal
	}
	return nil
}

type storedKey struct {
	KeyHex    string    `json:"keyHex"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
}

type addrIndexRecord struct {
	AgentIDs []string `json:"agentIds"`
}

// Store persists agent profiles and custodial signing keys. The two record
// families live in separate buckets joined by the logical agent identifier.
// Bolt's single-writer transactions serialize concurrent mutations of the
// same profile, so capability and metadata updates never lose writes.
type Store struct {
	db *bolt.DB
}

// NewStore initialises (and migrates) the BoltDB-backed directory.
func NewStore(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketProfiles, bucketAddrIndex, bucketKeys} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutProfile validates and stores the profile, maintaining the address
// index. Existing profiles keep their creation timestamp, local score,
// active flag, payment mode and registry link unless the caller set them
// explicitly; only Deactivate flips the active flag.
func (s *Store) PutProfile(p Profile) (Profile, error) {
	if err := p.validate(); err != nil {
		return Profile{}, err
	}
	now := time.Now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketProfiles)
		key := []byte(p.AgentID)
		if raw := bucket.Get(key); raw != nil {
			var existing Profile
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			if p.CreatedAt.IsZero() {
				p.CreatedAt = existing.CreatedAt
			}
			if p.LocalScore == 0 {
				p.LocalScore = existing.LocalScore
			}
			if p.RegistryID == "" {
				p.RegistryID = existing.RegistryID
			}
			if p.PaymentMode == "" {
				p.PaymentMode = existing.PaymentMode
			}
			p.Active = existing.Active
			if existing.Address != p.Address {
				if err := removeAddrIndex(tx, existing.Address, p.AgentID); err != nil {
					return err
				}
			}
		} else {
			if p.CreatedAt.IsZero() {
				p.CreatedAt = now
			}
			if p.LocalScore == 0 {
				p.LocalScore = DefaultLocalScore
			}
			if p.PaymentMode == "" {
				p.PaymentMode = PaymentModeExternal
			}
			p.Active = true
		}
		p.UpdatedAt = now
		encoded, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := bucket.Put(key, encoded); err != nil {
			return err
		}
		return addAddrIndex(tx, p.Address, p.AgentID)
	})
	if err != nil {
		return Profile{}, err
	}
	return p.Clone(), nil
}

// MutateProfile applies a mutation to the profile under the bucket's write
// transaction. When createIfMissing is false and the record does not exist,
// ErrNotFound is returned.
func (s *Store) MutateProfile(agentID string, createIfMissing bool, fn func(*Profile) error) (Profile, error) {
	var result Profile
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketProfiles)
		raw := bucket.Get([]byte(agentID))
		var rec Profile
		if raw == nil {
			if !createIfMissing {
				return ErrNotFound
			}
			rec = Profile{AgentID: agentID, LocalScore: DefaultLocalScore, Active: true, CreatedAt: time.Now().UTC()}
		} else {
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
		}
		prevAddr := rec.Address
		if err := fn(&rec); err != nil {
			return err
		}
		if err := rec.validate(); err != nil {
			return err
		}
		if rec.PaymentMode == "" {
			rec.PaymentMode = PaymentModeExternal
		}
		rec.UpdatedAt = time.Now().UTC()
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(agentID), encoded); err != nil {
			return err
		}
		if prevAddr != rec.Address {
			if prevAddr != "" {
				if err := removeAddrIndex(tx, prevAddr, agentID); err != nil {
					return err
				}
			}
			if err := addAddrIndex(tx, rec.Address, agentID); err != nil {
				return err
			}
		}
		result = rec
		return nil
	})
	if err != nil {
		return Profile{}, err
	}
	return result.Clone(), nil
}

// GetProfile fetches a snapshot of the profile, if present.
func (s *Store) GetProfile(agentID string) (Profile, bool, error) {
	var record Profile
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketProfiles).Get([]byte(agentID))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return Profile{}, false, err
	}
	return record.Clone(), found, nil
}

// ListByAddress returns every profile recorded against a settlement address,
// sorted by agent id for deterministic conflict reporting.
func (s *Store) ListByAddress(address string) ([]Profile, error) {
	var out []Profile
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAddrIndex).Get([]byte(address))
		if raw == nil {
			return nil
		}
		var idx addrIndexRecord
		if err := json.Unmarshal(raw, &idx); err != nil {
			return err
		}
		profiles := tx.Bucket(bucketProfiles)
		for _, id := range idx.AgentIDs {
			rawProfile := profiles.Get([]byte(id))
			if rawProfile == nil {
				continue
			}
			var rec Profile
			if err := json.Unmarshal(rawProfile, &rec); err != nil {
				return err
			}
			out = append(out, rec.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// ListByPrefix returns profiles whose agent identifier starts with prefix.
func (s *Store) ListByPrefix(prefix string) ([]Profile, error) {
	var out []Profile
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketProfiles).Cursor()
		p := []byte(prefix)
		for k, v := cursor.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, v = cursor.Next() {
			var rec Profile
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec.Clone())
		}
		return nil
	})
	return out, err
}

// Deactivate flips the active flag. Profiles are never removed.
func (s *Store) Deactivate(agentID string) error {
	_, err := s.MutateProfile(agentID, false, func(p *Profile) error {
		p.Active = false
		return nil
	})
	return err
}

// AdjustScore shifts the locally tracked trust component by delta, clamped
// to [0, 100], and returns the new value. This is the only mutation path for
// the local score outside an explicit operator action.
func (s *Store) AdjustScore(agentID string, delta int) (int, error) {
	var score int
	_, err := s.MutateProfile(agentID, false, func(p *Profile) error {
		p.LocalScore += delta
		if p.LocalScore > 100 {
			p.LocalScore = 100
		}
		if p.LocalScore < 0 {
			p.LocalScore = 0
		}
		score = p.LocalScore
		return nil
	})
	return score, err
}

// PutSigningKey stores custodial signing-key material for the agent. The
// derived address is recorded alongside so reconciliation can treat it as
// authoritative without re-deriving.
func (s *Store) PutSigningKey(agentID string, key *crypto.PrivateKey) error {
	if key == nil {
		return errors.New("directory: nil signing key")
	}
	record := storedKey{
		KeyHex:    hex.EncodeToString(key.Bytes()),
		Address:   key.PubKey().Address().String(),
		CreatedAt: time.Now().UTC(),
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		encoded, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketKeys).Put([]byte(agentID), encoded)
	})
}

// SigningKey loads the custodial signing key held for the agent.
func (s *Store) SigningKey(agentID string) (*crypto.PrivateKey, bool, error) {
	var record storedKey
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketKeys).Get([]byte(agentID))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return nil, false, err
	}
	keyBytes, err := hex.DecodeString(record.KeyHex)
	if err != nil {
		return nil, false, err
	}
	key, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return nil, false, err
	}
	return key, true, nil
}

// HasSigningKey reports whether custodial key material exists for the agent.
func (s *Store) HasSigningKey(agentID string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketKeys).Get([]byte(agentID)) != nil
		return nil
	})
	return found, err
}

func addAddrIndex(tx *bolt.Tx, address, agentID string) error {
	bucket := tx.Bucket(bucketAddrIndex)
	var idx addrIndexRecord
	if raw := bucket.Get([]byte(address)); raw != nil {
		if err := json.Unmarshal(raw, &idx); err != nil {
			return err
		}
	}
	for _, id := range idx.AgentIDs {
		if id == agentID {
			return nil
		}
	}
	idx.AgentIDs = append(idx.AgentIDs, agentID)
	encoded, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(address), encoded)
}

func removeAddrIndex(tx *bolt.Tx, address, agentID string) error {
	bucket := tx.Bucket(bucketAddrIndex)
	raw := bucket.Get([]byte(address))
	if raw == nil {
		return nil
	}
	var idx addrIndexRecord
	if err := json.Unmarshal(raw, &idx); err != nil {
		return err
	}
	filtered := idx.AgentIDs[:0]
	for _, id := range idx.AgentIDs {
		if id != agentID {
			filtered = append(filtered, id)
		}
	}
	idx.AgentIDs = filtered
	if len(idx.AgentIDs) == 0 {
		return bucket.Delete([]byte(address))
	}
	encoded, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(address), encoded)
}
