package interaction

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"agentmesh/core/fault"
)

var (
	bucketInteractions = []byte("interactions")
	bucketAgentIndex   = []byte("agent_index")

	// ErrInteractionNotFound is returned for unknown interaction ids.
	ErrInteractionNotFound = fault.New(fault.KindNotFound, "INTERACTION_NOT_FOUND", "interaction not found")
	// ErrNotOpen rejects completion of an interaction that is not in the
	// initiated state.
	ErrNotOpen = fault.New(fault.KindStateConflict, "INTERACTION_NOT_OPEN", "interaction is not open")
)

// Status tracks the two-step interaction lifecycle.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusCompleted Status = "completed"
)

// Interaction is one gated engagement between two agents. Records are only
// created after the trust gate admits the counterpart.
type Interaction struct {
	ID            uuid.UUID `json:"id"`
	InitiatorID   string    `json:"initiatorId"`
	CounterpartID string    `json:"counterpartId"`
	Status        Status    `json:"status"`
	InitiatedAt   time.Time `json:"initiatedAt"`
	CompletedAt   time.Time `json:"completedAt,omitempty"`
}

type agentIndexRecord struct {
	IDs []string `json:"ids"`
}

// Store persists interaction records in Bolt, indexed by both participants
// so per-agent counting stays cheap.
type Store struct {
	db *bolt.DB
}

// NewStore initialises the interaction record store.
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
		for _, bucket := range [][]byte{bucketInteractions, bucketAgentIndex} {
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

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put stores a new interaction record and indexes both parties.
func (s *Store) Put(rec Interaction) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketInteractions).Put([]byte(rec.ID.String()), encoded); err != nil {
			return err
		}
		for _, agentID := range []string{rec.InitiatorID, rec.CounterpartID} {
			if err := indexInteraction(tx, agentID, rec.ID.String()); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get loads an interaction by id.
func (s *Store) Get(id uuid.UUID) (Interaction, error) {
	var rec Interaction
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketInteractions).Get([]byte(id.String()))
		if raw == nil {
			return fault.Wrapf(ErrInteractionNotFound, "%s", id)
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

// Mutate applies fn to the record under the write transaction.
func (s *Store) Mutate(id uuid.UUID, fn func(*Interaction) error) (Interaction, error) {
	var rec Interaction
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketInteractions)
		raw := bucket.Get([]byte(id.String()))
		if raw == nil {
			return fault.Wrapf(ErrInteractionNotFound, "%s", id)
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id.String()), encoded)
	})
	if err != nil {
		return Interaction{}, err
	}
	return rec, nil
}

// ListByAgent returns every interaction the agent took part in.
func (s *Store) ListByAgent(agentID string) ([]Interaction, error) {
	var out []Interaction
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAgentIndex).Get([]byte(agentID))
		if raw == nil {
			return nil
		}
		var idx agentIndexRecord
		if err := json.Unmarshal(raw, &idx); err != nil {
			return err
		}
		interactions := tx.Bucket(bucketInteractions)
		for _, id := range idx.IDs {
			rawRec := interactions.Get([]byte(id))
			if rawRec == nil {
				continue
			}
			var rec Interaction
			if err := json.Unmarshal(rawRec, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// CountByAgent reports total and completed interactions for the agent.
func (s *Store) CountByAgent(agentID string) (total, completed int, err error) {
	list, err := s.ListByAgent(agentID)
	if err != nil {
		return 0, 0, err
	}
	for _, rec := range list {
		total++
		if rec.Status == StatusCompleted {
			completed++
		}
	}
	return total, completed, nil
}

func indexInteraction(tx *bolt.Tx, agentID, id string) error {
	bucket := tx.Bucket(bucketAgentIndex)
	var idx agentIndexRecord
	if raw := bucket.Get([]byte(agentID)); raw != nil {
		if err := json.Unmarshal(raw, &idx); err != nil {
			return err
		}
	}
	for _, existing := range idx.IDs {
		if existing == id {
			return nil
		}
	}
	idx.IDs = append(idx.IDs, id)
	encoded, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(agentID), encoded)
}
