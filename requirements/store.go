package requirements

import (
	"errors"
	"fmt"
	"sync"

	"github.com/liamcoop/claims/claim"
)

var (
	// ErrRequirementNotFound is returned when a requirement id is unknown for a claim.
	ErrRequirementNotFound = errors.New("requirement not found")

	// ErrRequirementExists is returned by Store.Add for a duplicate id or a
	// second requirement of the same type on one claim.
	ErrRequirementExists = errors.New("requirement already exists")
)

// Store persists the requirements of each claim in generation order.
type Store interface {
	// Add appends r to its claim's collection.
	Add(r *claim.Requirement) error
	// Get returns one requirement of a claim.
	Get(claimID, id string) (*claim.Requirement, error)
	// List returns a claim's requirements in the order they were added. An
	// unknown claim yields an empty list.
	List(claimID string) ([]*claim.Requirement, error)
	// Update replaces a stored requirement.
	Update(r *claim.Requirement) error
}

// InMemoryStore is a Store held in process memory.
type InMemoryStore struct {
	mu      sync.RWMutex
	byClaim map[string][]*claim.Requirement
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byClaim: make(map[string][]*claim.Requirement)}
}

func (s *InMemoryStore) Add(r *claim.Requirement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.byClaim[r.ClaimID] {
		if existing.ID == r.ID || existing.Type == r.Type {
			return fmt.Errorf("requirement %s (%s): %w", r.ID, r.Type, ErrRequirementExists)
		}
	}
	s.byClaim[r.ClaimID] = append(s.byClaim[r.ClaimID], r.Clone())
	return nil
}

func (s *InMemoryStore) Get(claimID, id string) (*claim.Requirement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.byClaim[claimID] {
		if r.ID == id {
			return r.Clone(), nil
		}
	}
	return nil, fmt.Errorf("requirement %s: %w", id, ErrRequirementNotFound)
}

func (s *InMemoryStore) List(claimID string) ([]*claim.Requirement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reqs := s.byClaim[claimID]
	out := make([]*claim.Requirement, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) Update(r *claim.Requirement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reqs := s.byClaim[r.ClaimID]
	for i, existing := range reqs {
		if existing.ID == r.ID {
			reqs[i] = r.Clone()
			return nil
		}
	}
	return fmt.Errorf("requirement %s: %w", r.ID, ErrRequirementNotFound)
}
