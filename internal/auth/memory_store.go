package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// MemoryStore provides an in-memory implementation of the Store interface,
// intended for development and testing scenarios.
type MemoryStore struct {
	mu        sync.RWMutex
	operators map[string]*Operator
	byID      map[int64]*Subject
	nextID    int64
}

// NewMemoryStore initialises the store with the provided seed operators.
func NewMemoryStore(seeds []Seed) (*MemoryStore, error) {
	store := &MemoryStore{
		operators: make(map[string]*Operator),
		byID:      make(map[int64]*Subject),
		nextID:    1,
	}
	for _, seed := range seeds {
		if err := store.ApplySeed(context.Background(), seed); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// ApplySeed implements the SeedWriter interface. Role grants are expanded
// into concrete permissions at seed time.
func (s *MemoryStore) ApplySeed(_ context.Context, seed Seed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.operators == nil {
		s.operators = make(map[string]*Operator)
	}
	if s.byID == nil {
		s.byID = make(map[int64]*Subject)
	}
	name := strings.TrimSpace(seed.Operator)
	if name == "" {
		return errors.New("seed operator name cannot be empty")
	}
	hashed, err := HashPassword(seed.Password)
	if err != nil {
		return err
	}
	operator, ok := s.operators[name]
	if !ok {
		if s.nextID == 0 {
			s.nextID = 1
		}
		operator = &Operator{ID: s.nextID}
		s.nextID++
	}
	operator.Name = name
	operator.PasswordHash = hashed
	operator.Disabled = seed.Disabled
	s.operators[name] = operator
	subject := &Subject{
		ID:          operator.ID,
		Name:        name,
		Roles:       dedupeStrings(seed.Roles),
		Permissions: ExpandRoles(seed.Roles, seed.Permissions),
		Disabled:    seed.Disabled,
	}
	subject.normalise()
	s.byID[operator.ID] = subject
	return nil
}

// FindOperatorByName retrieves the operator record.
func (s *MemoryStore) FindOperatorByName(_ context.Context, name string) (*Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if operator, ok := s.operators[strings.TrimSpace(name)]; ok {
		clone := *operator
		return &clone, nil
	}
	return nil, errors.New("operator not found")
}

// LoadSubject returns the subject with roles and permissions.
func (s *MemoryStore) LoadSubject(_ context.Context, operatorID int64) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if subject, ok := s.byID[operatorID]; ok {
		return subject.Clone(), nil
	}
	return nil, errors.New("subject not found")
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		seen[strings.ToLower(value)] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}

var _ Store = (*MemoryStore)(nil)
var _ SeedWriter = (*MemoryStore)(nil)
