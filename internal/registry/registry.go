// Package registry keeps the set of known validators available for dispatch.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a validator ID is unknown.
var ErrNotFound = errors.New("validator not found")

// Validator is a participant able to evaluate a task and return an opinion.
type Validator struct {
	ID           string       `json:"id"`
	Kind         string       `json:"kind"`
	Capabilities Capabilities `json:"capabilities"`
	Reputation   float64      `json:"reputation"`
	Credential   string       `json:"-"`
	Endpoint     string       `json:"endpoint,omitempty"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// Matches reports whether v can serve capability c, either through its kind
// or its capability set.
func (v Validator) Matches(c string) bool {
	return v.Kind == c || v.Capabilities.Has(c)
}

// MatchesAny reports whether v serves any capability in filter. An empty
// filter matches every validator.
func (v Validator) MatchesAny(filter Capabilities) bool {
	if filter.Len() == 0 {
		return true
	}
	if filter.Has(v.Kind) {
		return true
	}
	return v.Capabilities.Intersects(filter)
}

func (v Validator) clone() Validator {
	v.Capabilities = v.Capabilities.Clone()
	return v
}

// Stats summarizes the registry contents.
type Stats struct {
	Total  int            `json:"total"`
	ByKind map[string]int `json:"by_kind"`
}

// Registry is an in-memory set of validators keyed by ID. All reads return
// copies, so a caller holding a snapshot never observes later updates.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]*Validator
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{validators: make(map[string]*Validator)}
}

// Register adds v, replacing any validator with the same ID. A zero
// RegisteredAt is stamped with the current time.
func (r *Registry) Register(v Validator) (Validator, error) {
	if v.ID == "" {
		return Validator{}, fmt.Errorf("validator id is empty")
	}
	if v.Reputation < 0 || v.Reputation > 1 {
		return Validator{}, fmt.Errorf("validator %s: reputation %v outside [0,1]", v.ID, v.Reputation)
	}
	if v.RegisteredAt.IsZero() {
		v.RegisteredAt = time.Now()
	}
	stored := v.clone()

	r.mu.Lock()
	r.validators[v.ID] = &stored
	r.mu.Unlock()
	return stored.clone(), nil
}

// Remove deletes the validator with the given ID and reports whether it
// existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.validators[id]; !ok {
		return false
	}
	delete(r.validators, id)
	return true
}

// Get returns a copy of the validator with the given ID.
func (r *Registry) Get(id string) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[id]
	if !ok {
		return Validator{}, false
	}
	return v.clone(), true
}

// List returns every validator sorted by ID.
func (r *Registry) List() []Validator {
	return r.collect(func(Validator) bool { return true })
}

// ListByCapability returns validators whose kind or capability set includes c,
// sorted by ID.
func (r *Registry) ListByCapability(c string) []Validator {
	return r.collect(func(v Validator) bool { return v.Matches(c) })
}

// Select returns the dispatch snapshot for filter: every validator serving
// at least one filter capability, sorted by ID.
func (r *Registry) Select(filter Capabilities) []Validator {
	return r.collect(func(v Validator) bool { return v.MatchesAny(filter) })
}

func (r *Registry) collect(keep func(Validator) bool) []Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Validator
	for _, v := range r.validators {
		if keep(*v) {
			result = append(result, v.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// SetReputation updates a validator's trust weight in place.
func (r *Registry) SetReputation(id string, reputation float64) error {
	if reputation < 0 || reputation > 1 {
		return fmt.Errorf("reputation %v outside [0,1]", reputation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.validators[id]
	if !ok {
		return fmt.Errorf("set reputation %s: %w", id, ErrNotFound)
	}
	v.Reputation = reputation
	return nil
}

// SetCredential replaces a validator's credential in place.
func (r *Registry) SetCredential(id, credential string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.validators[id]
	if !ok {
		return fmt.Errorf("set credential %s: %w", id, ErrNotFound)
	}
	v.Credential = credential
	return nil
}

// Len returns the number of registered validators.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.validators)
}

// Stats returns summary statistics for the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.validators), ByKind: make(map[string]int)}
	for _, v := range r.validators {
		stats.ByKind[v.Kind]++
	}
	return stats
}
