// Package store holds the in-memory position model shared by all engine components
package store

import (
	"sync"

	"grid_trader/internal/core"
)

// Store maps (user, strategy, symbol, side) to its PositionState.
// Slots are created once at startup and never destroyed; a full close
// reinitialises the slot from the default template. All mutation happens
// under the store lock, reads hand out snapshot copies.
type Store struct {
	mu         sync.RWMutex
	positions  map[core.PositionKey]*core.PositionState
	precisions map[string]core.SymbolPrecision
}

// New creates an empty store
func New() *Store {
	return &Store{
		positions:  make(map[core.PositionKey]*core.PositionState),
		precisions: make(map[string]core.SymbolPrecision),
	}
}

// Init registers a slot with the default template. Existing slots are kept.
func (s *Store) Init(key core.PositionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[key]; !ok {
		state := core.DefaultPositionState()
		s.positions[key] = &state
	}
}

// Get returns a snapshot copy of the slot
func (s *Store) Get(key core.PositionKey) (core.PositionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.positions[key]
	if !ok {
		return core.PositionState{}, false
	}
	return *state, true
}

// Update applies a mutator to the slot under the store lock.
// Returns false when the slot is unknown.
func (s *Store) Update(key core.PositionKey, mutate func(*core.PositionState)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.positions[key]
	if !ok {
		return false
	}
	mutate(state)
	return true
}

// Reset reinitialises the slot from the default template
func (s *Store) Reset(key core.PositionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[key]; ok {
		state := core.DefaultPositionState()
		s.positions[key] = &state
	}
}

// Keys returns every registered slot key
func (s *Store) Keys() []core.PositionKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]core.PositionKey, 0, len(s.positions))
	for key := range s.positions {
		keys = append(keys, key)
	}
	return keys
}

// UserKeys returns the slot keys belonging to one user
func (s *Store) UserKeys(user string) []core.PositionKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []core.PositionKey
	for key := range s.positions {
		if key.User == user {
			keys = append(keys, key)
		}
	}
	return keys
}

// ActiveCount returns how many slots of a user are currently in a position
// on the given side
func (s *Store) ActiveCount(user string, side core.Side) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for key, state := range s.positions {
		if key.User == user && key.Side == side && state.InPosition {
			count++
		}
	}
	return count
}

// SetPrecision stores the exchange metadata for a symbol
func (s *Store) SetPrecision(symbol string, precision core.SymbolPrecision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.precisions[symbol] = precision
}

// Precision returns the exchange metadata for a symbol
func (s *Store) Precision(symbol string) (core.SymbolPrecision, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	precision, ok := s.precisions[symbol]
	return precision, ok
}

// DropSymbol removes every slot trading the symbol. Used when the symbol's
// metadata cannot be fetched at startup.
func (s *Store) DropSymbol(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.positions {
		if key.Symbol == symbol {
			delete(s.positions, key)
		}
	}
	delete(s.precisions, symbol)
}

// Len returns the number of registered slots
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}
