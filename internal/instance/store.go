package instance

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/pkg/cache"
	"github.com/crosslogic/gpu-control-plane/pkg/metrics"
)

// Store owns the instance state map. All mutations funnel through Update
// so readers always observe complete records, and status changes
// invalidate the cached details for that id.
type Store struct {
	mu     sync.RWMutex
	states map[string]*State

	details cache.Cache
	logger  *zap.Logger
}

func NewStore(detailsCache cache.Cache, logger *zap.Logger) *Store {
	return &Store{
		states:  make(map[string]*State),
		details: detailsCache,
		logger:  logger,
	}
}

// Put inserts or replaces a state record.
func (s *Store) Put(ctx context.Context, state *State) {
	s.mu.Lock()
	prev := s.states[state.ID]
	s.states[state.ID] = state.Clone()
	s.mu.Unlock()

	if prev == nil || prev.Status != state.Status {
		s.onStatusChange(ctx, state.ID, prev, state)
	}
}

// Get returns a copy of the state for id, or nil when unknown.
func (s *Store) Get(id string) *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[id]
	if !ok {
		return nil
	}
	return state.Clone()
}

// FindByName returns the first instance named name, or nil.
func (s *Store) FindByName(name string) *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, state := range s.states {
		if state.Name == name {
			return state.Clone()
		}
	}
	return nil
}

// FindByNovitaID returns the instance bound to the upstream id, or nil.
func (s *Store) FindByNovitaID(novitaID string) *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, state := range s.states {
		if state.NovitaID == novitaID {
			return state.Clone()
		}
	}
	return nil
}

// List returns copies of all states, optionally filtered by status.
func (s *Store) List(status Status) []*State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*State, 0, len(s.states))
	for _, state := range s.states {
		if status != "" && state.Status != status {
			continue
		}
		out = append(out, state.Clone())
	}
	return out
}

// Update applies mutate to the state under the store lock. The record is
// replaced atomically; a status change invalidates cached details.
func (s *Store) Update(ctx context.Context, id string, mutate func(*State) error) (*State, error) {
	s.mu.Lock()
	current, ok := s.states[id]
	if !ok {
		s.mu.Unlock()
		return nil, &NotFoundError{ID: id}
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.states[id] = next
	s.mu.Unlock()

	if current.Status != next.Status {
		s.onStatusChange(ctx, id, current, next)
	}
	return next.Clone(), nil
}

// Remove deletes the record and its cached details. Used when upstream
// reports the instance gone.
func (s *Store) Remove(ctx context.Context, id string) *State {
	s.mu.Lock()
	state, ok := s.states[id]
	if ok {
		delete(s.states, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	s.invalidateDetails(ctx, id)
	metrics.InstancesByStatus.WithLabelValues(string(state.Status)).Dec()
	return state.Clone()
}

// Count returns the number of tracked instances.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

func (s *Store) onStatusChange(ctx context.Context, id string, prev, next *State) {
	if prev != nil {
		metrics.InstancesByStatus.WithLabelValues(string(prev.Status)).Dec()
	}
	metrics.InstancesByStatus.WithLabelValues(string(next.Status)).Inc()

	s.invalidateDetails(ctx, id)
	s.logger.Debug("instance status changed",
		zap.String("instance_id", id),
		zap.String("status", string(next.Status)),
	)
}

func (s *Store) invalidateDetails(ctx context.Context, id string) {
	if s.details == nil {
		return
	}
	if _, err := s.details.Delete(ctx, detailsKey(id)); err != nil {
		s.logger.Warn("failed to invalidate instance details cache",
			zap.String("instance_id", id),
			zap.Error(err),
		)
	}
}

func detailsKey(id string) string {
	return "details:" + id
}
