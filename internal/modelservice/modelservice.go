// Package modelservice tracks load/unload lifecycle for registered
// models. Ported from original_source's services/model_service.py: a
// typed status enum, lock-guarded map, and idempotent concurrent loads.
package modelservice

import (
	"fmt"
	"sync"
	"time"

	"github.com/stgarg/locallite/internal/registry"
)

// Status mirrors the Python ModelStatus enum.
type Status string

const (
	StatusLoading  Status = "loading"
	StatusLoaded   Status = "loaded"
	StatusUnloaded Status = "unloaded"
	StatusError    Status = "error"
)

// Loader constructs the runtime handle for a spec. Callers provide this so
// the service stays agnostic of embedding vs. chat backend concretes.
type Loader func(spec registry.ModelSpec) (any, error)

// Info is the service's view of one model's lifecycle.
type Info struct {
	ModelID  string
	Status   Status
	LoadedAt time.Time
	Err      error
}

type slot struct {
	mu      sync.Mutex // guards load/unload for this one model id
	info    Info
	handle  any
}

// Service tracks the loaded/unloaded state of every model in reg.
type Service struct {
	reg *registry.Registry

	mu       sync.RWMutex
	slots    map[string]*slot
	defaults map[registry.Task]string // task -> id of its first successful load
}

// New builds a Service bound to reg. All models start Unloaded.
func New(reg *registry.Registry) *Service {
	return &Service{reg: reg, slots: make(map[string]*slot), defaults: make(map[registry.Task]string)}
}

func (s *Service) slotFor(modelID string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[modelID]
	if !ok {
		sl = &slot{info: Info{ModelID: modelID, Status: StatusUnloaded}}
		s.slots[modelID] = sl
	}
	return sl
}

// Load loads modelID using loader, idempotently: a repeat call against an
// already-loaded model returns without re-invoking loader, and a
// concurrent call blocks until the in-flight load finishes and then does
// the same.
func (s *Service) Load(modelID string, loader Loader) error {
	spec, err := s.reg.Get(modelID)
	if err != nil {
		return err
	}

	sl := s.slotFor(modelID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.info.Status == StatusLoaded {
		return nil
	}

	sl.info.Status = StatusLoading
	handle, err := loader(spec)
	if err != nil {
		sl.info.Status = StatusError
		sl.info.Err = err
		return fmt.Errorf("modelservice: load %s: %w", modelID, err)
	}

	sl.handle = handle
	sl.info.Status = StatusLoaded
	sl.info.LoadedAt = timeNow()
	sl.info.Err = nil

	s.mu.Lock()
	if _, ok := s.defaults[spec.Task]; !ok {
		s.defaults[spec.Task] = modelID
	}
	s.mu.Unlock()

	return nil
}

// Unload marks modelID unloaded and drops its handle. It is a no-op for a
// model that was never loaded.
func (s *Service) Unload(modelID string) error {
	s.mu.RLock()
	sl, ok := s.slots[modelID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.handle = nil
	sl.info.Status = StatusUnloaded
	return nil
}

// Get returns the live handle for modelID, or an error if it is not
// currently loaded.
func (s *Service) Get(modelID string) (any, error) {
	s.mu.RLock()
	sl, ok := s.slots[modelID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("modelservice: %s is not loaded", modelID)
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.info.Status != StatusLoaded {
		return nil, fmt.Errorf("modelservice: %s is not loaded (status=%s)", modelID, sl.info.Status)
	}
	return sl.handle, nil
}

// IsLoaded reports whether modelID currently has a loaded handle.
func (s *Service) IsLoaded(modelID string) bool {
	s.mu.RLock()
	sl, ok := s.slots[modelID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.info.Status == StatusLoaded
}

// Info returns the current lifecycle info for modelID.
func (s *Service) Info(modelID string) (Info, bool) {
	s.mu.RLock()
	sl, ok := s.slots[modelID]
	s.mu.RUnlock()
	if !ok {
		return Info{}, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.info, true
}

// DefaultFor returns the id of the first model that successfully loaded
// for task, matching original_source's model_service.py
// (default_models.setdefault(model_type, model_id), set only on a
// successful load, not read straight off the registry).
func (s *Service) DefaultFor(task registry.Task) (string, error) {
	s.mu.RLock()
	id, ok := s.defaults[task]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("modelservice: no model has successfully loaded yet for task %s", task)
	}
	return id, nil
}

// ListLoaded returns the ids of every model currently in StatusLoaded.
func (s *Service) ListLoaded() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, sl := range s.slots {
		sl.mu.Lock()
		loaded := sl.info.Status == StatusLoaded
		sl.mu.Unlock()
		if loaded {
			out = append(out, id)
		}
	}
	return out
}

// timeNow is indirected so tests could substitute a fixed clock if needed.
var timeNow = time.Now
