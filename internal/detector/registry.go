package detector

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry holds shared detector backends keyed by identifier, so cameras
// pointing at the same endpoint reuse one connection and one detection lock.
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]ObjectDetector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{detectors: make(map[string]ObjectDetector)}
}

// Register adds a detector. Registering a duplicate key is an error.
func (r *Registry) Register(key string, det ObjectDetector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.detectors[key]; exists {
		return fmt.Errorf("detector %q already registered", key)
	}
	r.detectors[key] = det
	return nil
}

// Get returns a detector by key.
func (r *Registry) Get(key string) (ObjectDetector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	det, ok := r.detectors[key]
	return det, ok
}

// GetOrCreate returns the detector for key, calling create on first use.
func (r *Registry) GetOrCreate(key string, create func() (ObjectDetector, error)) (ObjectDetector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if det, ok := r.detectors[key]; ok {
		return det, nil
	}
	det, err := create()
	if err != nil {
		return nil, err
	}
	r.detectors[key] = det
	return det, nil
}

// Close releases all registered detectors.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, det := range r.detectors {
		if err := det.Close(); err != nil {
			log.Warn().Err(err).Str("detector", key).Msg("error closing detector")
		}
		delete(r.detectors, key)
	}
}
