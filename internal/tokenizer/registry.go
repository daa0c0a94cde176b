package tokenizer

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownHandle is returned for registry ids that are not open.
var ErrUnknownHandle = errors.New("unknown tokenizer handle")

// HandleInfo is a registry listing entry.
type HandleInfo struct {
	ID    string `json:"id"`
	Path  string `json:"path"`
	State string `json:"state"`
}

// Registry hands out opaque ids for independent handles.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
	opts    []Option
}

// NewRegistry returns an empty registry. opts are applied to every handle it
// opens.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
		opts:    opts,
	}
}

// Open loads modelPath into a new handle and registers it. Nothing is
// registered when the load fails.
func (r *Registry) Open(modelPath string) (string, error) {
	h := NewHandle(r.opts...)
	if err := h.Load(modelPath); err != nil {
		return "", err
	}

	id := uuid.NewString()

	r.mu.Lock()
	r.handles[id] = h
	r.mu.Unlock()

	return id, nil
}

// Get returns the handle registered under id.
func (r *Registry) Get(id string) (*Handle, error) {
	r.mu.RLock()
	h, ok := r.handles[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandle, id)
	}
	return h, nil
}

// Close unloads and unregisters the handle under id.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	h, ok := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownHandle, id)
	}
	return h.Close()
}

// List returns the open handles sorted by id.
func (r *Registry) List() []HandleInfo {
	r.mu.RLock()
	out := make([]HandleInfo, 0, len(r.handles))
	for id, h := range r.handles {
		out = append(out, HandleInfo{ID: id, Path: h.Path(), State: h.State().String()})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseAll unloads every handle.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
}
