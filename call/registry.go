package call

import "sync"

// Config is the per-call agent configuration captured at initiation.
type Config struct {
	Prompt   string
	Greeting string
}

type registryEntry struct {
	config  Config
	claimed bool
}

// Registry holds configurations for calls that have been placed but have not
// finished. The initiator adds entries; the bridge claims and removes them.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Put registers a call. It reports false if callID is already present.
func (r *Registry) Put(callID string, cfg Config) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[callID]; ok {
		return false
	}
	r.entries[callID] = &registryEntry{config: cfg}
	return true
}

// Claim hands the configuration to the single bridge allowed to run the call.
// It fails for unknown calls and for calls another bridge already claimed.
func (r *Registry) Claim(callID string) (Config, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[callID]
	if !ok || e.claimed {
		return Config{}, false
	}
	e.claimed = true
	return e.config, true
}

// Contains reports whether callID is registered and not yet finished.
func (r *Registry) Contains(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[callID]
	return ok
}

func (r *Registry) Delete(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, callID)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
