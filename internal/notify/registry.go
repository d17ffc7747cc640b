package notify

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Registry holds the guarded channel adapters by name
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
	guard    GuardSettings
}

// NewRegistry creates an empty registry; every registered channel gets guard applied
func NewRegistry(guard GuardSettings) *Registry {
	return &Registry{
		channels: make(map[string]Channel),
		guard:    guard,
	}
}

// Register adds or replaces a channel
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = Guard(ch, r.guard)
	log.Printf("Notify: registered channel %s", ch.Name())
}

// Get returns the channel registered under name
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Names lists registered channels in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
