package roster

import (
	"strings"
	"sync"
)

// Roster maps owner ids to display names.
type Roster struct {
	mu    sync.RWMutex
	names map[string]string
}

// New copies names into a roster.
func New(names map[string]string) *Roster {
	r := &Roster{names: make(map[string]string, len(names))}
	for id, name := range names {
		r.Set(id, name)
	}
	return r
}

// DisplayName returns the name registered for ownerID.
func (r *Roster) DisplayName(ownerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[ownerID]
	return name, ok
}

// Set registers or clears a name. Blank names remove the entry.
func (r *Roster) Set(ownerID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name = strings.TrimSpace(name)
	if name == "" {
		delete(r.names, ownerID)
		return
	}
	r.names[ownerID] = name
}

// Len returns the number of known owners.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}
