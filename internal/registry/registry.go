package registry

import (
	"sync"
	"time"

	"exlink/internal/models"
)

// StaleAfter is the canonical staleness threshold: a peer unseen for longer
// than this is evicted by the periodic sweep.
const StaleAfter = 15 * time.Second

// Registry is the in-memory table of known peers, keyed by peer id.
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*models.Peer
}

func New() *Registry {
	return &Registry{peers: make(map[string]*models.Peer)}
}

// Upsert inserts or merge-updates a peer by id and refreshes lastSeen.
// Fields the new sighting leaves empty keep their previously-known values,
// so an /announce without an OS does not erase one learned from broadcast.
func (r *Registry) Upsert(p models.Peer) {
	if p.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.peers[p.ID]
	if !ok {
		p.LastSeen = time.Now()
		r.peers[p.ID] = &p
		return
	}

	if p.Name != "" {
		existing.Name = p.Name
	}
	if p.IP != "" {
		existing.IP = p.IP
	}
	if p.Port != 0 {
		existing.Port = p.Port
	}
	if p.Platform != "" {
		existing.Platform = p.Platform
	}
	if p.OS != "" {
		existing.OS = p.OS
	}
	if p.Brand != "" {
		existing.Brand = p.Brand
	}
	existing.LastSeen = time.Now()
}

// Get returns a copy of the peer with the given id.
func (r *Registry) Get(id string) (models.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return models.Peer{}, false
	}
	return *p, true
}

// List returns a snapshot of all known peers.
func (r *Registry) List() []models.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// EvictStale removes every peer unseen for longer than threshold and
// reports whether the set changed.
func (r *Registry) EvictStale(threshold time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	changed := false
	for id, p := range r.peers {
		if now.Sub(p.LastSeen) > threshold {
			delete(r.peers, id)
			changed = true
		}
	}
	return changed
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[string]*models.Peer)
}
