// Package cluster tracks known peers and their liveness. The registry
// supplies the live-peer snapshots all quorum math is computed over.
package cluster

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/docmesh/docmesh/pkg/model"
)

func NewRegistry(self model.Node, logger *slog.Logger) *Registry {
	r := &Registry{
		self:   self,
		peers:  make(map[string]*model.Peer),
		logger: logger.With("component", "registry"),
		now:    time.Now,
	}
	// the local node is always a live member of its own cluster view
	r.peers[self.ID] = &model.Peer{
		Node:       self,
		LastSeenAt: r.now(),
		Status:     model.PeerStatusActive,
	}
	return r
}

// Registry is the peer table. Entries are created lazily on first contact
// and flip to inactive when the liveness threshold elapses; they are never
// hard-deleted so open transactions keep their references valid.
type Registry struct {
	mu sync.RWMutex

	self   model.Node
	peers  map[string]*model.Peer
	logger *slog.Logger

	// now is swappable for tests
	now func() time.Time
}

// Self returns the local node.
func (r *Registry) Self() model.Node {
	return r.self
}

// Touch refreshes the peer's last-seen timestamp, creating the entry on
// first contact. Any inbound message counts as contact.
func (r *Registry) Touch(node model.Node) {
	if node.ID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[node.ID]
	if !ok {
		p = &model.Peer{Node: node}
		r.peers[node.ID] = p
		r.logger.Info("new peer registered", "peer", node.ID, "address", node.Address)
	}
	if node.Address != "" {
		p.Address = node.Address
	}
	p.LastSeenAt = r.now()
	if p.Status != model.PeerStatusActive {
		p.Status = model.PeerStatusActive
		r.logger.Info("peer back to active", "peer", node.ID)
	}
}

// Live returns a consistent snapshot of the active peers, self included,
// sorted by id. Quorum math must be computed over one snapshot, never over
// repeated individual lookups.
func (r *Registry) Live() []model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	live := make([]model.Node, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Status == model.PeerStatusActive {
			live = append(live, p.Node)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	return live
}

// LiveCount returns the size of the current live-peer set.
func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, p := range r.peers {
		if p.Status == model.PeerStatusActive {
			count++
		}
	}
	return count
}

// QuorumSize returns the majority threshold over the current live set,
// floor(live/2)+1.
func (r *Registry) QuorumSize() int {
	return Quorum(r.LiveCount())
}

// Quorum is the majority threshold for a set of n members.
func Quorum(n int) int {
	return n/2 + 1
}

// Snapshot returns a copy of every known peer, active or not, sorted by id.
func (r *Registry) Snapshot() []model.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]model.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		all = append(all, *p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// Lookup returns the peer entry for an id.
func (r *Registry) Lookup(id string) (model.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[id]
	if !ok {
		return model.Peer{}, false
	}
	return *p, true
}

// ExpireSilent marks peers inactive when they have been silent longer than
// threshold, and returns how many flipped. The local node never expires.
func (r *Registry) ExpireSilent(threshold time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	expired := 0
	for id, p := range r.peers {
		if id == r.self.ID || p.Status != model.PeerStatusActive {
			continue
		}
		if now.Sub(p.LastSeenAt) > threshold {
			p.Status = model.PeerStatusInactive
			expired++
			r.logger.Info("peer marked inactive", "peer", id, "last_seen", p.LastSeenAt)
		}
	}
	return expired
}
