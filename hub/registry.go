package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
	"github.com/D-Astudillo-ASC/collaborative-editor/config"
)

// Registry owns the process-global document→Hub map. The registry lock
// only guards lookup and insert; everything slow happens under the
// individual hub's own mutex, never this one.
type Registry struct {
	log       UpdateLog
	snapshots SnapshotStore
	cfg       config.SnapshotConfig

	mu   sync.Mutex
	hubs map[uuid.UUID]*Hub
}

func NewRegistry(log UpdateLog, snapshots SnapshotStore, cfg config.SnapshotConfig) *Registry {
	return &Registry{
		log:       log,
		snapshots: snapshots,
		cfg:       cfg,
		hubs:      make(map[uuid.UUID]*Hub),
	}
}

// Get returns the hub for a document, creating it on first access.
func (r *Registry) Get(documentID uuid.UUID) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[documentID]
	if !ok {
		h = New(documentID, r.log, r.snapshots, r.cfg)
		r.hubs[documentID] = h
	}
	return h
}

// Lookup returns the hub only if it already exists.
func (r *Registry) Lookup(documentID uuid.UUID) (*Hub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[documentID]
	return h, ok
}

// ActiveConnections sums peers across all hubs, for the health surface.
func (r *Registry) ActiveConnections() int {
	r.mu.Lock()
	hubs := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	r.mu.Unlock()

	total := 0
	for _, h := range hubs {
		total += h.PeerCount()
	}
	return total
}

// Run evicts hubs whose rooms have been empty past the idle window.
// Eviction is correctness-neutral: state is fully reconstructable from
// the log and snapshot store. Blocks until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	idle := r.cfg.HubIdle
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.evictIdle(now, idle)
		}
	}
}

// evictIdle never takes a hub mutex while holding the registry lock:
// the hub list is snapshotted first, idleness is measured outside, and
// only the map delete runs under the registry lock again.
func (r *Registry) evictIdle(now time.Time, idle time.Duration) {
	type entry struct {
		id uuid.UUID
		h  *Hub
	}
	r.mu.Lock()
	candidates := make([]entry, 0, len(r.hubs))
	for id, h := range r.hubs {
		candidates = append(candidates, entry{id: id, h: h})
	}
	r.mu.Unlock()

	for _, e := range candidates {
		if e.h.idleSince(now) < idle {
			continue
		}
		r.mu.Lock()
		if r.hubs[e.id] == e.h {
			delete(r.hubs, e.id)
			common.Logger.WithField("document", e.id.String()).Debug("evicted idle hub")
		}
		r.mu.Unlock()
	}
}
