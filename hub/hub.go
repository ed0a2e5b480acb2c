// Package hub hosts the per-document coordinators. Each Hub serializes
// load, append+broadcast, and snapshot bookkeeping for one document
// behind a single mutex; different documents proceed fully in parallel.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
	"github.com/D-Astudillo-ASC/collaborative-editor/config"
	"github.com/D-Astudillo-ASC/collaborative-editor/crdt"
	"github.com/D-Astudillo-ASC/collaborative-editor/db"
)

// UpdateLog is the slice of the persistence layer a hub needs.
// *db.UpdateLog satisfies it; tests use an in-memory fake.
type UpdateLog interface {
	Append(ctx context.Context, documentID uuid.UUID, actorID *uuid.UUID, update []byte) (int64, error)
	Tail(ctx context.Context, documentID uuid.UUID, afterSeq int64) ([]db.UpdateEntry, error)
	State(ctx context.Context, documentID uuid.UUID) (*db.StateRecord, error)
	SnapshotMark(ctx context.Context, documentID uuid.UUID, seq int64, objectKey string, prune bool) error
}

// SnapshotStore is the slice of the blob layer a hub needs.
// *storage.Snapshots satisfies it. A nil store disables snapshots;
// documents then load by full log replay.
type SnapshotStore interface {
	Put(ctx context.Context, documentID uuid.UUID, seq int64, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

type peerState struct {
	peer     Peer
	presence []byte
}

// Hub coordinates one document: connected peers, presence, the cached
// CRDT state, and snapshot triggers.
type Hub struct {
	documentID uuid.UUID
	log        UpdateLog
	snapshots  SnapshotStore
	cfg        config.SnapshotConfig
	logger     *logrus.Entry

	mu     sync.Mutex
	loaded bool

	state       *crdt.State
	appliedSeq  int64
	snapshotSeq int64 // seq of the snapshot the hub holds bytes for

	snapshotBytes    []byte
	tailBuf          []UpdateEvent // entries after snapshotSeq, for init
	pendingUpdates   int
	lastSnapshotAt   time.Time
	snapshotInFlight bool

	peers      map[string]*peerState
	emptySince time.Time
}

// New builds an unloaded hub. Loading happens on first join.
func New(documentID uuid.UUID, log UpdateLog, snapshots SnapshotStore, cfg config.SnapshotConfig) *Hub {
	return &Hub{
		documentID: documentID,
		log:        log,
		snapshots:  snapshots,
		cfg:        cfg,
		logger:     common.Logger.WithField("document", documentID.String()),
		peers:      make(map[string]*peerState),
		emptySince: time.Now(),
	}
}

// Join authorizes happened upstream; here the hub loads state if
// needed, delivers the init payload to the peer, and registers it for
// broadcasts. The init is enqueued before the peer becomes visible to
// broadcastLocked and both happen under the hub mutex, so no broadcast
// with a sequence the init does not cover can precede it on the wire.
func (h *Hub) Join(ctx context.Context, peer Peer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureLoadedLocked(ctx); err != nil {
		return err
	}

	init := &InitEvent{
		Snapshot:    h.snapshotBytes,
		SnapshotSeq: h.snapshotSeq,
		Updates:     append([]UpdateEvent(nil), h.tailBuf...),
		Peers:       h.peerInfosLocked(),
	}
	if !peer.Deliver(h.documentID, init) {
		return common.E(common.KindTransient, "peer send buffer full during join")
	}

	h.broadcastLocked(peer.ID(), PeerJoinedEvent{PeerID: peer.ID(), Name: peer.Name()})
	// Existing peers republish their cursors for the newcomer.
	h.broadcastLocked(peer.ID(), PresenceRequestEvent{})

	h.peers[peer.ID()] = &peerState{peer: peer}
	h.emptySince = time.Time{}
	h.broadcastLocked(peer.ID(), ActivePeersEvent{Peers: h.peerInfosLocked()})
	return nil
}

// Leave removes the peer. Its presence vanishes with it.
func (h *Hub) Leave(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ps, ok := h.peers[peerID]
	if !ok {
		return
	}
	delete(h.peers, peerID)
	h.broadcastLocked(peerID, PeerLeftEvent{PeerID: peerID, Name: ps.peer.Name()})
	h.broadcastLocked(peerID, ActivePeersEvent{Peers: h.peerInfosLocked()})
	if len(h.peers) == 0 {
		h.emptySince = time.Now()
	}
}

// Submit handles one update from a peer: authorize, persist, apply to
// cache, broadcast to the rest of the room, and maybe kick a snapshot.
// Returns the assigned sequence.
func (h *Hub) Submit(ctx context.Context, peer Peer, update []byte) (int64, error) {
	if !peer.Role().CanEdit() {
		return 0, common.E(common.KindForbidden, "role does not permit editing")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureLoadedLocked(ctx); err != nil {
		return 0, err
	}

	actorID := peer.UserID()
	seq, err := h.log.Append(ctx, h.documentID, &actorID, update)
	if err != nil {
		return 0, err
	}

	// Persistence is authoritative; a cache apply failure only degrades
	// until the next reload.
	if err := h.state.Apply(update); err != nil {
		h.logger.WithError(err).Warn("failed to apply update to cached state")
	} else {
		h.appliedSeq = seq
	}

	ev := UpdateEvent{Seq: seq, Update: update}
	h.tailBuf = append(h.tailBuf, ev)
	h.pendingUpdates++
	h.broadcastLocked(peer.ID(), ev)

	h.maybeSnapshotLocked()
	return seq, nil
}

// Presence stores and relays a peer's opaque awareness blob. Empty data
// clears the record.
func (h *Hub) Presence(peerID string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ps, ok := h.peers[peerID]
	if !ok {
		return
	}
	ps.presence = data
	h.broadcastLocked(peerID, PresenceEvent{PeerID: peerID, Data: data})
}

// Broadcast delivers an event to every peer in the room.
func (h *Hub) Broadcast(event any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked("", event)
}

// PeerCount reports connected peers.
func (h *Hub) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// idleSince reports how long the room has been empty; zero duration
// means occupied.
func (h *Hub) idleSince(now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.peers) > 0 || h.emptySince.IsZero() {
		return 0
	}
	return now.Sub(h.emptySince)
}

func (h *Hub) peerInfosLocked() []PeerInfo {
	infos := make([]PeerInfo, 0, len(h.peers))
	for _, ps := range h.peers {
		infos = append(infos, PeerInfo{
			PeerID: ps.peer.ID(),
			UserID: ps.peer.UserID(),
			Name:   ps.peer.Name(),
			Role:   ps.peer.Role(),
		})
	}
	return infos
}

func (h *Hub) broadcastLocked(excludePeerID string, event any) {
	for id, ps := range h.peers {
		if id == excludePeerID {
			continue
		}
		if !ps.peer.Deliver(h.documentID, event) {
			h.logger.WithField("peer", id).Warn("dropping slow peer")
		}
	}
}

// ensureLoadedLocked runs the load protocol once. Concurrent joins
// queue on the hub mutex, so exactly one of them performs the load.
func (h *Hub) ensureLoadedLocked(ctx context.Context) error {
	if h.loaded {
		return nil
	}

	rec, err := h.log.State(ctx, h.documentID)
	if err != nil {
		return err
	}

	state := crdt.NewState()
	var appliedSeq, snapshotSeq int64
	var snapshotBytes []byte

	if rec.LatestSnapshotKey != nil && h.snapshots != nil {
		data, err := h.snapshots.Get(ctx, *rec.LatestSnapshotKey)
		if err == nil {
			if s, derr := crdt.NewStateFromSnapshot(data); derr == nil {
				state = s
				appliedSeq = rec.LatestSnapshotSeq
				snapshotSeq = rec.LatestSnapshotSeq
				snapshotBytes = data
			} else {
				h.logger.WithError(derr).Warn("snapshot bytes are corrupt; falling back to full replay")
			}
		} else {
			h.logger.WithError(err).Warn("snapshot fetch failed; falling back to full replay")
		}
		if snapshotBytes == nil {
			pruned, perr := h.logPruned(ctx)
			if perr != nil {
				return perr
			}
			if pruned {
				// The prefix of the log is gone and the snapshot that
				// replaced it is unreadable.
				return common.E(common.KindInconsistentState, "snapshot unreadable and update log pruned")
			}
		}
	}

	entries, err := h.log.Tail(ctx, h.documentID, appliedSeq)
	if err != nil {
		return err
	}
	tailBuf := make([]UpdateEvent, 0, len(entries))
	for _, e := range entries {
		if err := state.Apply(e.Update); err != nil {
			h.logger.WithError(err).WithField("seq", e.Seq).Warn("skipping unappliable log entry")
			continue
		}
		appliedSeq = e.Seq
		tailBuf = append(tailBuf, UpdateEvent{Seq: e.Seq, Update: e.Update})
	}

	h.state = state
	h.appliedSeq = appliedSeq
	h.snapshotSeq = snapshotSeq
	h.snapshotBytes = snapshotBytes
	h.tailBuf = tailBuf
	h.pendingUpdates = len(tailBuf)
	h.lastSnapshotAt = time.Now()
	h.loaded = true
	return nil
}

// logPruned reports whether entries have been deleted from the front of
// the log.
func (h *Hub) logPruned(ctx context.Context) (bool, error) {
	entries, err := h.log.Tail(ctx, h.documentID, 0)
	if err != nil {
		return false, err
	}
	if len(entries) > 0 {
		return entries[0].Seq > 1, nil
	}
	rec, err := h.log.State(ctx, h.documentID)
	if err != nil {
		return false, err
	}
	return rec.LatestUpdateSeq > 0, nil
}

// maybeSnapshotLocked kicks an asynchronous snapshot when either
// trigger fires. The upload runs outside the hub mutex; on failure the
// counters stay put so the next trigger retries.
func (h *Hub) maybeSnapshotLocked() {
	if h.snapshots == nil || h.snapshotInFlight {
		return
	}
	countDue := h.pendingUpdates >= h.cfg.EveryNUpdates
	timeDue := h.cfg.Every > 0 && time.Since(h.lastSnapshotAt) >= h.cfg.Every && h.pendingUpdates > 0
	if !countDue && !timeDue {
		return
	}

	seq := h.appliedSeq
	data := h.state.Encode()
	h.snapshotInFlight = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		key, err := h.snapshots.Put(ctx, h.documentID, seq, data)
		if err == nil {
			err = h.log.SnapshotMark(ctx, h.documentID, seq, key, h.cfg.Prune)
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		h.snapshotInFlight = false
		if err != nil {
			// Snapshot failures never block edits; counters are left
			// unchanged so the next trigger retries.
			h.logger.WithError(err).WithField("seq", seq).Warn("snapshot failed")
			return
		}

		h.snapshotSeq = seq
		h.snapshotBytes = data
		h.lastSnapshotAt = time.Now()
		// Drop buffered entries the snapshot now covers.
		kept := h.tailBuf[:0]
		for _, ev := range h.tailBuf {
			if ev.Seq > seq {
				kept = append(kept, ev)
			}
		}
		h.tailBuf = kept
		h.pendingUpdates = len(kept)
		h.logger.WithField("seq", seq).Debug("snapshot stored")
	}()
}
