package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
	"github.com/D-Astudillo-ASC/collaborative-editor/config"
	"github.com/D-Astudillo-ASC/collaborative-editor/crdt"
	"github.com/D-Astudillo-ASC/collaborative-editor/db"
	"github.com/D-Astudillo-ASC/collaborative-editor/storage"
)

// fakeLog is an in-memory UpdateLog with the same atomicity guarantees
// as the real one.
type fakeLog struct {
	mu      sync.Mutex
	states  map[uuid.UUID]*db.StateRecord
	entries map[uuid.UUID][]db.UpdateEntry
}

func newFakeLog() *fakeLog {
	return &fakeLog{
		states:  make(map[uuid.UUID]*db.StateRecord),
		entries: make(map[uuid.UUID][]db.UpdateEntry),
	}
}

func (f *fakeLog) createDocument(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = &db.StateRecord{}
}

func (f *fakeLog) Append(ctx context.Context, documentID uuid.UUID, actorID *uuid.UUID, update []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.states[documentID]
	if !ok {
		return 0, common.E(common.KindNotFound, "document state missing")
	}
	rec.LatestUpdateSeq++
	f.entries[documentID] = append(f.entries[documentID], db.UpdateEntry{
		Seq:     rec.LatestUpdateSeq,
		ActorID: actorID,
		Update:  append([]byte(nil), update...),
	})
	return rec.LatestUpdateSeq, nil
}

func (f *fakeLog) Tail(ctx context.Context, documentID uuid.UUID, afterSeq int64) ([]db.UpdateEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.UpdateEntry
	for _, e := range f.entries[documentID] {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLog) State(ctx context.Context, documentID uuid.UUID) (*db.StateRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.states[documentID]
	if !ok {
		return nil, common.E(common.KindNotFound, "document state missing")
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeLog) SnapshotMark(ctx context.Context, documentID uuid.UUID, seq int64, objectKey string, prune bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.states[documentID]
	if !ok {
		return common.E(common.KindNotFound, "document state missing")
	}
	if rec.LatestSnapshotSeq >= seq || rec.LatestUpdateSeq < seq {
		return common.E(common.KindConflict, "snapshot pointer not advanced")
	}
	rec.LatestSnapshotSeq = seq
	rec.LatestSnapshotKey = &objectKey
	if prune {
		kept := f.entries[documentID][:0]
		for _, e := range f.entries[documentID] {
			if e.Seq > seq {
				kept = append(kept, e)
			}
		}
		f.entries[documentID] = kept
	}
	return nil
}

// fakePeer records everything delivered to it.
type fakePeer struct {
	id     string
	userID uuid.UUID
	name   string
	role   db.Role

	mu     sync.Mutex
	events []any
}

func newFakePeer(name string, role db.Role) *fakePeer {
	return &fakePeer{id: uuid.NewString(), userID: uuid.New(), name: name, role: role}
}

func (p *fakePeer) ID() string        { return p.id }
func (p *fakePeer) UserID() uuid.UUID { return p.userID }
func (p *fakePeer) Name() string      { return p.name }
func (p *fakePeer) Role() db.Role     { return p.role }

func (p *fakePeer) Deliver(documentID uuid.UUID, event any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return true
}

func (p *fakePeer) received() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.events...)
}

func (p *fakePeer) updates() []UpdateEvent {
	var out []UpdateEvent
	for _, ev := range p.received() {
		if u, ok := ev.(UpdateEvent); ok {
			out = append(out, u)
		}
	}
	return out
}

func (p *fakePeer) initEvent() *InitEvent {
	for _, ev := range p.received() {
		if init, ok := ev.(*InitEvent); ok {
			return init
		}
	}
	return nil
}

func testSnapshots() (*storage.Snapshots, *storage.MockS3Client) {
	mock := storage.NewMockS3Client()
	return storage.NewSnapshots(mock, "snapshots"), mock
}

func snapshotCfg(n int) config.SnapshotConfig {
	return config.SnapshotConfig{EveryNUpdates: n, Every: time.Hour, HubIdle: time.Minute}
}

func TestJoinEmptyDocument(t *testing.T) {
	log := newFakeLog()
	docID := uuid.New()
	log.createDocument(docID)
	snaps, _ := testSnapshots()
	h := New(docID, log, snaps, snapshotCfg(50))

	alice := newFakePeer("alice", db.RoleOwner)
	require.NoError(t, h.Join(context.Background(), alice))

	init := alice.initEvent()
	require.NotNil(t, init)
	assert.Nil(t, init.Snapshot)
	assert.Zero(t, init.SnapshotSeq)
	assert.Empty(t, init.Updates)
	assert.Empty(t, init.Peers)
}

func TestJoinMissingDocument(t *testing.T) {
	h := New(uuid.New(), newFakeLog(), nil, snapshotCfg(50))

	err := h.Join(context.Background(), newFakePeer("alice", db.RoleOwner))
	require.Error(t, err)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestTwoPeerEditIsBroadcast(t *testing.T) {
	log := newFakeLog()
	docID := uuid.New()
	log.createDocument(docID)
	h := New(docID, log, nil, snapshotCfg(50))
	ctx := context.Background()

	alice := newFakePeer("alice", db.RoleOwner)
	bob := newFakePeer("bob", db.RoleEditor)
	require.NoError(t, h.Join(ctx, alice))
	require.NoError(t, h.Join(ctx, bob))

	u1 := crdt.TextUpdate("hello ")
	u2 := crdt.TextUpdate("world")

	seq1, err := h.Submit(ctx, alice, u1)
	require.NoError(t, err)
	seq2, err := h.Submit(ctx, bob, u2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq1)
	assert.Equal(t, int64(2), seq2)

	// Each peer receives the other's update, never its own echo.
	require.Len(t, bob.updates(), 1)
	assert.Equal(t, seq1, bob.updates()[0].Seq)
	require.Len(t, alice.updates(), 1)
	assert.Equal(t, seq2, alice.updates()[0].Seq)

	rec, err := log.State(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.LatestUpdateSeq)
}

func TestJoinerInitPrecedesConcurrentUpdates(t *testing.T) {
	log := newFakeLog()
	docID := uuid.New()
	log.createDocument(docID)
	h := New(docID, log, nil, snapshotCfg(1000))
	ctx := context.Background()

	alice := newFakePeer("alice", db.RoleOwner)
	require.NoError(t, h.Join(ctx, alice))

	// Alice keeps editing while bob joins mid-stream.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			if _, err := h.Submit(ctx, alice, crdt.TextUpdate("x")); err != nil {
				return
			}
		}
	}()

	bob := newFakePeer("bob", db.RoleViewer)
	require.NoError(t, h.Join(ctx, bob))
	<-done

	events := bob.received()
	require.NotEmpty(t, events)
	init, ok := events[0].(*InitEvent)
	require.True(t, ok, "the first frame a joiner receives must be its init")

	covered := init.SnapshotSeq
	for _, u := range init.Updates {
		covered = u.Seq
	}
	for _, ev := range events[1:] {
		if u, ok := ev.(UpdateEvent); ok {
			assert.Equal(t, covered+1, u.Seq, "broadcasts must continue exactly where the init left off")
			covered = u.Seq
		}
	}
}

func TestViewerCannotEdit(t *testing.T) {
	log := newFakeLog()
	docID := uuid.New()
	log.createDocument(docID)
	h := New(docID, log, nil, snapshotCfg(50))
	ctx := context.Background()

	viewer := newFakePeer("eve", db.RoleViewer)
	require.NoError(t, h.Join(ctx, viewer))

	_, err := h.Submit(ctx, viewer, crdt.TextUpdate("nope"))
	require.Error(t, err)
	assert.Equal(t, common.KindForbidden, common.KindOf(err))

	rec, err := log.State(ctx, docID)
	require.NoError(t, err)
	assert.Zero(t, rec.LatestUpdateSeq)
}

func TestSnapshotTriggerAndPrune(t *testing.T) {
	log := newFakeLog()
	docID := uuid.New()
	log.createDocument(docID)
	snaps, mock := testSnapshots()
	cfg := snapshotCfg(3)
	cfg.Prune = true
	h := New(docID, log, snaps, cfg)
	ctx := context.Background()

	alice := newFakePeer("alice", db.RoleOwner)
	require.NoError(t, h.Join(ctx, alice))

	for _, s := range []string{"a", "b", "c"} {
		_, err := h.Submit(ctx, alice, crdt.TextUpdate(s))
		require.NoError(t, err)
	}

	// The snapshot task is asynchronous.
	require.Eventually(t, func() bool {
		rec, err := log.State(ctx, docID)
		return err == nil && rec.LatestSnapshotSeq == 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, mock.PutObjectCalled)
	tail, err := log.Tail(ctx, docID, 0)
	require.NoError(t, err)
	assert.Empty(t, tail, "entries at or below the snapshot must be pruned")

	// A fresh hub (as after eviction) reconstructs from the snapshot
	// alone, and a new joiner sees the full text with zero tail.
	h2 := New(docID, log, snaps, cfg)
	bob := newFakePeer("bob", db.RoleViewer)
	require.NoError(t, h2.Join(ctx, bob))
	init := bob.initEvent()
	require.NotNil(t, init)
	require.NotNil(t, init.Snapshot)
	assert.Equal(t, int64(3), init.SnapshotSeq)
	assert.Empty(t, init.Updates)

	state, err := crdt.NewStateFromSnapshot(init.Snapshot)
	require.NoError(t, err)
	assert.Equal(t, "abc", state.Text())
}

func TestSnapshotFailureLeavesCountersForRetry(t *testing.T) {
	log := newFakeLog()
	docID := uuid.New()
	log.createDocument(docID)
	snaps, mock := testSnapshots()
	mock.Err = assert.AnError
	h := New(docID, log, snaps, snapshotCfg(2))
	ctx := context.Background()

	alice := newFakePeer("alice", db.RoleOwner)
	require.NoError(t, h.Join(ctx, alice))

	_, err := h.Submit(ctx, alice, crdt.TextUpdate("a"))
	require.NoError(t, err)
	_, err = h.Submit(ctx, alice, crdt.TextUpdate("b"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return !h.snapshotInFlight
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := log.State(ctx, docID)
	require.NoError(t, err)
	assert.Zero(t, rec.LatestSnapshotSeq, "failed snapshot must not advance the pointer")

	// The next edit retries the snapshot; let it succeed now.
	mock.Err = nil
	_, err = h.Submit(ctx, alice, crdt.TextUpdate("c"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := log.State(ctx, docID)
		return err == nil && rec.LatestSnapshotSeq == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnreadableSnapshotWithPrunedLogIsInconsistent(t *testing.T) {
	log := newFakeLog()
	docID := uuid.New()
	log.createDocument(docID)
	snaps, _ := testSnapshots()

	// Three updates, snapshot at 3 with pruning, but the object is
	// missing from storage.
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, docID, nil, crdt.TextUpdate("x"))
		require.NoError(t, err)
	}
	require.NoError(t, log.SnapshotMark(ctx, docID, 3, "docs/gone/snapshots/3.bin", true))

	h := New(docID, log, snaps, snapshotCfg(50))
	err := h.Join(ctx, newFakePeer("alice", db.RoleOwner))
	require.Error(t, err)
	assert.Equal(t, common.KindInconsistentState, common.KindOf(err))
}

func TestUnreadableSnapshotWithFullLogFallsBackToReplay(t *testing.T) {
	log := newFakeLog()
	docID := uuid.New()
	log.createDocument(docID)
	snaps, _ := testSnapshots()

	ctx := context.Background()
	for _, s := range []string{"a", "b", "c"} {
		_, err := log.Append(ctx, docID, nil, crdt.TextUpdate(s))
		require.NoError(t, err)
	}
	// Pointer advanced but object missing, log intact.
	require.NoError(t, log.SnapshotMark(ctx, docID, 3, "docs/gone/snapshots/3.bin", false))

	h := New(docID, log, snaps, snapshotCfg(50))
	alice := newFakePeer("alice", db.RoleOwner)
	require.NoError(t, h.Join(ctx, alice))

	init := alice.initEvent()
	require.NotNil(t, init)
	assert.Nil(t, init.Snapshot)
	assert.Zero(t, init.SnapshotSeq)
	require.Len(t, init.Updates, 3)
}

func TestPresenceRelayAndPeerLifecycleEvents(t *testing.T) {
	log := newFakeLog()
	docID := uuid.New()
	log.createDocument(docID)
	h := New(docID, log, nil, snapshotCfg(50))
	ctx := context.Background()

	alice := newFakePeer("alice", db.RoleOwner)
	require.NoError(t, h.Join(ctx, alice))

	bob := newFakePeer("bob", db.RoleEditor)
	require.NoError(t, h.Join(ctx, bob))
	init := bob.initEvent()
	require.NotNil(t, init)
	require.Len(t, init.Peers, 1)
	assert.Equal(t, "alice", init.Peers[0].Name)

	// Alice learns about bob and is asked to republish her presence.
	var sawJoin, sawRequest bool
	for _, ev := range alice.received() {
		switch e := ev.(type) {
		case PeerJoinedEvent:
			sawJoin = e.Name == "bob"
		case PresenceRequestEvent:
			sawRequest = true
		}
	}
	assert.True(t, sawJoin)
	assert.True(t, sawRequest)

	h.Presence(alice.ID(), []byte("cursor@42"))
	var relayed bool
	for _, ev := range bob.received() {
		if p, ok := ev.(PresenceEvent); ok && string(p.Data) == "cursor@42" {
			relayed = true
		}
	}
	assert.True(t, relayed)

	h.Leave(alice.ID())
	var sawLeft bool
	for _, ev := range bob.received() {
		if l, ok := ev.(PeerLeftEvent); ok && l.PeerID == alice.ID() {
			sawLeft = true
		}
	}
	assert.True(t, sawLeft)
	assert.Equal(t, 1, h.PeerCount())
}

func TestRegistryEvictsIdleHubs(t *testing.T) {
	log := newFakeLog()
	docID := uuid.New()
	log.createDocument(docID)
	reg := NewRegistry(log, nil, snapshotCfg(50))

	h := reg.Get(docID)
	alice := newFakePeer("alice", db.RoleOwner)
	require.NoError(t, h.Join(context.Background(), alice))
	assert.Equal(t, 1, reg.ActiveConnections())

	// Occupied hubs are never evicted.
	reg.evictIdle(time.Now().Add(time.Hour), time.Minute)
	_, ok := reg.Lookup(docID)
	assert.True(t, ok)

	h.Leave(alice.ID())
	reg.evictIdle(time.Now().Add(time.Hour), time.Minute)
	_, ok = reg.Lookup(docID)
	assert.False(t, ok, "empty hub past the idle window must be evicted")
	assert.Equal(t, 0, reg.ActiveConnections())
}

func TestRegistryEvictsOnlyIdleHubs(t *testing.T) {
	log := newFakeLog()
	busyID, idleID := uuid.New(), uuid.New()
	log.createDocument(busyID)
	log.createDocument(idleID)
	reg := NewRegistry(log, nil, snapshotCfg(50))

	busy := reg.Get(busyID)
	require.NoError(t, busy.Join(context.Background(), newFakePeer("alice", db.RoleOwner)))
	reg.Get(idleID)

	reg.evictIdle(time.Now().Add(time.Hour), time.Minute)

	_, ok := reg.Lookup(busyID)
	assert.True(t, ok, "occupied hubs survive eviction sweeps")
	_, ok = reg.Lookup(idleID)
	assert.False(t, ok)
}
