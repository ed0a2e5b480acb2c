package hub

import (
	"github.com/google/uuid"

	"github.com/D-Astudillo-ASC/collaborative-editor/db"
)

// PeerInfo is the public identity of a connected peer.
type PeerInfo struct {
	PeerID string
	UserID uuid.UUID
	Name   string
	Role   db.Role
}

// Peer is a connected client from the hub's point of view. Deliver must
// not block: implementations enqueue to a bounded buffer and return
// false when the peer is too slow to keep up.
type Peer interface {
	ID() string
	UserID() uuid.UUID
	Name() string
	Role() db.Role
	Deliver(documentID uuid.UUID, event any) bool
}

// InitEvent hands a joining peer everything it needs to reconstruct
// the document: the latest snapshot (if any) and the log tail after it.
type InitEvent struct {
	Snapshot    []byte
	SnapshotSeq int64
	Updates     []UpdateEvent
	Peers       []PeerInfo
}

// UpdateEvent is a broadcast CRDT update with its assigned sequence.
type UpdateEvent struct {
	Seq    int64
	Update []byte
}

// PresenceEvent relays one peer's opaque awareness blob.
type PresenceEvent struct {
	PeerID string
	Data   []byte
}

// PresenceRequestEvent asks a connected peer to republish its presence
// so a late joiner sees existing cursors immediately.
type PresenceRequestEvent struct{}

// PeerJoinedEvent announces a new room member.
type PeerJoinedEvent struct {
	PeerID string
	Name   string
}

// PeerLeftEvent announces a departure; receivers drop the peer's
// presence.
type PeerLeftEvent struct {
	PeerID string
	Name   string
}

// ActivePeersEvent resynchronizes the room roster after membership
// changes.
type ActivePeersEvent struct {
	Peers []PeerInfo
}

// ExecuteResultEvent carries a finished execution result into the
// document room.
type ExecuteResultEvent struct {
	Payload any
}
