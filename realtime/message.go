// Package realtime is the websocket gateway: it authenticates
// connections, speaks the JSON wire protocol, and bridges each
// connection into the per-document hubs.
package realtime

import (
	"encoding/json"

	"github.com/D-Astudillo-ASC/collaborative-editor/db"
)

// Message type identifiers. Binary payloads (CRDT updates, snapshots,
// presence blobs) travel base64-encoded inside the JSON envelope, which
// encoding/json does for []byte fields automatically.
const (
	TypeAuth            = "auth"
	TypeJoin            = "join"
	TypeLeave           = "leave"
	TypeUpdate          = "update"
	TypePresence        = "presence"
	TypePresenceRequest = "presence-request"
	TypePeerJoined      = "peer-joined"
	TypePeerLeft        = "peer-left"
	TypeActivePeers     = "active-peers"
	TypeInit            = "init"
	TypeExecuteResult   = "execute-result"
	TypeError           = "error"
)

// PeerRef identifies a room member on the wire.
type PeerRef struct {
	PeerID string  `json:"peerId"`
	Name   string  `json:"name"`
	Role   db.Role `json:"role"`
}

// WireUpdate is one sequenced update inside an init payload.
type WireUpdate struct {
	Seq    int64  `json:"seq"`
	Update []byte `json:"update"`
}

// Message is the single envelope for every frame in either direction.
// Fields are omitted when not relevant to the message type.
type Message struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId,omitempty"`

	// Auth / join.
	Token string `json:"token,omitempty"`

	// Updates and presence.
	Seq     int64  `json:"seq,omitempty"`
	Payload []byte `json:"payload,omitempty"`

	// Peer lifecycle.
	PeerID string    `json:"peerId,omitempty"`
	Name   string    `json:"name,omitempty"`
	Peers  []PeerRef `json:"peers,omitempty"`

	// Init.
	Snapshot    []byte       `json:"snapshot,omitempty"`
	SnapshotSeq int64        `json:"snapshotSeq,omitempty"`
	Updates     []WireUpdate `json:"updates,omitempty"`
	Role        db.Role      `json:"role,omitempty"`

	// Execution results.
	Result json.RawMessage `json:"result,omitempty"`

	// Errors.
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Encode marshals a message for the write pump.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses one inbound frame.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func errorMessage(documentID, reason string, retryable bool) *Message {
	return &Message{Type: TypeError, DocumentID: documentID, Reason: reason, Retryable: retryable}
}
