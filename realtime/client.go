package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/D-Astudillo-ASC/collaborative-editor/db"
	"github.com/D-Astudillo-ASC/collaborative-editor/hub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // generous; CRDT updates are small, snapshots are not sent inbound

	sendBufferSize = 256
)

// Client is one websocket connection. A connection belongs to one
// authenticated user and may be joined to any number of document rooms,
// each with its own role.
type Client struct {
	id      string
	user    *db.User
	conn    *websocket.Conn
	gateway *Gateway
	logger  *logrus.Entry

	send   chan []byte
	sendMu sync.Mutex
	closed bool

	mu    sync.Mutex
	rooms map[uuid.UUID]*roomPeer
}

// roomPeer is the client's identity inside one document room. It exists
// because roles are per-document while the connection is per-user.
type roomPeer struct {
	client *Client
	hub    *hub.Hub
	role   db.Role
}

func (p *roomPeer) ID() string        { return p.client.id }
func (p *roomPeer) UserID() uuid.UUID { return p.client.user.ID }
func (p *roomPeer) Name() string      { return p.client.user.Name }
func (p *roomPeer) Role() db.Role     { return p.role }

// Deliver runs under the hub mutex. The init carries the peer's own
// role, so it is translated here rather than in translateEvent.
func (p *roomPeer) Deliver(documentID uuid.UUID, event any) bool {
	if init, ok := event.(*hub.InitEvent); ok {
		return p.client.enqueueMessage(initMessage(documentID, p.role, init))
	}
	return p.client.deliver(documentID, event)
}

func newClient(conn *websocket.Conn, user *db.User, gateway *Gateway) *Client {
	id := uuid.NewString()
	return &Client{
		id:      id,
		user:    user,
		conn:    conn,
		gateway: gateway,
		logger:  gateway.logger.WithFields(logrus.Fields{"conn": id, "user": user.ID.String()}),
		send:    make(chan []byte, sendBufferSize),
		rooms:   make(map[uuid.UUID]*roomPeer),
	}
}

// deliver translates a hub event to a wire frame and enqueues it.
// Returns false when the send buffer is full; the hub treats that as a
// slow peer.
func (c *Client) deliver(documentID uuid.UUID, event any) bool {
	msg := translateEvent(documentID, event)
	if msg == nil {
		return true
	}
	return c.enqueueMessage(msg)
}

// translateEvent maps hub events onto the wire protocol.
func translateEvent(documentID uuid.UUID, event any) *Message {
	docID := documentID.String()
	switch ev := event.(type) {
	case hub.UpdateEvent:
		return &Message{Type: TypeUpdate, DocumentID: docID, Seq: ev.Seq, Payload: ev.Update}
	case hub.PresenceEvent:
		return &Message{Type: TypePresence, DocumentID: docID, PeerID: ev.PeerID, Payload: ev.Data}
	case hub.PresenceRequestEvent:
		return &Message{Type: TypePresenceRequest, DocumentID: docID}
	case hub.PeerJoinedEvent:
		return &Message{Type: TypePeerJoined, DocumentID: docID, PeerID: ev.PeerID, Name: ev.Name}
	case hub.PeerLeftEvent:
		return &Message{Type: TypePeerLeft, DocumentID: docID, PeerID: ev.PeerID, Name: ev.Name}
	case hub.ActivePeersEvent:
		peers := make([]PeerRef, 0, len(ev.Peers))
		for _, p := range ev.Peers {
			peers = append(peers, PeerRef{PeerID: p.PeerID, Name: p.Name, Role: p.Role})
		}
		return &Message{Type: TypeActivePeers, DocumentID: docID, Peers: peers}
	case hub.ExecuteResultEvent:
		result, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil
		}
		return &Message{Type: TypeExecuteResult, DocumentID: docID, Result: result}
	default:
		return nil
	}
}

func initMessage(documentID uuid.UUID, role db.Role, init *hub.InitEvent) *Message {
	updates := make([]WireUpdate, 0, len(init.Updates))
	for _, u := range init.Updates {
		updates = append(updates, WireUpdate{Seq: u.Seq, Update: u.Update})
	}
	peers := make([]PeerRef, 0, len(init.Peers))
	for _, p := range init.Peers {
		peers = append(peers, PeerRef{PeerID: p.PeerID, Name: p.Name, Role: p.Role})
	}
	return &Message{
		Type:        TypeInit,
		DocumentID:  documentID.String(),
		Snapshot:    init.Snapshot,
		SnapshotSeq: init.SnapshotSeq,
		Updates:     updates,
		Peers:       peers,
		Role:        role,
	}
}

func (c *Client) enqueueMessage(msg *Message) bool {
	data, err := msg.Encode()
	if err != nil {
		c.logger.WithError(err).Error("failed to encode outbound message")
		return true
	}
	return c.enqueue(data)
}

func (c *Client) enqueue(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump consumes inbound frames until the connection dies, then
// detaches the client from every room. Frames for one document are
// handled in arrival order, which gives the per-(document, direction)
// ordering guarantee.
func (c *Client) readPump() {
	defer func() {
		c.detachAll()
		c.closeSend()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Debug("websocket closed unexpectedly")
			}
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			c.enqueueMessage(errorMessage("", "malformed_message", false))
			continue
		}
		c.gateway.handleMessage(c, msg)
	}
}

// writePump is the single writer for the connection; the FIFO channel
// preserves per-document send order.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) room(documentID uuid.UUID) (*roomPeer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.rooms[documentID]
	return p, ok
}

func (c *Client) attach(documentID uuid.UUID, peer *roomPeer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[documentID] = peer
}

func (c *Client) detach(documentID uuid.UUID) (*roomPeer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.rooms[documentID]
	if ok {
		delete(c.rooms, documentID)
	}
	return p, ok
}

func (c *Client) detachAll() {
	c.mu.Lock()
	rooms := c.rooms
	c.rooms = make(map[uuid.UUID]*roomPeer)
	c.mu.Unlock()

	for _, p := range rooms {
		p.hub.Leave(c.id)
	}
}
