package realtime

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
	"github.com/D-Astudillo-ASC/collaborative-editor/db"
	"github.com/D-Astudillo-ASC/collaborative-editor/hub"
	"github.com/D-Astudillo-ASC/collaborative-editor/security"
)

// authWait bounds how long an unauthenticated connection may sit on the
// socket before sending its auth frame.
const authWait = 10 * time.Second

// Gateway upgrades websocket connections, authenticates them, and
// routes frames between clients and hubs.
type Gateway struct {
	verifier security.Verifier
	users    *db.Users
	docs     *db.Documents
	registry *hub.Registry
	upgrader websocket.Upgrader
	logger   *logrus.Entry
}

func NewGateway(verifier security.Verifier, users *db.Users, docs *db.Documents, registry *hub.Registry, frontendOrigin string) *Gateway {
	g := &Gateway{
		verifier: verifier,
		users:    users,
		docs:     docs,
		registry: registry,
		logger:   common.Logger.WithField("component", "gateway"),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if frontendOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == frontendOrigin
		},
	}
	return g
}

// Handle is the echo route for the realtime channel.
func (g *Gateway) Handle(c echo.Context) error {
	conn, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return nil
	}
	g.serve(c.Request().Context(), conn, c.Request())
	return nil
}

// serve authenticates the handshake and runs the connection pumps.
// Unauthenticated connections are refused.
func (g *Gateway) serve(ctx context.Context, conn *websocket.Conn, r *http.Request) {
	user, err := g.authenticate(ctx, conn, r)
	if err != nil {
		reason := "unauthenticated"
		if msg := common.Message(err); msg != "" {
			reason = msg
		}
		data, _ := errorMessage("", reason, false).Encode()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, data)
		conn.Close()
		return
	}

	client := newClient(conn, user, g)
	go client.writePump()
	client.readPump()
}

// authenticate accepts the token from the Authorization header or, for
// browser clients that cannot set headers on websocket handshakes, from
// a first frame of type auth.
func (g *Gateway) authenticate(ctx context.Context, conn *websocket.Conn, r *http.Request) (*db.User, error) {
	raw := bearerToken(r.Header.Get(echo.HeaderAuthorization))
	if raw == "" {
		conn.SetReadDeadline(time.Now().Add(authWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, common.E(common.KindUnauthenticated, "auth_frame_missing")
		}
		msg, err := DecodeMessage(data)
		if err != nil || msg.Type != TypeAuth || msg.Token == "" {
			return nil, common.E(common.KindUnauthenticated, "auth_frame_missing")
		}
		raw = msg.Token
	}

	claims, err := g.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	return g.users.Upsert(ctx, claims.Subject, db.Profile{
		Email:     claims.Email,
		Name:      claims.Name,
		AvatarURL: claims.AvatarURL,
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// handleMessage dispatches one authenticated inbound frame.
func (g *Gateway) handleMessage(c *Client, msg *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	docID, err := uuid.Parse(msg.DocumentID)
	if err != nil {
		c.enqueueMessage(errorMessage(msg.DocumentID, "invalid_document_id", false))
		return
	}

	switch msg.Type {
	case TypeJoin:
		g.handleJoin(ctx, c, docID, msg.Token)
	case TypeLeave:
		if peer, ok := c.detach(docID); ok {
			peer.hub.Leave(c.id)
		}
	case TypeUpdate:
		g.handleUpdate(ctx, c, docID, msg.Payload)
	case TypePresence:
		if peer, ok := c.room(docID); ok {
			peer.hub.Presence(c.id, msg.Payload)
		}
	default:
		c.enqueueMessage(errorMessage(msg.DocumentID, "unknown_message_type", false))
	}
}

// handleJoin authorizes room membership independently per document:
// either the caller has a role on the document or the presented share
// token grants one.
func (g *Gateway) handleJoin(ctx context.Context, c *Client, docID uuid.UUID, shareToken string) {
	doc, err := g.docs.Get(ctx, docID)
	if err != nil {
		c.enqueueMessage(errorMessage(docID.String(), "document_not_found", false))
		return
	}
	if doc.ArchivedAt != nil {
		c.enqueueMessage(errorMessage(docID.String(), "document_not_found", false))
		return
	}

	role, err := g.docs.RoleOf(ctx, c.user.ID, docID)
	if err != nil {
		c.enqueueMessage(errorMessage(docID.String(), "transient", true))
		return
	}
	if role == db.RoleNone && shareToken != "" {
		role, err = g.docs.ResolveShareLink(ctx, docID, shareToken)
		if err != nil {
			c.enqueueMessage(errorMessage(docID.String(), "transient", true))
			return
		}
	}
	if !role.CanRead() {
		c.enqueueMessage(errorMessage(docID.String(), "forbidden", false))
		return
	}

	h := g.registry.Get(docID)
	peer := &roomPeer{client: c, hub: h, role: role}
	// The hub delivers the init frame itself, under its mutex, so no
	// concurrent broadcast can reach this connection ahead of it.
	if err := h.Join(ctx, peer); err != nil {
		c.enqueueMessage(errorMessage(docID.String(), joinFailureReason(err), common.KindOf(err) == common.KindTransient))
		return
	}
	c.attach(docID, peer)
}

func joinFailureReason(err error) string {
	switch common.KindOf(err) {
	case common.KindNotFound:
		return "document_not_found"
	case common.KindInconsistentState:
		return "inconsistent_state"
	case common.KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

func (g *Gateway) handleUpdate(ctx context.Context, c *Client, docID uuid.UUID, payload []byte) {
	peer, ok := c.room(docID)
	if !ok {
		c.enqueueMessage(errorMessage(docID.String(), "not_joined", false))
		return
	}
	if _, err := peer.hub.Submit(ctx, peer, payload); err != nil {
		switch common.KindOf(err) {
		case common.KindForbidden:
			c.enqueueMessage(errorMessage(docID.String(), "forbidden", false))
		case common.KindValidation:
			c.enqueueMessage(errorMessage(docID.String(), "invalid_update", false))
		default:
			// Transient persistence failures are retryable for this
			// peer; the rest of the room is unaffected.
			c.enqueueMessage(errorMessage(docID.String(), "append_failed", true))
		}
	}
}
