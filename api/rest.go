// Package api exposes the HTTP surface: document and folder CRUD, share
// links, code execution, and health.
package api

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
	"github.com/D-Astudillo-ASC/collaborative-editor/config"
	"github.com/D-Astudillo-ASC/collaborative-editor/crdt"
	"github.com/D-Astudillo-ASC/collaborative-editor/db"
	"github.com/D-Astudillo-ASC/collaborative-editor/hub"
	"github.com/D-Astudillo-ASC/collaborative-editor/queue"
	"github.com/D-Astudillo-ASC/collaborative-editor/realtime"
	"github.com/D-Astudillo-ASC/collaborative-editor/sandbox"
	"github.com/D-Astudillo-ASC/collaborative-editor/security"
)

// Handlers carries the wired dependencies of every route.
type Handlers struct {
	Docs     *db.Documents
	Folders  *db.Folders
	Registry *hub.Registry
	Queue    queue.Backend
	Pool     JobSubmitter
	Limiter  ExecLimiter
	Sandbox  Availability
	Langs    map[string]sandbox.Language
	Exec     config.ExecConfig
	Stats    *ExecStats
	Started  time.Time
	Logger   *logrus.Entry
}

// SetupRoutes registers every route on the echo instance. Health and the
// websocket endpoint are public (the gateway authenticates in-band); all
// /api routes require a bearer token.
func SetupRoutes(e *echo.Echo, h *Handlers, verifier security.Verifier, users UserResolver, gw *realtime.Gateway) {
	e.GET("/health", h.Health)
	e.GET("/ws", gw.Handle)

	protected := e.Group("/api", AuthMiddleware(verifier, users))
	protected.GET("/documents", h.ListDocuments)
	protected.POST("/documents", h.CreateDocument)
	protected.GET("/documents/:id", h.GetDocument)
	protected.PATCH("/documents/:id", h.RenameDocument)
	protected.DELETE("/documents/:id", h.ArchiveDocument)
	protected.POST("/documents/:id/share-link", h.RotateShareLink)
	protected.DELETE("/documents/:id/share-link", h.RevokeShareLink)

	protected.GET("/folders", h.ListFolders)
	protected.POST("/folders", h.CreateFolder)
	protected.DELETE("/folders/:id", h.DeleteFolder)
	protected.GET("/folders/:id/documents", h.FolderContents)
	protected.POST("/folders/:id/documents", h.AssignToFolder)
	protected.DELETE("/folders/:id/documents/:documentId", h.RemoveFromFolder)

	protected.POST("/execute", h.Execute)
}

type documentResponse struct {
	ID          uuid.UUID      `json:"id"`
	Title       string         `json:"title"`
	OwnerID     uuid.UUID      `json:"ownerId"`
	ShareStatus db.ShareStatus `json:"shareStatus"`
	Role        db.Role        `json:"role,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func toDocumentResponse(d *db.Document, role db.Role) documentResponse {
	return documentResponse{
		ID:          d.ID,
		Title:       d.Title,
		OwnerID:     d.OwnerID,
		ShareStatus: d.ShareStatus,
		Role:        role,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func (h *Handlers) ListDocuments(c echo.Context) error {
	user := currentUser(c)
	ctx := c.Request().Context()
	docs, err := h.Docs.ListFor(ctx, user.ID)
	if err != nil {
		return writeError(c, err)
	}
	ids := make([]uuid.UUID, 0, len(docs))
	for i := range docs {
		if docs[i].OwnerID != user.ID {
			ids = append(ids, docs[i].ID)
		}
	}
	memberships, err := h.Docs.MemberRoles(ctx, user.ID, ids)
	if err != nil {
		return writeError(c, err)
	}
	out := make([]documentResponse, 0, len(docs))
	for i := range docs {
		out = append(out, toDocumentResponse(&docs[i], listedRole(&docs[i], user.ID, memberships)))
	}
	return c.JSON(http.StatusOK, out)
}

// listedRole picks the role shown in listings: ownership wins, everyone
// else gets their membership row's role.
func listedRole(d *db.Document, userID uuid.UUID, memberships map[uuid.UUID]db.Role) db.Role {
	if d.OwnerID == userID {
		return db.RoleOwner
	}
	if role, ok := memberships[d.ID]; ok {
		return role
	}
	return db.RoleNone
}

type createDocumentRequest struct {
	Title          string `json:"title"`
	InitialContent string `json:"initialContent"`
}

func (h *Handlers) CreateDocument(c echo.Context) error {
	user := currentUser(c)
	var req createDocumentRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, common.E(common.KindValidation, "invalid request body"))
	}
	if req.Title == "" {
		req.Title = "Untitled"
	}
	var initial []byte
	if req.InitialContent != "" {
		initial = crdt.TextUpdate(req.InitialContent)
	}
	doc, err := h.Docs.Create(c.Request().Context(), user.ID, req.Title, initial)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, toDocumentResponse(doc, db.RoleOwner))
}

func (h *Handlers) GetDocument(c echo.Context) error {
	user := currentUser(c)
	docID, err := parseID(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	ctx := c.Request().Context()
	doc, err := h.Docs.Get(ctx, docID)
	if err != nil {
		return writeError(c, err)
	}
	if doc.ArchivedAt != nil {
		return writeError(c, common.E(common.KindNotFound, "document not found"))
	}
	role, err := h.Docs.RoleOf(ctx, user.ID, docID)
	if err != nil {
		return writeError(c, err)
	}
	if !role.CanRead() {
		return writeError(c, common.E(common.KindForbidden, "no access to this document"))
	}
	return c.JSON(http.StatusOK, toDocumentResponse(doc, role))
}

type renameDocumentRequest struct {
	Title string `json:"title"`
}

func (h *Handlers) RenameDocument(c echo.Context) error {
	user := currentUser(c)
	docID, err := parseID(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	var req renameDocumentRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, common.E(common.KindValidation, "invalid request body"))
	}
	if req.Title == "" {
		return writeError(c, common.E(common.KindValidation, "title must not be empty"))
	}
	if err := h.Docs.Rename(c.Request().Context(), user.ID, docID, req.Title); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) ArchiveDocument(c echo.Context) error {
	user := currentUser(c)
	docID, err := parseID(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if err := h.Docs.Archive(c.Request().Context(), user.ID, docID); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type shareLinkRequest struct {
	Mode string `json:"mode"`
}

type shareLinkResponse struct {
	Token       string         `json:"token"`
	ShareStatus db.ShareStatus `json:"shareStatus"`
}

func (h *Handlers) RotateShareLink(c echo.Context) error {
	user := currentUser(c)
	docID, err := parseID(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	var req shareLinkRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, common.E(common.KindValidation, "invalid request body"))
	}
	token, err := h.Docs.RotateShareLink(c.Request().Context(), user.ID, docID, req.Mode)
	if err != nil {
		return writeError(c, err)
	}
	status := db.SharePublicView
	if req.Mode == "edit" {
		status = db.SharePublicEdit
	}
	return c.JSON(http.StatusOK, shareLinkResponse{Token: token, ShareStatus: status})
}

func (h *Handlers) RevokeShareLink(c echo.Context) error {
	user := currentUser(c)
	docID, err := parseID(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if err := h.Docs.RevokeShareLink(c.Request().Context(), user.ID, docID); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type folderResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

func (h *Handlers) ListFolders(c echo.Context) error {
	user := currentUser(c)
	folders, err := h.Folders.ListFor(c.Request().Context(), user.ID)
	if err != nil {
		return writeError(c, err)
	}
	out := make([]folderResponse, 0, len(folders))
	for _, f := range folders {
		out = append(out, folderResponse{ID: f.ID, Name: f.Name, CreatedAt: f.CreatedAt})
	}
	return c.JSON(http.StatusOK, out)
}

type createFolderRequest struct {
	Name string `json:"name"`
}

func (h *Handlers) CreateFolder(c echo.Context) error {
	user := currentUser(c)
	var req createFolderRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, common.E(common.KindValidation, "invalid request body"))
	}
	if req.Name == "" {
		return writeError(c, common.E(common.KindValidation, "name must not be empty"))
	}
	folder, err := h.Folders.Create(c.Request().Context(), user.ID, req.Name)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, folderResponse{ID: folder.ID, Name: folder.Name, CreatedAt: folder.CreatedAt})
}

func (h *Handlers) DeleteFolder(c echo.Context) error {
	user := currentUser(c)
	folderID, err := parseID(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if err := h.Folders.Delete(c.Request().Context(), user.ID, folderID); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) FolderContents(c echo.Context) error {
	user := currentUser(c)
	folderID, err := parseID(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	ids, err := h.Folders.Contents(c.Request().Context(), user.ID, folderID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string][]uuid.UUID{"documentIds": ids})
}

type assignFolderRequest struct {
	DocumentID string `json:"documentId"`
}

func (h *Handlers) AssignToFolder(c echo.Context) error {
	user := currentUser(c)
	folderID, err := parseID(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	var req assignFolderRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, common.E(common.KindValidation, "invalid request body"))
	}
	docID, err := parseID(req.DocumentID)
	if err != nil {
		return writeError(c, err)
	}
	if err := h.Folders.Assign(c.Request().Context(), user.ID, folderID, docID); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) RemoveFromFolder(c echo.Context) error {
	user := currentUser(c)
	folderID, err := parseID(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	docID, err := parseID(c.Param("documentId"))
	if err != nil {
		return writeError(c, err)
	}
	if err := h.Folders.Remove(c.Request().Context(), user.ID, folderID, docID); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type healthResponse struct {
	Status            string        `json:"status"`
	Uptime            string        `json:"uptime"`
	ActiveConnections int           `json:"activeConnections"`
	Queue             queueCounters `json:"queue"`
}

type queueCounters struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func (h *Handlers) Health(c echo.Context) error {
	resp := healthResponse{
		Status: "ok",
		Uptime: humanize.RelTime(h.Started, time.Now(), "", ""),
	}
	if h.Registry != nil {
		resp.ActiveConnections = h.Registry.ActiveConnections()
	}
	if h.Queue != nil {
		pending, running, err := h.Queue.Counts(c.Request().Context())
		if err != nil {
			resp.Status = "degraded"
			h.logger().WithError(err).Warn("queue counters unavailable")
		} else {
			resp.Queue.Pending = pending
			resp.Queue.Running = running
		}
	}
	if h.Stats != nil {
		resp.Queue.Completed, resp.Queue.Failed = h.Stats.Counts()
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handlers) logger() *logrus.Entry {
	if h.Logger != nil {
		return h.Logger
	}
	return common.Logger.WithField("component", "api")
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, common.E(common.KindValidation, "invalid id")
	}
	return id, nil
}
