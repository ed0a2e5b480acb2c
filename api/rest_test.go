package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
	"github.com/D-Astudillo-ASC/collaborative-editor/config"
	"github.com/D-Astudillo-ASC/collaborative-editor/db"
	"github.com/D-Astudillo-ASC/collaborative-editor/hub"
	"github.com/D-Astudillo-ASC/collaborative-editor/queue"
	"github.com/D-Astudillo-ASC/collaborative-editor/security"
)

type fakeVerifier struct {
	claims *security.Claims
	err    error
}

func (f *fakeVerifier) Verify(ctx context.Context, rawToken string) (*security.Claims, error) {
	return f.claims, f.err
}

type fakeResolver struct {
	user    *db.User
	subject string
}

func (f *fakeResolver) Upsert(ctx context.Context, subject string, profile db.Profile) (*db.User, error) {
	f.subject = subject
	return f.user, nil
}

func TestWriteErrorMapsKinds(t *testing.T) {
	tests := []struct {
		kind   common.Kind
		status int
	}{
		{common.KindUnauthenticated, http.StatusUnauthorized},
		{common.KindForbidden, http.StatusForbidden},
		{common.KindNotFound, http.StatusNotFound},
		{common.KindValidation, http.StatusBadRequest},
		{common.KindConflict, http.StatusConflict},
		{common.KindRateLimited, http.StatusTooManyRequests},
		{common.KindSandboxUnavailable, http.StatusServiceUnavailable},
		{common.KindTransient, http.StatusServiceUnavailable},
		{common.KindExecutionTimeout, http.StatusRequestTimeout},
		{common.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

			require.NoError(t, writeError(c, common.E(tt.kind, "boom")))
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), string(tt.kind))
			assert.Contains(t, rec.Body.String(), "boom")
		})
	}
}

func TestWriteErrorNeverLeaksCauses(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	err := common.Wrap(common.KindTransient, "saving document", assert.AnError)
	require.NoError(t, writeError(c, err))
	assert.Contains(t, rec.Body.String(), "saving document")
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestWriteErrorSetsRetryAfter(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	err := common.E(common.KindRateLimited, "slow down").WithRetryAfter(2500 * time.Millisecond)
	require.NoError(t, writeError(c, err))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"), "rounded up to whole seconds")
	assert.Contains(t, rec.Body.String(), `"retryAfter":2500`)
}

func newAuthedEcho(verifier security.Verifier, resolver UserResolver) *echo.Echo {
	e := echo.New()
	e.GET("/api/me", func(c echo.Context) error {
		user := currentUser(c)
		return c.JSON(http.StatusOK, map[string]string{"id": user.ID.String()})
	}, AuthMiddleware(verifier, resolver))
	return e
}

func TestAuthMiddlewareMissingToken(t *testing.T) {
	e := newAuthedEcho(&fakeVerifier{}, &fakeResolver{})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareInvalidToken(t *testing.T) {
	e := newAuthedEcho(&fakeVerifier{err: common.E(common.KindUnauthenticated, "token expired")}, &fakeResolver{})

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer bad")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "token expired")
}

func TestAuthMiddlewareResolvesUser(t *testing.T) {
	user := &db.User{ID: uuid.New(), Subject: "auth0|alice"}
	resolver := &fakeResolver{user: user}
	verifier := &fakeVerifier{claims: &security.Claims{Subject: "auth0|alice", Name: "Alice"}}
	e := newAuthedEcho(verifier, resolver)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer good")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), user.ID.String())
	assert.Equal(t, "auth0|alice", resolver.subject)
}

func TestGetDocumentRejectsMalformedID(t *testing.T) {
	h := &Handlers{}
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	c.Set(contextUserKey, &db.User{ID: uuid.New()})

	require.NoError(t, h.GetDocument(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListedRoleUsesMembership(t *testing.T) {
	owner := uuid.New()
	member := uuid.New()
	doc := &db.Document{ID: uuid.New(), OwnerID: owner}

	assert.Equal(t, db.RoleOwner, listedRole(doc, owner, nil))
	assert.Equal(t, db.RoleViewer, listedRole(doc, member, map[uuid.UUID]db.Role{doc.ID: db.RoleViewer}),
		"viewers keep their role in listings")
	assert.Equal(t, db.RoleEditor, listedRole(doc, member, map[uuid.UUID]db.Role{doc.ID: db.RoleEditor}))
	assert.Equal(t, db.RoleNone, listedRole(doc, member, nil))
}

func healthHandlers(t *testing.T) (*Handlers, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	backend := queue.NewRedisQueueFromClient(client, time.Minute)
	return &Handlers{
		Registry: hub.NewRegistry(nil, nil, config.SnapshotConfig{HubIdle: time.Minute}),
		Queue:    backend,
		Stats:    &ExecStats{},
		Started:  time.Now().Add(-90 * time.Second),
	}, mr
}

func TestHealthReportsCounters(t *testing.T) {
	h, _ := healthHandlers(t)
	require.NoError(t, h.Queue.Enqueue(context.Background(), queue.NewJob("u", "", "python", "print(1)", time.Second)))
	h.Stats.JobFinished(nil, queue.Result{Status: queue.StatusCompleted})
	h.Stats.JobFinished(nil, queue.Result{Status: queue.StatusFailed})

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)
	require.NoError(t, h.Health(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"status":"ok"`)
	assert.Contains(t, body, `"pending":1`)
	assert.Contains(t, body, `"completed":1`)
	assert.Contains(t, body, `"failed":1`)
	assert.Contains(t, body, `"activeConnections":0`)
}

func TestHealthDegradedOnQueueOutage(t *testing.T) {
	h, mr := healthHandlers(t)
	mr.Close()

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)
	require.NoError(t, h.Health(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}
