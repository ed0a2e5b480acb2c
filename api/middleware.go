package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
	"github.com/D-Astudillo-ASC/collaborative-editor/db"
	"github.com/D-Astudillo-ASC/collaborative-editor/security"
)

// contextUserKey is where the middleware stores the resolved *db.User.
const contextUserKey = "user"

// UserResolver maps verified claims to a directory user. Satisfied by
// *db.Users.
type UserResolver interface {
	Upsert(ctx context.Context, subject string, profile db.Profile) (*db.User, error)
}

// AuthMiddleware verifies the bearer token on every request and resolves
// it to a directory user, refreshing the stored profile as a side effect.
// A missing token is 401; a present-but-invalid one is 403.
func AuthMiddleware(verifier security.Verifier, users UserResolver) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		ContextKey:  contextUserKey,
		TokenLookup: "header:Authorization:Bearer ",
		ParseTokenFunc: func(c echo.Context, auth string) (interface{}, error) {
			ctx := c.Request().Context()
			claims, err := verifier.Verify(ctx, auth)
			if err != nil {
				return nil, err
			}
			user, err := users.Upsert(ctx, claims.Subject, db.Profile{
				Email:     claims.Email,
				Name:      claims.Name,
				AvatarURL: claims.AvatarURL,
			})
			if err != nil {
				return nil, err
			}
			return user, nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			if errors.Is(err, echojwt.ErrJWTMissing) {
				return writeError(c, common.E(common.KindUnauthenticated, "missing bearer token"))
			}
			if common.IsKind(err, common.KindTransient) {
				return writeError(c, err)
			}
			msg := common.Message(err)
			if msg == "" {
				msg = "invalid token"
			}
			return writeError(c, common.E(common.KindForbidden, msg))
		},
	})
}

func currentUser(c echo.Context) *db.User {
	user, _ := c.Get(contextUserKey).(*db.User)
	return user
}

// errorBody is the structured error envelope of every non-2xx response.
type errorBody struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter,omitempty"` // milliseconds
}

func writeError(c echo.Context, err error) error {
	status := common.HTTPStatus(err)
	body := errorBody{
		Kind:    string(common.KindOf(err)),
		Message: common.Message(err),
	}
	if body.Message == "" {
		body.Message = http.StatusText(status)
	}
	var ce *common.Error
	if errors.As(err, &ce) && ce.RetryAfter > 0 {
		body.RetryAfter = ce.RetryAfter.Milliseconds()
		c.Response().Header().Set("Retry-After", retryAfterSeconds(ce.RetryAfter))
	}
	return c.JSON(status, map[string]errorBody{"error": body})
}

// retryAfterSeconds renders a duration as the integral seconds form the
// Retry-After header requires, rounding up so clients never retry early.
func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
