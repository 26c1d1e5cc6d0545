package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clinicdesk/internal/platform/upstream"
)

type contextKey string

const (
	SessionIDKey contextKey = "session_id"
	UserIDKey    contextKey = "user_id"
)

// SessionResolver returns the upstream bearer token of a live session. It
// fails when the session has ended or expired.
type SessionResolver interface {
	UpstreamToken(ctx context.Context, sessionID string) (string, error)
}

// SessionMiddleware authenticates requests with a session token from the
// Authorization header, or from the "token" query parameter for WebSocket
// upgrades where browsers cannot set headers. The resolved upstream token is
// attached to the request context so every CRUD and dropdown call made while
// serving the request carries it.
func SessionMiddleware(issuer *TokenIssuer, sessions SessionResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if AuthSkipper(c) {
				return next(c)
			}

			tokenStr, err := bearerToken(c)
			if err != nil {
				return err
			}

			claims, err := issuer.Parse(tokenStr)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := c.Request().Context()
			upstreamToken, err := sessions.UpstreamToken(ctx, claims.SessionID)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "session expired")
			}

			ctx = context.WithValue(ctx, SessionIDKey, claims.SessionID)
			ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
			ctx = upstream.WithToken(ctx, upstreamToken)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("session_id", claims.SessionID)

			return next(c)
		}
	}
}

func bearerToken(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		if q := c.QueryParam("token"); q != "" && isUpgrade(c.Request()) {
			return q, nil
		}
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// WithSession returns ctx carrying the given session and user, as the
// middleware would set them. Used by background work that outlives the
// request.
func WithSession(ctx context.Context, sessionID, userID string) context.Context {
	ctx = context.WithValue(ctx, SessionIDKey, sessionID)
	return context.WithValue(ctx, UserIDKey, userID)
}

func SessionIDFromContext(ctx context.Context) string {
	sid, _ := ctx.Value(SessionIDKey).(string)
	return sid
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}
