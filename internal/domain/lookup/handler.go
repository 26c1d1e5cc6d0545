package lookup

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clinicdesk/internal/platform/auth"
)

// SuggestionResponse is a suggestion result plus the value the field would
// hold if the query were committed now.
type SuggestionResponse struct {
	Suggestions
	Value string `json:"value"`
}

// SnapRequest is the body of POST /suggestions/snap.
type SnapRequest struct {
	Field  string `json:"field"`
	Value  string `json:"value"`
	Strict bool   `json:"strict"`
}

type Handler struct {
	suggester *Suggester
}

func NewHandler(suggester *Suggester) *Handler {
	return &Handler{suggester: suggester}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/suggestions/:category", h.Suggest)
	api.POST("/suggestions/snap", h.Snap)
}

// FieldKey scopes a client field name to its session so two sessions typing
// into the same field never supersede each other.
func FieldKey(sessionID, field string) string {
	return sessionID + ":" + field
}

// SessionPrefix is the prefix of every field key of a session.
func SessionPrefix(sessionID string) string {
	return sessionID + ":"
}

// Suggest serves GET /suggestions/:category?field=&q=&strict=.
func (h *Handler) Suggest(c echo.Context) error {
	sid := auth.SessionIDFromContext(c.Request().Context())
	if sid == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "session required")
	}
	category := strings.TrimSpace(c.Param("category"))
	if category == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "category is required")
	}
	field := strings.TrimSpace(c.QueryParam("field"))
	if field == "" {
		field = category
	}
	strict, err := parseBool(c.QueryParam("strict"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "strict must be a boolean")
	}

	key := FieldKey(sid, field)
	query := c.QueryParam("q")
	res, err := h.suggester.Suggest(c.Request().Context(), key, category, query)
	if err != nil {
		return echo.NewHTTPError(http.StatusRequestTimeout, err.Error())
	}
	res.Field = field

	out := SuggestionResponse{Suggestions: res, Value: query}
	if strict {
		out.Value = SnapTo(res.Options, query)
	}
	return c.JSON(http.StatusOK, out)
}

// Snap resolves a committed value against the last options shown for the
// field.
func (h *Handler) Snap(c echo.Context) error {
	sid := auth.SessionIDFromContext(c.Request().Context())
	if sid == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "session required")
	}
	var req SnapRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Field) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "field is required")
	}
	value := h.suggester.Snap(FieldKey(sid, req.Field), req.Value, req.Strict)
	return c.JSON(http.StatusOK, map[string]string{"field": req.Field, "value": value})
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}
