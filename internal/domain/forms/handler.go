package forms

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clinicdesk/internal/domain/patientsync"
	"github.com/ehr/clinicdesk/internal/domain/tabs"
	"github.com/ehr/clinicdesk/internal/platform/auth"
	"github.com/ehr/clinicdesk/internal/platform/upstream"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/workspaces", h.Create)
	api.GET("/workspaces/:id", h.Get)
	api.DELETE("/workspaces/:id", h.Delete)
	api.POST("/workspaces/:id/reset", h.Reset)
	api.PUT("/workspaces/:id/tab", h.SelectTab)
	api.PATCH("/workspaces/:id/:tab", h.Patch)
	api.POST("/workspaces/:id/:tab/save", h.Save)
	api.POST("/workspaces/:id/save-all", h.SaveAll)
	api.POST("/workspaces/:id/flush", h.Flush)
}

func sessionOf(c echo.Context) (string, error) {
	sid := auth.SessionIDFromContext(c.Request().Context())
	if sid == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "session required")
	}
	return sid, nil
}

func (h *Handler) Create(c echo.Context) error {
	sid, err := sessionOf(c)
	if err != nil {
		return err
	}
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	view, err := h.svc.Create(c.Request().Context(), sid, req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, view)
}

func (h *Handler) Get(c echo.Context) error {
	sid, err := sessionOf(c)
	if err != nil {
		return err
	}
	view, err := h.svc.Get(c.Request().Context(), sid, c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) Delete(c echo.Context) error {
	sid, err := sessionOf(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), sid, c.Param("id")); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Reset(c echo.Context) error {
	sid, err := sessionOf(c)
	if err != nil {
		return err
	}
	view, err := h.svc.Reset(c.Request().Context(), sid, c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) SelectTab(c echo.Context) error {
	sid, err := sessionOf(c)
	if err != nil {
		return err
	}
	var req SelectTabRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	view, err := h.svc.SelectTab(c.Request().Context(), sid, c.Param("id"), req.Tab)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, view)
}

// Patch applies a partial update to the form named by :tab.
func (h *Handler) Patch(c echo.Context) error {
	sid, err := sessionOf(c)
	if err != nil {
		return err
	}
	t, err := tabs.Parse(c.Param("tab"))
	if err != nil {
		return toHTTPError(err)
	}
	ctx := c.Request().Context()
	id := c.Param("id")

	var view *View
	switch t {
	case tabs.Clinic:
		var p ClinicPatch
		if err := c.Bind(&p); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		view, err = h.svc.PatchClinic(ctx, sid, id, p)
	case tabs.Hospital:
		var p HospitalPatch
		if err := c.Bind(&p); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		view, err = h.svc.PatchHospital(ctx, sid, id, p)
	case tabs.Isolation:
		var p IsolationPatch
		if err := c.Bind(&p); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		view, err = h.svc.PatchIsolation(ctx, sid, id, p)
	}
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) Save(c echo.Context) error {
	sid, err := sessionOf(c)
	if err != nil {
		return err
	}
	res, view, err := h.svc.Save(c.Request().Context(), sid, c.Param("id"), c.Param("tab"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"result":    res,
		"workspace": view,
	})
}

func (h *Handler) SaveAll(c echo.Context) error {
	sid, err := sessionOf(c)
	if err != nil {
		return err
	}
	res, err := h.svc.SaveAll(c.Request().Context(), sid, c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// Flush is called from the page unload path and answers before the patient
// sync has run.
func (h *Handler) Flush(c echo.Context) error {
	sid, err := sessionOf(c)
	if err != nil {
		return err
	}
	if err := h.svc.Flush(c.Request().Context(), sid, c.Param("id")); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrWorkspaceNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, tabs.ErrUnknownTab):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, tabs.ErrTabDisabled), errors.Is(err, ErrAlreadySaved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, upstream.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, upstream.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, patientsync.ErrCreateFailed):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	var upErr *upstream.Error
	if errors.As(err, &upErr) {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	if errors.Is(err, upstream.ErrUnexpectedShape) || errors.Is(err, upstream.ErrUnavailable) {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
