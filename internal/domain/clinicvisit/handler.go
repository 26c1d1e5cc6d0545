package clinicvisit

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clinicdesk/internal/platform/upstream"
	"github.com/ehr/clinicdesk/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/clinic-visits", h.Search)
	api.GET("/clinic-visits/:id", h.Get)
}

func (h *Handler) Search(c echo.Context) error {
	f := Filter{
		EmpNo:       c.QueryParam("empNo"),
		Date:        c.QueryParam("date"),
		VisitStatus: c.QueryParam("visitStatus"),
	}
	res, err := h.svc.Search(c.Request().Context(), f, pagination.FromContext(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Get(c echo.Context) error {
	v, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidFilter):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, upstream.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "clinic visit not found")
	case errors.Is(err, upstream.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadGateway, err.Error())
}
