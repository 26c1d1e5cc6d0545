package dropdown

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/dropdowns/categories", h.Categories)
	api.GET("/dropdowns/:category", h.Options)
}

func (h *Handler) Categories(c echo.Context) error {
	set, err := h.svc.Categories(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, set)
}

func (h *Handler) Options(c echo.Context) error {
	category := c.Param("category")
	if NormalizeCategory(category) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "category is required")
	}
	set, err := h.svc.Options(c.Request().Context(), category)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, set)
}

func toHTTPError(err error) error {
	if errors.Is(err, ErrUnavailable) {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
