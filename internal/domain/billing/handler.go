package billing

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/medglosa/medglosa/internal/platform/auth"
	"github.com/medglosa/medglosa/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleViewer))
	readGroup.GET("/procedures", h.ListProcedures)
	readGroup.GET("/procedures/:id", h.GetProcedure)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleBilling))
	writeGroup.POST("/procedures", h.CreateProcedure)
	writeGroup.PUT("/procedures/:id", h.UpdateProcedure)
	writeGroup.PATCH("/procedures/:id/received-status", h.UpdateReceivedStatus)
}

// procedureView adds the edit-form date to a stored record.
type procedureView struct {
	*MedicalProcedure
	FormDate string `json:"formDate"`
}

type receivedStatusRequest struct {
	ReceivedStatus ReceivedStatus `json:"receivedStatus"`
	Notes          *string        `json:"notes"`
}

func (h *Handler) CreateProcedure(c echo.Context) error {
	var f Form
	if err := c.Bind(&f); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.Register(c.Request().Context(), &f)
	if err != nil {
		return errorToHTTP(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetProcedure(c echo.Context) error {
	p, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorToHTTP(err)
	}
	return c.JSON(http.StatusOK, procedureView{MedicalProcedure: p, FormDate: p.FormDate()})
}

func (h *Handler) ListProcedures(c echo.Context) error {
	start, end := c.QueryParam("start_date"), c.QueryParam("end_date")
	r, err := ParseDateRange(start, end)
	if err != nil {
		return errorToHTTP(err)
	}
	items, err := h.svc.List(c.Request().Context(), r)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	pg := pagination.FromContext(c)
	resp := pagination.NewResponse(pagination.Slice(items, pg), len(items), pg.Limit, pg.Offset)

	filters := url.Values{}
	if start != "" {
		filters.Set("start_date", start)
	}
	if end != "" {
		filters.Set("end_date", end)
	}
	resp.Links = pg.Links(c.Request().URL.Path, len(items), filters)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) UpdateProcedure(c echo.Context) error {
	var f Form
	if err := c.Bind(&f); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.Edit(c.Request().Context(), c.Param("id"), &f)
	if err != nil {
		return errorToHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdateReceivedStatus(c echo.Context) error {
	var req receivedStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := h.svc.SetReceivedStatus(ctx, id, req.ReceivedStatus, req.Notes); err != nil {
		return errorToHTTP(err)
	}
	p, err := h.svc.Get(ctx, id)
	if err != nil {
		return errorToHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func errorToHTTP(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
