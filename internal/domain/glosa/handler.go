package glosa

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/medglosa/medglosa/internal/platform/auth"
	"github.com/medglosa/medglosa/internal/platform/gemini"
)

// modelUnavailableMessage is shown to the user when the model cannot be
// reached with the configured key.
const modelUnavailableMessage = "Modelo não encontrado ou erro de permissão. Por favor, verifique sua chave de API e se o faturamento está ativo no Google Cloud Console."

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("/glosa", auth.RequireRole(auth.RoleBilling, auth.RoleViewer))
	readGroup.GET("/status", h.Status)
	readGroup.POST("/cross-reference", h.CrossReference)

	writeGroup := api.Group("/glosa", auth.RequireRole(auth.RoleBilling))
	writeGroup.POST("/analyze", h.Analyze)
}

type crossReferenceRequest struct {
	Report []ReportItem `json:"report"`
}

// supportedType accepts PDFs and images, the formats the model reads.
func supportedType(ct string) bool {
	return ct == "application/pdf" || strings.HasPrefix(ct, "image/")
}

func (h *Handler) Analyze(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file")
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	contentType := file.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if !supportedType(contentType) {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "only PDF or image files are accepted")
	}

	result, err := h.svc.Analyze(c.Request().Context(), Upload{
		FileName:    file.Filename,
		ContentType: contentType,
		Data:        data,
		UploadedBy:  auth.UserIDFromContext(c.Request().Context()),
	})
	if err != nil {
		if errors.Is(err, ErrAnalysisInProgress) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		if errors.Is(err, gemini.ErrModelUnavailable) {
			return echo.NewHTTPError(http.StatusBadGateway, modelUnavailableMessage).SetInternal(err)
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) CrossReference(c echo.Context) error {
	var req crossReferenceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := h.svc.CrossReference(c.Request().Context(), req.Report)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"analyzing": h.svc.Busy()})
}
