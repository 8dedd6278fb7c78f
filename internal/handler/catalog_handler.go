package handler

import (
	"net/http"

	"backend/internal/middleware"
	"backend/internal/model"
	"backend/internal/service"
	"backend/pkg/pagination"
	"backend/pkg/response"

	"github.com/gin-gonic/gin"
)

type CatalogHandler struct {
	catalogService service.CatalogService
}

func NewCatalogHandler(catalogService service.CatalogService) *CatalogHandler {
	return &CatalogHandler{catalogService: catalogService}
}

func (h *CatalogHandler) RegisterRoutes(router *gin.RouterGroup) {
	tests := router.Group("/api/lab-tests")
	{
		tests.GET("", middleware.RequireRole(model.RolePatient, model.RoleAdmin), h.ListTests)
		tests.POST("", middleware.RequireRole(model.RoleAdmin), h.CreateTest)
	}
}

// ListTests returns a paginated list of active lab tests
// @Summary      List lab tests
// @Description  Retrieves a paginated list of active lab tests from the catalog
// @Tags         lab-tests
// @Security     BearerAuth
// @Produce      json
// @Param        page   query     int  false  "Page number (default 1)"
// @Param        limit  query     int  false  "Number of items per page (default 20)"
// @Success      200    {object}  response.Response{data=object}
// @Failure      500    {object}  response.Response
// @Router       /api/lab-tests [get]
func (h *CatalogHandler) ListTests(c *gin.Context) {
	params := pagination.Parse(c)

	tests, total, err := h.catalogService.ListTests(c.Request.Context(), params.Page, params.Limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, map[string]interface{}{
		"lab_tests":   tests,
		"total":       total,
		"page":        params.Page,
		"limit":       params.Limit,
		"total_pages": params.Pages(total),
	}))
}

// CreateTest adds a new lab test to the catalog
// @Summary      Create lab test
// @Description  Adds a new lab test with a unique code and a unit price
// @Tags         lab-tests
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body      service.CreateLabTestRequest  true  "Create Lab Test Payload"
// @Success      201      {object}  response.Response{data=service.LabTestResponse}
// @Failure      400      {object}  response.Response
// @Router       /api/lab-tests [post]
func (h *CatalogHandler) CreateTest(c *gin.Context) {
	var req service.CreateLabTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	test, err := h.catalogService.CreateTest(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, test))
}
