package service

import (
	"context"
	"fmt"

	"backend/internal/apperr"
	"backend/internal/model"
	"backend/internal/repository"

	"github.com/shopspring/decimal"
)

type LabTestResponse struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Price       string `json:"price"`
}

type CreateLabTestRequest struct {
	Code        string `json:"code" binding:"required"`
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	Price       string `json:"price" binding:"required"`
}

// CatalogService exposes the lab-test catalog. The ledger treats it as
// read-only reference data; creation exists for administration only.
type CatalogService interface {
	ListTests(ctx context.Context, page, limit int) ([]LabTestResponse, int64, error)
	CreateTest(ctx context.Context, req CreateLabTestRequest) (LabTestResponse, error)
}

type catalogService struct {
	labTestRepo repository.LabTestRepository
}

func NewCatalogService(labTestRepo repository.LabTestRepository) CatalogService {
	return &catalogService{labTestRepo: labTestRepo}
}

func (s *catalogService) ListTests(ctx context.Context, page, limit int) ([]LabTestResponse, int64, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}

	tests, total, err := s.labTestRepo.List(ctx, page, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch lab tests: %w", err)
	}

	result := make([]LabTestResponse, 0, len(tests))
	for _, t := range tests {
		result = append(result, toLabTestResponse(t))
	}
	return result, total, nil
}

func (s *catalogService) CreateTest(ctx context.Context, req CreateLabTestRequest) (LabTestResponse, error) {
	price, err := decimal.NewFromString(req.Price)
	if err != nil || price.Sign() < 0 {
		return LabTestResponse{}, apperr.New(apperr.CodeValidation, "invalid price %q", req.Price)
	}

	test := model.LabTest{
		Code:        req.Code,
		Name:        req.Name,
		Description: req.Description,
		Price:       price,
		Active:      true,
	}
	if err := s.labTestRepo.Create(ctx, &test); err != nil {
		return LabTestResponse{}, fmt.Errorf("failed to create lab test: %w", err)
	}
	return toLabTestResponse(test), nil
}

func toLabTestResponse(t model.LabTest) LabTestResponse {
	return LabTestResponse{
		ID:          t.ID.String(),
		Code:        t.Code,
		Name:        t.Name,
		Description: t.Description,
		Price:       t.Price.StringFixed(2),
	}
}
