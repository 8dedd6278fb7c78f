package service

import (
	"context"

	"backend/internal/model"
	"backend/internal/repository"
)

// AuditService exposes the append-only audit trail for administration.
type AuditService interface {
	GetAuditLogs(ctx context.Context, action string, page, limit int) ([]model.AuditLog, int64, error)
}

type auditService struct {
	repo repository.AuditRepository
}

func NewAuditService(repo repository.AuditRepository) AuditService {
	return &auditService{repo: repo}
}

func (s *auditService) GetAuditLogs(ctx context.Context, action string, page, limit int) ([]model.AuditLog, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return s.repo.List(ctx, action, page, limit)
}
