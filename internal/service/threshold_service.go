package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"backend/internal/apperr"
	"backend/internal/model"
	"backend/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ThresholdResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type UpdateThresholdRequest struct {
	Value string `json:"value" binding:"required"`
}

// ThresholdService exposes the global payment threshold setting. The
// allocation path reads the value once per request and injects it into the
// engine; it is configuration, not per-request state.
type ThresholdService interface {
	DefaultThreshold(ctx context.Context) (decimal.Decimal, error)
	GetThreshold(ctx context.Context) (ThresholdResponse, error)
	UpdateThreshold(ctx context.Context, userID uuid.UUID, req UpdateThresholdRequest) (ThresholdResponse, error)
	// EnsureDefault seeds the setting row on first boot.
	EnsureDefault(ctx context.Context) error
}

type thresholdService struct {
	settingRepo repository.SettingRepository
	auditRepo   repository.AuditRepository
	txManager   repository.TransactionManager
}

func NewThresholdService(
	settingRepo repository.SettingRepository,
	auditRepo repository.AuditRepository,
	txManager repository.TransactionManager,
) ThresholdService {
	return &thresholdService{settingRepo: settingRepo, auditRepo: auditRepo, txManager: txManager}
}

func (s *thresholdService) DefaultThreshold(ctx context.Context) (decimal.Decimal, error) {
	setting, err := s.settingRepo.Get(ctx, model.SettingKeyPaymentThreshold)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.NewFromString(model.DefaultPaymentThreshold)
		}
		return decimal.Decimal{}, err
	}
	value, err := decimal.NewFromString(setting.Value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("malformed threshold setting %q: %w", setting.Value, err)
	}
	return value, nil
}

func (s *thresholdService) GetThreshold(ctx context.Context) (ThresholdResponse, error) {
	value, err := s.DefaultThreshold(ctx)
	if err != nil {
		return ThresholdResponse{}, err
	}
	return ThresholdResponse{Key: model.SettingKeyPaymentThreshold, Value: value.String()}, nil
}

func (s *thresholdService) UpdateThreshold(ctx context.Context, userID uuid.UUID, req UpdateThresholdRequest) (ThresholdResponse, error) {
	value, err := decimal.NewFromString(req.Value)
	if err != nil {
		return ThresholdResponse{}, apperr.New(apperr.CodeValidation, "invalid threshold %q", req.Value)
	}
	if value.Sign() < 0 || value.Cmp(decimal.NewFromInt(1)) > 0 {
		return ThresholdResponse{}, apperr.New(apperr.CodeValidation,
			"threshold must be a fraction between 0 and 1, got %s", value.String())
	}

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		setting := &model.Setting{Key: model.SettingKeyPaymentThreshold, Value: value.String()}
		if err := s.settingRepo.Upsert(txCtx, setting); err != nil {
			return fmt.Errorf("failed to update threshold setting: %w", err)
		}

		details, _ := json.Marshal(map[string]string{"value": value.String()})
		audit := &model.AuditLog{
			UserID:   &userID,
			Action:   model.ActionUpdateThreshold,
			EntityID: model.SettingKeyPaymentThreshold,
			Details:  string(details),
		}
		return s.auditRepo.Log(txCtx, audit)
	})
	if err != nil {
		return ThresholdResponse{}, err
	}

	return ThresholdResponse{Key: model.SettingKeyPaymentThreshold, Value: value.String()}, nil
}

func (s *thresholdService) EnsureDefault(ctx context.Context) error {
	_, err := s.settingRepo.Get(ctx, model.SettingKeyPaymentThreshold)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return s.settingRepo.Upsert(ctx, &model.Setting{
		Key:   model.SettingKeyPaymentThreshold,
		Value: model.DefaultPaymentThreshold,
	})
}
