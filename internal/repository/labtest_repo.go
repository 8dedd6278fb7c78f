package repository

import (
	"context"

	"backend/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type LabTestRepository interface {
	Create(ctx context.Context, test *model.LabTest) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.LabTest, error)
	FindByIDs(ctx context.Context, ids []uuid.UUID) ([]model.LabTest, error)
	List(ctx context.Context, page, limit int) ([]model.LabTest, int64, error)
}

type labTestRepository struct {
	db *gorm.DB
}

func NewLabTestRepository(db *gorm.DB) LabTestRepository {
	return &labTestRepository{db: db}
}

func (r *labTestRepository) Create(ctx context.Context, test *model.LabTest) error {
	return GetDB(ctx, r.db).Create(test).Error
}

func (r *labTestRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.LabTest, error) {
	var test model.LabTest
	if err := GetDB(ctx, r.db).First(&test, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &test, nil
}

func (r *labTestRepository) FindByIDs(ctx context.Context, ids []uuid.UUID) ([]model.LabTest, error) {
	var tests []model.LabTest
	if err := GetDB(ctx, r.db).Where("id IN ? AND active = true", ids).Find(&tests).Error; err != nil {
		return nil, err
	}
	return tests, nil
}

func (r *labTestRepository) List(ctx context.Context, page, limit int) ([]model.LabTest, int64, error) {
	var tests []model.LabTest
	var total int64

	db := GetDB(ctx, r.db)
	if err := db.Model(&model.LabTest{}).Where("active = true").Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * limit
	if err := db.Where("active = true").Order("name asc").Offset(offset).Limit(limit).Find(&tests).Error; err != nil {
		return nil, 0, err
	}

	return tests, total, nil
}
