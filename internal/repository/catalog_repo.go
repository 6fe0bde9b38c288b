package repository

import (
	"context"
	"errors"

	"gigorder/internal/model"

	"gorm.io/gorm"
)

var (
	ErrServiceNotFound  = errors.New("服务不存在或已下架")
	ErrProviderNotFound = errors.New("服务方不存在")
)

type CatalogRepository struct {
	db *gorm.DB
}

func NewCatalogRepository(db *gorm.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

func (r *CatalogRepository) GetServiceItem(ctx context.Context, serviceID int64) (*model.ServiceItem, error) {
	var item model.ServiceItem
	err := r.db.WithContext(ctx).
		Where("id = ? AND status = ?", serviceID, model.ServiceStatusOnline).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (r *CatalogRepository) GetProvider(ctx context.Context, providerID int64) (*model.Provider, error) {
	var provider model.Provider
	err := r.db.WithContext(ctx).Where("id = ?", providerID).First(&provider).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	return &provider, nil
}

func (r *CatalogRepository) CreateServiceItem(ctx context.Context, item *model.ServiceItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *CatalogRepository) CreateProvider(ctx context.Context, provider *model.Provider) error {
	return r.db.WithContext(ctx).Create(provider).Error
}
