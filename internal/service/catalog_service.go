package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gigorder/internal/model"
	"gigorder/internal/repository"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

const catalogCacheTTL = 5 * time.Minute

// CatalogService 服务目录查询边界
//
// 核心下单链路只读目录，不写；单价带 redis 缓存，回源数据库。
// 目录的增删改由运营后台维护，不在本服务范围内。
type CatalogService struct {
	catalogRepo *repository.CatalogRepository
	redisClient *redis.Client
}

func NewCatalogService(db *gorm.DB, redisClient *redis.Client) *CatalogService {
	return &CatalogService{
		catalogRepo: repository.NewCatalogRepository(db),
		redisClient: redisClient,
	}
}

// GetServiceItem 查询在售服务，优先走缓存
func (s *CatalogService) GetServiceItem(ctx context.Context, serviceID int64) (*model.ServiceItem, error) {
	cacheKey := fmt.Sprintf("catalog:service:%d", serviceID)

	if s.redisClient != nil {
		cached, err := s.redisClient.Get(ctx, cacheKey).Result()
		if err == nil {
			var item model.ServiceItem
			if jsonErr := json.Unmarshal([]byte(cached), &item); jsonErr == nil {
				return &item, nil
			}
			// 缓存数据损坏，回源并覆盖
		}
	}

	item, err := s.catalogRepo.GetServiceItem(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	if s.redisClient != nil {
		if data, jsonErr := json.Marshal(item); jsonErr == nil {
			s.redisClient.Set(ctx, cacheKey, data, catalogCacheTTL)
		}
	}

	return item, nil
}

// GetProvider 查询服务方展示信息
func (s *CatalogService) GetProvider(ctx context.Context, providerID int64) (*model.Provider, error) {
	return s.catalogRepo.GetProvider(ctx, providerID)
}
