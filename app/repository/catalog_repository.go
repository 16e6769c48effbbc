package repository

import (
	"context"

	"github.com/repairmybike/rmb-backend/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type catalogRepository struct {
	db *gorm.DB
}

func NewCatalogRepository(db *gorm.DB) CatalogRepository {
	return &catalogRepository{db: db}
}

func (r *catalogRepository) GetServiceItem(ctx context.Context, id uint) (*models.ServiceItem, error) {
	var item models.ServiceItem
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).First(&item, id).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *catalogRepository) GetPlanVariant(ctx context.Context, id uint) (*models.PlanVariant, error) {
	var variant models.PlanVariant
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).First(&variant, id).Error; err != nil {
		return nil, err
	}
	return &variant, nil
}

type cartRepository struct {
	db *gorm.DB
}

func NewCartRepository(db *gorm.DB) CartRepository {
	return &cartRepository{db: db}
}

// GetForUpdate loads the cart with its items and their catalog entries
func (r *cartRepository) GetForUpdate(ctx context.Context, id uint) (*models.Cart, error) {
	var cart models.Cart
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("Items").
		Preload("Items.ServiceItem").
		First(&cart, id).Error
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

func (r *cartRepository) Delete(ctx context.Context, id uint) error {
	db := r.db.WithContext(ctx)
	if err := db.Where("cart_id = ?", id).Delete(&models.CartItem{}).Error; err != nil {
		return err
	}
	res := db.Delete(&models.Cart{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

type marketplaceRepository struct {
	db *gorm.DB
}

func NewMarketplaceRepository(db *gorm.DB) MarketplaceRepository {
	return &marketplaceRepository{db: db}
}

func (r *marketplaceRepository) CountVehicles(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Vehicle{}).Count(&count).Error
	return count, err
}

func (r *marketplaceRepository) RecentSellRequests(ctx context.Context, limit int) ([]models.SellRequest, error) {
	var requests []models.SellRequest
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&requests).Error
	return requests, err
}

type pricingRuleRepository struct {
	db *gorm.DB
}

func NewPricingRuleRepository(db *gorm.DB) PricingRuleRepository {
	return &pricingRuleRepository{db: db}
}

// GetActive returns gorm.ErrRecordNotFound when no rule is active
func (r *pricingRuleRepository) GetActive(ctx context.Context) (*models.DistancePricingRule, error) {
	var rule models.DistancePricingRule
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("updated_at DESC").
		First(&rule).Error
	if err != nil {
		return nil, err
	}
	return &rule, nil
}
