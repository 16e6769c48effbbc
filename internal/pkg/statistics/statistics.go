// Package statistics computes the admin dashboard aggregates and keeps them
// cached in Redis between refreshes.
package statistics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/app/repository"
	"github.com/repairmybike/rmb-backend/internal/pkg/cache"
)

const (
	CacheKeySnapshot = "statistics:dashboard"
	CacheKeyDaily    = "statistics:requests:daily:%s" // Format with end date YYYY-MM-DD
	CacheExpiration  = 30 * time.Minute
)

// Cache is the subset of the Redis cache the aggregates need.
type Cache interface {
	GetJSON(key string, dst interface{}) error
	SetJSON(key string, value interface{}, expiration time.Duration) error
	Delete(key string) error
}

// RedisCache routes through the shared cache client.
type RedisCache struct{}

func (RedisCache) GetJSON(key string, dst interface{}) error { return cache.GetJSON(key, dst) }
func (RedisCache) SetJSON(key string, value interface{}, expiration time.Duration) error {
	return cache.SetJSON(key, value, expiration)
}
func (RedisCache) Delete(key string) error { return cache.Delete(key) }

// Snapshot is the statistics block shown on the admin dashboard.
type Snapshot struct {
	TotalCustomers              int64           `json:"total_customers"`
	TotalMechanics              int64           `json:"total_mechanics"`
	TotalVehicles               int64           `json:"total_vehicles"`
	ActiveSubscriptions         int64           `json:"active_subscriptions"`
	PendingRequests             int64           `json:"pending_requests"`
	ActiveJobs                  int64           `json:"active_jobs"`
	CompletedRequests           int64           `json:"completed_requests"`
	PendingSubscriptionRequests int64           `json:"pending_subscription_requests"`
	ServiceRevenue              decimal.Decimal `json:"service_revenue"`
	SubscriptionRevenue         decimal.Decimal `json:"subscription_revenue"`
	GeneratedAt                 time.Time       `json:"generated_at"`
}

type Service struct {
	repos *repository.Repositories
	cache Cache
	now   func() time.Time

	mu          sync.Mutex
	lastUpdate  time.Time
	minInterval time.Duration
}

// NewService wires the aggregates. A nil cache computes on every call.
func NewService(repos *repository.Repositories, c Cache) *Service {
	return &Service{
		repos:       repos,
		cache:       c,
		now:         time.Now,
		minInterval: 5 * time.Minute,
	}
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Get serves the cached snapshot, recomputing when the cache is cold or the
// refresh interval has passed.
func (s *Service) Get(ctx context.Context) (Snapshot, error) {
	if s.cache != nil && !s.shouldRefresh() {
		var snap Snapshot
		if err := s.cache.GetJSON(CacheKeySnapshot, &snap); err == nil {
			return snap, nil
		}
	}
	return s.Refresh(ctx)
}

func (s *Service) shouldRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastUpdate) > s.minInterval
}

// Invalidate forces the next Get to recompute.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.lastUpdate = time.Time{}
	s.mu.Unlock()
	if s.cache != nil {
		if err := s.cache.Delete(CacheKeySnapshot); err != nil {
			log.Debugf("[Statistics] Cache delete failed: %v", err)
		}
	}
}

// Refresh recomputes every aggregate and stores the result.
func (s *Service) Refresh(ctx context.Context) (Snapshot, error) {
	snap, err := s.compute(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if s.cache != nil {
		if err := s.cache.SetJSON(CacheKeySnapshot, snap, CacheExpiration); err != nil {
			log.Warnf("[Statistics] Error caching dashboard statistics: %v", err)
		}
	}
	s.mu.Lock()
	s.lastUpdate = s.now()
	s.mu.Unlock()
	return snap, nil
}

func (s *Service) compute(ctx context.Context) (Snapshot, error) {
	now := s.now()
	snap := Snapshot{GeneratedAt: now}
	var err error

	counts := []struct {
		dst  *int64
		name string
		fn   func() (int64, error)
	}{
		{&snap.TotalCustomers, "customers", func() (int64, error) { return s.repos.User.CountByRole(ctx, models.ROLE_CUSTOMER) }},
		{&snap.TotalMechanics, "mechanics", func() (int64, error) { return s.repos.User.CountByRole(ctx, models.ROLE_FIELD_STAFF) }},
		{&snap.TotalVehicles, "vehicles", func() (int64, error) { return s.repos.Marketplace.CountVehicles(ctx) }},
		{&snap.ActiveSubscriptions, "active subscriptions", func() (int64, error) { return s.repos.UserSubscription.CountActive(ctx, now) }},
		{&snap.PendingRequests, "pending requests", func() (int64, error) {
			return s.repos.ServiceRequest.CountByStatus(ctx, models.SR_STATUS_PENDING)
		}},
		{&snap.ActiveJobs, "active jobs", func() (int64, error) {
			return s.repos.ServiceRequest.CountByStatus(ctx, models.SR_STATUS_IN_PROGRESS)
		}},
		{&snap.CompletedRequests, "completed requests", func() (int64, error) {
			return s.repos.ServiceRequest.CountByStatus(ctx, models.SR_STATUS_COMPLETED)
		}},
		{&snap.PendingSubscriptionRequests, "pending subscription requests", func() (int64, error) {
			return s.repos.SubscriptionRequest.CountByStatus(ctx, models.SUB_REQUEST_PENDING)
		}},
	}
	for _, c := range counts {
		if *c.dst, err = c.fn(); err != nil {
			return Snapshot{}, fmt.Errorf("count %s: %w", c.name, err)
		}
	}

	if snap.ServiceRevenue, err = s.repos.ServiceRequest.SumTotalByStatus(ctx, models.SR_STATUS_COMPLETED); err != nil {
		return Snapshot{}, fmt.Errorf("sum service revenue: %w", err)
	}
	if snap.SubscriptionRevenue, err = s.repos.UserSubscription.SumPlanRevenue(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("sum subscription revenue: %w", err)
	}
	return snap, nil
}

// Daily returns per-day request counts for the trailing window of days.
func (s *Service) Daily(ctx context.Context, days int) ([]models.DailyStats, error) {
	if days <= 0 || days > 90 {
		days = 30
	}
	end := s.now()
	key := fmt.Sprintf(CacheKeyDaily, end.Format("2006-01-02")) + fmt.Sprintf(":%d", days)
	if s.cache != nil {
		var cached []models.DailyStats
		if err := s.cache.GetJSON(key, &cached); err == nil {
			return cached, nil
		}
	}
	stats, err := s.repos.ServiceRequest.GetDailyStats(ctx, end.AddDate(0, 0, -days), end)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetJSON(key, stats, 10*time.Minute); err != nil {
			log.Warnf("[Statistics] Error caching daily statistics: %v", err)
		}
	}
	return stats, nil
}
