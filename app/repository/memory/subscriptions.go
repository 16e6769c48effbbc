package memory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/repairmybike/rmb-backend/app/models"
)

type subRequestRepo struct{ s *Store }

func (r *subRequestRepo) withVariant(req models.SubscriptionRequest) *models.SubscriptionRequest {
	if v, ok := r.s.planVariants[req.PlanVariantID]; ok {
		req.PlanVariant = v
	}
	return &req
}

func (r *subRequestRepo) Create(_ context.Context, req *models.SubscriptionRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if req.PendingKey != nil {
		for _, existing := range r.s.subRequests {
			if existing.PendingKey != nil && *existing.PendingKey == *req.PendingKey {
				return gorm.ErrDuplicatedKey
			}
		}
	}
	req.ID = r.s.nextID()
	now := time.Now()
	req.CreatedAt, req.UpdatedAt = now, now
	stored := *req
	stored.PlanVariant = models.PlanVariant{}
	r.s.subRequests[req.ID] = stored
	return nil
}

func (r *subRequestRepo) GetByID(_ context.Context, id uint) (*models.SubscriptionRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	req, ok := r.s.subRequests[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return r.withVariant(req), nil
}

func (r *subRequestRepo) GetForUpdate(ctx context.Context, id uint) (*models.SubscriptionRequest, error) {
	return r.GetByID(ctx, id)
}

func (r *subRequestRepo) FindPending(_ context.Context, userID uint) (*models.SubscriptionRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, req := range r.s.subRequests {
		if req.UserID == userID && req.Status == models.SUB_REQUEST_PENDING {
			return r.withVariant(req), nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *subRequestRepo) Save(_ context.Context, req *models.SubscriptionRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.subRequests[req.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	if req.PendingKey != nil {
		for id, existing := range r.s.subRequests {
			if id != req.ID && existing.PendingKey != nil && *existing.PendingKey == *req.PendingKey {
				return gorm.ErrDuplicatedKey
			}
		}
	}
	req.UpdatedAt = time.Now()
	stored := *req
	stored.PlanVariant = models.PlanVariant{}
	r.s.subRequests[req.ID] = stored
	return nil
}

func (r *subRequestRepo) collect(match func(models.SubscriptionRequest) bool) []models.SubscriptionRequest {
	var out []models.SubscriptionRequest
	for _, req := range r.s.subRequests {
		if match(req) {
			out = append(out, *r.withVariant(req))
		}
	}
	sortByID(out, func(x models.SubscriptionRequest) uint { return x.ID }, true)
	return out
}

func (r *subRequestRepo) ListByUser(_ context.Context, userID uint) ([]models.SubscriptionRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.collect(func(x models.SubscriptionRequest) bool { return x.UserID == userID }), nil
}

func (r *subRequestRepo) ListByStatus(_ context.Context, status string, offset, limit int) ([]models.SubscriptionRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := r.collect(func(x models.SubscriptionRequest) bool { return status == "" || x.Status == status })
	return limitSlice(out, offset, limit), nil
}

func (r *subRequestRepo) Recent(_ context.Context, limit int) ([]models.SubscriptionRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := r.collect(func(models.SubscriptionRequest) bool { return true })
	return limitSlice(out, 0, limit), nil
}

func (r *subRequestRepo) CountByStatus(_ context.Context, status string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, req := range r.s.subRequests {
		if req.Status == status {
			n++
		}
	}
	return n, nil
}

type subscriptionRepo struct{ s *Store }

func (r *subscriptionRepo) withVariant(sub models.UserSubscription) *models.UserSubscription {
	if v, ok := r.s.planVariants[sub.PlanVariantID]; ok {
		sub.PlanVariant = v
	}
	return &sub
}

func (r *subscriptionRepo) Create(_ context.Context, sub *models.UserSubscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.subscriptions {
		if existing.SubscriptionRequestID == sub.SubscriptionRequestID {
			return gorm.ErrDuplicatedKey
		}
	}
	sub.ID = r.s.nextID()
	now := time.Now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	stored := *sub
	stored.PlanVariant = models.PlanVariant{}
	r.s.subscriptions[sub.ID] = stored
	return nil
}

func (r *subscriptionRepo) GetByID(_ context.Context, id uint) (*models.UserSubscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subscriptions[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return r.withVariant(sub), nil
}

func (r *subscriptionRepo) GetForUpdate(ctx context.Context, id uint) (*models.UserSubscription, error) {
	return r.GetByID(ctx, id)
}

func (r *subscriptionRepo) GetByRequestID(_ context.Context, requestID uint) (*models.UserSubscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sub := range r.s.subscriptions {
		if sub.SubscriptionRequestID == requestID {
			return r.withVariant(sub), nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *subscriptionRepo) FindActive(_ context.Context, userID uint, at time.Time) (*models.UserSubscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *models.UserSubscription
	for _, sub := range r.s.subscriptions {
		if sub.UserID != userID || sub.Status != models.SUB_STATUS_ACTIVE || !sub.Covers(at) {
			continue
		}
		if best == nil || sub.EndDate.After(best.EndDate) {
			best = r.withVariant(sub)
		}
	}
	if best == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return best, nil
}

func (r *subscriptionRepo) Save(_ context.Context, sub *models.UserSubscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.subscriptions[sub.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	sub.UpdatedAt = time.Now()
	stored := *sub
	stored.PlanVariant = models.PlanVariant{}
	r.s.subscriptions[sub.ID] = stored
	return nil
}

func (r *subscriptionRepo) ListByUser(_ context.Context, userID uint) ([]models.UserSubscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.UserSubscription
	for _, sub := range r.s.subscriptions {
		if sub.UserID == userID {
			out = append(out, *r.withVariant(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.After(out[j].StartDate) })
	return out, nil
}

func (r *subscriptionRepo) ListExpired(_ context.Context, at time.Time) ([]models.UserSubscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.UserSubscription
	for _, sub := range r.s.subscriptions {
		if sub.Status == models.SUB_STATUS_ACTIVE && sub.EndDate.Before(at) {
			out = append(out, sub)
		}
	}
	sortByID(out, func(x models.UserSubscription) uint { return x.ID }, false)
	return out, nil
}

func (r *subscriptionRepo) CountActive(_ context.Context, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, sub := range r.s.subscriptions {
		if sub.IsActiveAt(at) {
			n++
		}
	}
	return n, nil
}

func (r *subscriptionRepo) SumPlanRevenue(_ context.Context) (decimal.Decimal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sum := decimal.Zero
	for _, sub := range r.s.subscriptions {
		if v, ok := r.s.planVariants[sub.PlanVariantID]; ok {
			sum = sum.Add(v.Price)
		}
	}
	return sum, nil
}

type visitRepo struct{ s *Store }

func (r *visitRepo) Create(_ context.Context, visit *models.VisitSchedule) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	visit.ID = r.s.nextID()
	now := time.Now()
	visit.CreatedAt, visit.UpdatedAt = now, now
	if visit.Status == "" {
		visit.Status = models.VISIT_SCHEDULED
	}
	r.s.visits[visit.ID] = *visit
	return nil
}

func (r *visitRepo) GetByID(_ context.Context, id uint) (*models.VisitSchedule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.visits[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &v, nil
}

func (r *visitRepo) GetForUpdate(ctx context.Context, id uint) (*models.VisitSchedule, error) {
	return r.GetByID(ctx, id)
}

func (r *visitRepo) Save(_ context.Context, visit *models.VisitSchedule) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.visits[visit.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	visit.UpdatedAt = time.Now()
	r.s.visits[visit.ID] = *visit
	return nil
}

func (r *visitRepo) filter(match func(models.VisitSchedule) bool) []models.VisitSchedule {
	var out []models.VisitSchedule
	for _, v := range r.s.visits {
		if match(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledDate.Equal(out[j].ScheduledDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledDate.Before(out[j].ScheduledDate)
	})
	return out
}

func (r *visitRepo) ListBySubscription(_ context.Context, subscriptionID uint) ([]models.VisitSchedule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.filter(func(v models.VisitSchedule) bool { return v.UserSubscriptionID == subscriptionID }), nil
}

func (r *visitRepo) ListScheduledBetween(_ context.Context, from, to time.Time) ([]models.VisitSchedule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.filter(func(v models.VisitSchedule) bool {
		return v.Status == models.VISIT_SCHEDULED && !v.ScheduledDate.Before(from) && v.ScheduledDate.Before(to)
	}), nil
}

func (r *visitRepo) LockScheduledBetween(ctx context.Context, from, to time.Time) ([]models.VisitSchedule, error) {
	return r.ListScheduledBetween(ctx, from, to)
}

func (r *visitRepo) FindByServiceRequest(_ context.Context, serviceRequestID uint) (*models.VisitSchedule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, v := range r.s.visits {
		if v.ServiceRequestID != nil && *v.ServiceRequestID == serviceRequestID {
			return &v, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *visitRepo) ListScheduledAfter(_ context.Context, subscriptionID uint, at time.Time) ([]models.VisitSchedule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.filter(func(v models.VisitSchedule) bool {
		return v.UserSubscriptionID == subscriptionID && v.Status == models.VISIT_SCHEDULED && v.ScheduledDate.After(at)
	}), nil
}
