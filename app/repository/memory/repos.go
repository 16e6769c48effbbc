package memory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/app/repository"
)

func sortByID[T any](items []T, id func(T) uint, desc bool) {
	sort.Slice(items, func(i, j int) bool {
		if desc {
			return id(items[i]) > id(items[j])
		}
		return id(items[i]) < id(items[j])
	})
}

func limitSlice[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

type userRepo struct{ s *Store }

func (r *userRepo) GetByID(_ context.Context, id uint) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &u, nil
}

func (r *userRepo) CountByRole(_ context.Context, role string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, u := range r.s.users {
		if u.Role == role {
			n++
		}
	}
	return n, nil
}

func (r *userRepo) ListByRoles(_ context.Context, roles ...string) ([]models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.User
	for _, u := range r.s.users {
		if u.Status != models.STATUS_ACTIVE {
			continue
		}
		for _, role := range roles {
			if u.Role == role {
				out = append(out, u)
				break
			}
		}
	}
	sortByID(out, func(u models.User) uint { return u.ID }, false)
	return out, nil
}

type catalogRepo struct{ s *Store }

func (r *catalogRepo) GetServiceItem(_ context.Context, id uint) (*models.ServiceItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	item, ok := r.s.serviceItems[id]
	if !ok || !item.IsActive {
		return nil, gorm.ErrRecordNotFound
	}
	return &item, nil
}

func (r *catalogRepo) GetPlanVariant(_ context.Context, id uint) (*models.PlanVariant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.planVariants[id]
	if !ok || !v.IsActive {
		return nil, gorm.ErrRecordNotFound
	}
	return &v, nil
}

type cartRepo struct{ s *Store }

func (r *cartRepo) GetForUpdate(_ context.Context, id uint) (*models.Cart, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.carts[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	c.Items = append([]models.CartItem(nil), c.Items...)
	return &c, nil
}

func (r *cartRepo) Delete(_ context.Context, id uint) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.carts[id]; !ok {
		return gorm.ErrRecordNotFound
	}
	delete(r.s.carts, id)
	return nil
}

type serviceRequestRepo struct{ s *Store }

func (r *serviceRequestRepo) Create(_ context.Context, sr *models.ServiceRequest) error {
	return repository.InsertWithReference(sr, r.s.NewReference, func() error {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		for _, existing := range r.s.requests {
			if existing.Reference == sr.Reference {
				return gorm.ErrDuplicatedKey
			}
		}
		sr.ID = r.s.nextID()
		for i := range sr.Items {
			sr.Items[i].ID = r.s.nextID()
			sr.Items[i].ServiceRequestID = sr.ID
		}
		now := time.Now()
		sr.CreatedAt, sr.UpdatedAt = now, now
		if sr.Status == "" {
			sr.Status = models.SR_STATUS_PENDING
		}
		stored := *sr
		stored.Items = append([]models.ServiceRequestItem(nil), sr.Items...)
		r.s.requests[sr.ID] = stored
		return nil
	})
}

func (r *serviceRequestRepo) GetByID(_ context.Context, id uint) (*models.ServiceRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sr, ok := r.s.requests[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &sr, nil
}

func (r *serviceRequestRepo) GetByReference(_ context.Context, ref string) (*models.ServiceRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sr := range r.s.requests {
		if sr.Reference == ref {
			return &sr, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *serviceRequestRepo) CompareAndSetStatus(_ context.Context, id uint, from []string, to string, fields map[string]interface{}) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sr, ok := r.s.requests[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, f := range from {
		if sr.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	sr.Status = to
	applyRequestFields(&sr, fields)
	sr.UpdatedAt = time.Now()
	r.s.requests[id] = sr
	return true, nil
}

func (r *serviceRequestRepo) Update(_ context.Context, id uint, fields map[string]interface{}) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sr, ok := r.s.requests[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	applyRequestFields(&sr, fields)
	sr.UpdatedAt = time.Now()
	r.s.requests[id] = sr
	return nil
}

// applyRequestFields mirrors the column updates the gorm repository accepts.
func applyRequestFields(sr *models.ServiceRequest, fields map[string]interface{}) {
	for k, v := range fields {
		switch k {
		case "status":
			sr.Status = v.(string)
		case "assigned_staff_id":
			sr.AssignedStaffID = uintPtr(v)
		case "cancel_reason":
			sr.CancelReason = v.(string)
		case "cancelled_at":
			sr.CancelledAt = timePtr(v)
		case "cancelled_by":
			sr.CancelledBy = uintPtr(v)
		case "tracking_started_at":
			sr.TrackingStartedAt = timePtr(v)
		case "tracking_stalled_at":
			sr.TrackingStalledAt = timePtr(v)
		case "completed_at":
			sr.CompletedAt = timePtr(v)
		case "service_cost":
			if d, ok := v.(decimal.Decimal); ok {
				sr.ServiceCost = decimal.NewNullDecimal(d)
			}
		case "scheduled_date":
			sr.ScheduledDate = timePtr(v)
		case "scheduled_time":
			sr.ScheduledTime = v.(string)
		case "hidden":
			sr.Hidden = v.(bool)
		case "user_subscription_id":
			sr.UserSubscriptionID = uintPtr(v)
		case "notes":
			sr.Notes = v.(string)
		}
	}
}

func uintPtr(v interface{}) *uint {
	switch t := v.(type) {
	case nil:
		return nil
	case uint:
		return &t
	case *uint:
		return t
	}
	return nil
}

func timePtr(v interface{}) *time.Time {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return &t
	case *time.Time:
		return t
	}
	return nil
}

func (r *serviceRequestRepo) ListForCustomer(_ context.Context, userID uint, includeHidden bool) ([]models.ServiceRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.ServiceRequest
	for _, sr := range r.s.requests {
		if !sr.IsOwnedBy(userID) || (sr.Hidden && !includeHidden) {
			continue
		}
		out = append(out, sr)
	}
	sortByID(out, func(sr models.ServiceRequest) uint { return sr.ID }, true)
	return out, nil
}

func (r *serviceRequestRepo) List(_ context.Context, filter repository.ServiceRequestFilter) ([]models.ServiceRequest, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.ServiceRequest
	for _, sr := range r.s.requests {
		if filter.Status != "" && sr.Status != filter.Status {
			continue
		}
		if filter.PurchaseType != "" && sr.PurchaseType != filter.PurchaseType {
			continue
		}
		if filter.UserID != nil && !sr.IsOwnedBy(*filter.UserID) {
			continue
		}
		out = append(out, sr)
	}
	sortByID(out, func(sr models.ServiceRequest) uint { return sr.ID }, true)
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return limitSlice(out, filter.Offset, limit), int64(len(out)), nil
}

func (r *serviceRequestRepo) HideCancelled(_ context.Context, userID uint) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, sr := range r.s.requests {
		if sr.IsOwnedBy(userID) && sr.Status == models.SR_STATUS_CANCELLED && !sr.Hidden {
			sr.Hidden = true
			r.s.requests[id] = sr
			n++
		}
	}
	return n, nil
}

func (r *serviceRequestRepo) Recent(_ context.Context, limit int) ([]models.ServiceRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]models.ServiceRequest, 0, len(r.s.requests))
	for _, sr := range r.s.requests {
		out = append(out, sr)
	}
	sortByID(out, func(sr models.ServiceRequest) uint { return sr.ID }, true)
	return limitSlice(out, 0, limit), nil
}

func (r *serviceRequestRepo) ListByStatus(_ context.Context, status string) ([]models.ServiceRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.ServiceRequest
	for _, sr := range r.s.requests {
		if sr.Status == status {
			out = append(out, sr)
		}
	}
	sortByID(out, func(sr models.ServiceRequest) uint { return sr.ID }, false)
	return out, nil
}

func (r *serviceRequestRepo) CountByStatus(_ context.Context, status string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, sr := range r.s.requests {
		if sr.Status == status {
			n++
		}
	}
	return n, nil
}

func (r *serviceRequestRepo) SumTotalByStatus(_ context.Context, status string) (decimal.Decimal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sum := decimal.Zero
	for _, sr := range r.s.requests {
		if sr.Status == status {
			sum = sum.Add(sr.TotalAmount)
		}
	}
	return sum, nil
}

func (r *serviceRequestRepo) GetDailyStats(_ context.Context, startDate, endDate time.Time) ([]models.DailyStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	counts := map[string]int{}
	for _, sr := range r.s.requests {
		if sr.CreatedAt.Before(startDate) || sr.CreatedAt.After(endDate) {
			continue
		}
		counts[sr.CreatedAt.Format("2006-01-02")]++
	}
	out := make([]models.DailyStats, 0, len(counts))
	for date, count := range counts {
		out = append(out, models.DailyStats{Date: date, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (r *serviceRequestRepo) AddAttachment(_ context.Context, attachment *models.ServiceRequestAttachment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sr, ok := r.s.requests[attachment.ServiceRequestID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	attachment.ID = r.s.nextID()
	attachment.CreatedAt = time.Now()
	sr.Attachments = append(append([]models.ServiceRequestAttachment(nil), sr.Attachments...), *attachment)
	r.s.requests[sr.ID] = sr
	return nil
}

type fieldStaffRepo struct{ s *Store }

func (r *fieldStaffRepo) GetByID(_ context.Context, id uint) (*models.FieldStaff, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.staff[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &f, nil
}

func (r *fieldStaffRepo) GetByUserID(_ context.Context, userID uint) (*models.FieldStaff, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, f := range r.s.staff {
		if f.UserID == userID {
			return &f, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fieldStaffRepo) ListAvailable(_ context.Context) ([]models.FieldStaff, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.FieldStaff
	for _, f := range r.s.staff {
		if f.IsAvailable && f.CurrentJobID == nil && f.HasLocation() {
			out = append(out, f)
		}
	}
	sortByID(out, func(f models.FieldStaff) uint { return f.ID }, false)
	return out, nil
}

func (r *fieldStaffRepo) Assign(_ context.Context, staffID, requestID uint) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.staff[staffID]
	if !ok || !f.IsAvailable || f.CurrentJobID != nil {
		return false, nil
	}
	job := requestID
	f.IsAvailable = false
	f.CurrentJobID = &job
	r.s.staff[staffID] = f
	return true, nil
}

func (r *fieldStaffRepo) Release(_ context.Context, staffID, requestID uint, completed bool) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.staff[staffID]
	if !ok || f.CurrentJobID == nil || *f.CurrentJobID != requestID {
		return false, nil
	}
	f.IsAvailable = true
	f.CurrentJobID = nil
	if completed {
		f.TotalJobs++
	}
	r.s.staff[staffID] = f
	return true, nil
}

func (r *fieldStaffRepo) UpdateLocation(_ context.Context, staffID uint, lat, lon float64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.staff[staffID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	f.Latitude, f.Longitude = &lat, &lon
	f.LocationUpdatedAt = &at
	r.s.staff[staffID] = f
	return nil
}

type responseRepo struct{ s *Store }

func (r *responseRepo) Record(_ context.Context, response *models.ServiceRequestResponse) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, existing := range r.s.responses {
		if existing.ServiceRequestID == response.ServiceRequestID && existing.FieldStaffID == response.FieldStaffID {
			existing.Response = response.Response
			existing.EstimatedArrivalTime = response.EstimatedArrivalTime
			existing.DistanceKm = response.DistanceKm
			r.s.responses[id] = existing
			response.ID = id
			return nil
		}
	}
	response.ID = r.s.nextID()
	response.CreatedAt = time.Now()
	r.s.responses[response.ID] = *response
	return nil
}

func (r *responseRepo) ListByRequest(_ context.Context, requestID uint) ([]models.ServiceRequestResponse, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.ServiceRequestResponse
	for _, resp := range r.s.responses {
		if resp.ServiceRequestID == requestID {
			out = append(out, resp)
		}
	}
	sortByID(out, func(x models.ServiceRequestResponse) uint { return x.ID }, false)
	return out, nil
}

type locationRepo struct{ s *Store }

func (r *locationRepo) Append(_ context.Context, location *models.LiveLocation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	location.ID = r.s.nextID()
	if location.Timestamp.IsZero() {
		location.Timestamp = time.Now()
	}
	r.s.locations[location.ID] = *location
	return nil
}

func (r *locationRepo) Latest(_ context.Context, requestID uint) (*models.LiveLocation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var latest *models.LiveLocation
	for _, l := range r.s.locations {
		if l.ServiceRequestID != requestID {
			continue
		}
		if latest == nil || l.Timestamp.After(latest.Timestamp) {
			cp := l
			latest = &cp
		}
	}
	if latest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return latest, nil
}

func (r *locationRepo) PruneFinished(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, l := range r.s.locations {
		sr, ok := r.s.requests[l.ServiceRequestID]
		if !ok || !models.IsTerminalStatus(sr.Status) || !sr.UpdatedAt.Before(before) {
			continue
		}
		delete(r.s.locations, id)
		n++
	}
	return n, nil
}

type pricingRuleRepo struct{ s *Store }

func (r *pricingRuleRepo) GetActive(_ context.Context) (*models.DistancePricingRule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var active *models.DistancePricingRule
	for _, rule := range r.s.rules {
		if !rule.IsActive {
			continue
		}
		if active == nil || rule.UpdatedAt.After(active.UpdatedAt) {
			cp := rule
			active = &cp
		}
	}
	if active == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return active, nil
}

type notificationRepo struct{ s *Store }

func (r *notificationRepo) Create(_ context.Context, n *models.Notification) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n.ID = r.s.nextID()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	r.s.notifications[n.ID] = *n
	return nil
}

func (r *notificationRepo) ListByUser(_ context.Context, userID uint, offset, limit int) ([]models.Notification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Notification
	for _, n := range r.s.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	sortByID(out, func(n models.Notification) uint { return n.ID }, true)
	return limitSlice(out, offset, limit), nil
}

func (r *notificationRepo) CountUnread(_ context.Context, userID uint) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var count int64
	for _, n := range r.s.notifications {
		if n.UserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (r *notificationRepo) MarkRead(_ context.Context, userID, id uint) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n, ok := r.s.notifications[id]
	if !ok || n.UserID != userID {
		return gorm.ErrRecordNotFound
	}
	n.IsRead = true
	r.s.notifications[id] = n
	return nil
}

func (r *notificationRepo) MarkAllRead(_ context.Context, userID uint) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var count int64
	for id, n := range r.s.notifications {
		if n.UserID == userID && !n.IsRead {
			n.IsRead = true
			r.s.notifications[id] = n
			count++
		}
	}
	return count, nil
}

func (r *notificationRepo) Recent(_ context.Context, limit int) ([]models.Notification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]models.Notification, 0, len(r.s.notifications))
	for _, n := range r.s.notifications {
		out = append(out, n)
	}
	sortByID(out, func(n models.Notification) uint { return n.ID }, true)
	return limitSlice(out, 0, limit), nil
}

type marketplaceRepo struct{ s *Store }

func (r *marketplaceRepo) CountVehicles(_ context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return int64(len(r.s.vehicles)), nil
}

func (r *marketplaceRepo) RecentSellRequests(_ context.Context, limit int) ([]models.SellRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]models.SellRequest, 0, len(r.s.sellRequests))
	for _, sr := range r.s.sellRequests {
		out = append(out, sr)
	}
	sortByID(out, func(sr models.SellRequest) uint { return sr.ID }, true)
	return limitSlice(out, 0, limit), nil
}

type settingRepo struct{ s *Store }

func (r *settingRepo) Get() (*models.AppSettings, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.settings, nil
}

func (r *settingRepo) Save(settings *models.AppSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.settings = settings
	return nil
}
