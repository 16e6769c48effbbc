package memory

import (
	"time"

	"github.com/repairmybike/rmb-backend/app/models"
)

// Seed helpers insert fixtures and return them with their assigned ids.

func (s *Store) AddUser(u models.User) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		u.ID = s.nextID()
	}
	if u.Status == "" {
		u.Status = models.STATUS_ACTIVE
	}
	s.users[u.ID] = u
	return u
}

func (s *Store) AddServiceItem(item models.ServiceItem) models.ServiceItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.ID = s.nextID()
	s.serviceItems[item.ID] = item
	return item
}

func (s *Store) AddPlanVariant(v models.PlanVariant) models.PlanVariant {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.ID = s.nextID()
	s.planVariants[v.ID] = v
	return v
}

func (s *Store) AddCart(c models.Cart) models.Cart {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.nextID()
	for i := range c.Items {
		c.Items[i].ID = s.nextID()
		c.Items[i].CartID = c.ID
		if item, ok := s.serviceItems[c.Items[i].ServiceItemID]; ok {
			c.Items[i].ServiceItem = item
		}
	}
	s.carts[c.ID] = c
	return c
}

func (s *Store) AddFieldStaff(f models.FieldStaff) models.FieldStaff {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.ID = s.nextID()
	if u, ok := s.users[f.UserID]; ok {
		f.User = u
	}
	s.staff[f.ID] = f
	return f
}

func (s *Store) AddPricingRule(r models.DistancePricingRule) models.DistancePricingRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.nextID()
	r.UpdatedAt = time.Now()
	s.rules[r.ID] = r
	return r
}

func (s *Store) AddVehicle(v models.Vehicle) models.Vehicle {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.ID = s.nextID()
	s.vehicles[v.ID] = v
	return v
}

func (s *Store) AddSellRequest(r models.SellRequest) models.SellRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.nextID()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.sellRequests[r.ID] = r
	return r
}

// AddServiceRequest inserts a request verbatim, bypassing reference minting.
func (s *Store) AddServiceRequest(sr models.ServiceRequest) models.ServiceRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr.ID = s.nextID()
	if sr.CreatedAt.IsZero() {
		sr.CreatedAt = time.Now()
	}
	sr.UpdatedAt = sr.CreatedAt
	s.requests[sr.ID] = sr
	return sr
}

// AddLiveLocation inserts a breadcrumb with an explicit timestamp.
func (s *Store) AddLiveLocation(l models.LiveLocation) models.LiveLocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = s.nextID()
	s.locations[l.ID] = l
	return l
}

// Staff returns the current state of a mechanic profile.
func (s *Store) Staff(id uint) models.FieldStaff {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staff[id]
}

// Request returns the current state of a service request.
func (s *Store) Request(id uint) models.ServiceRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[id]
}

// Responses returns every recorded dispatch response for a request.
func (s *Store) Responses(requestID uint) []models.ServiceRequestResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ServiceRequestResponse
	for _, r := range s.responses {
		if r.ServiceRequestID == requestID {
			out = append(out, r)
		}
	}
	return out
}

// NotificationsFor returns the inbox of a user, oldest first.
func (s *Store) NotificationsFor(userID uint) []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Notification
	for _, n := range s.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	sortByID(out, func(n models.Notification) uint { return n.ID }, false)
	return out
}

// CartExists reports whether the cart is still stored.
func (s *Store) CartExists(id uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.carts[id]
	return ok
}
