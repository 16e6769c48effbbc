// Package memory is an in-process implementation of the repositories, used by
// tests and local tooling. Transactions serialise and roll back on error.
package memory

import (
	"context"
	"sync"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/app/repository"
)

type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex
	seq  uint

	// NewReference overrides reference minting when set.
	NewReference repository.ReferenceGenerator

	users         map[uint]models.User
	serviceItems  map[uint]models.ServiceItem
	planVariants  map[uint]models.PlanVariant
	carts         map[uint]models.Cart
	requests      map[uint]models.ServiceRequest
	staff         map[uint]models.FieldStaff
	responses     map[uint]models.ServiceRequestResponse
	locations     map[uint]models.LiveLocation
	rules         map[uint]models.DistancePricingRule
	notifications map[uint]models.Notification
	subRequests   map[uint]models.SubscriptionRequest
	subscriptions map[uint]models.UserSubscription
	visits        map[uint]models.VisitSchedule
	vehicles      map[uint]models.Vehicle
	sellRequests  map[uint]models.SellRequest
	settings      *models.AppSettings
}

func New() *Store {
	return &Store{
		users:         map[uint]models.User{},
		serviceItems:  map[uint]models.ServiceItem{},
		planVariants:  map[uint]models.PlanVariant{},
		carts:         map[uint]models.Cart{},
		requests:      map[uint]models.ServiceRequest{},
		staff:         map[uint]models.FieldStaff{},
		responses:     map[uint]models.ServiceRequestResponse{},
		locations:     map[uint]models.LiveLocation{},
		rules:         map[uint]models.DistancePricingRule{},
		notifications: map[uint]models.Notification{},
		subRequests:   map[uint]models.SubscriptionRequest{},
		subscriptions: map[uint]models.UserSubscription{},
		visits:        map[uint]models.VisitSchedule{},
		vehicles:      map[uint]models.Vehicle{},
		sellRequests:  map[uint]models.SellRequest{},
		settings:      models.DefaultAppSettings(),
	}
}

// Repositories returns repository views over the store with transactional semantics.
func (s *Store) Repositories() *repository.Repositories {
	repos := s.views()
	return repos.WithTxRunner(s.runTx)
}

func (s *Store) views() *repository.Repositories {
	return &repository.Repositories{
		User:                &userRepo{s},
		Catalog:             &catalogRepo{s},
		Cart:                &cartRepo{s},
		ServiceRequest:      &serviceRequestRepo{s},
		FieldStaff:          &fieldStaffRepo{s},
		DispatchResponse:    &responseRepo{s},
		LiveLocation:        &locationRepo{s},
		PricingRule:         &pricingRuleRepo{s},
		Notification:        &notificationRepo{s},
		SubscriptionRequest: &subRequestRepo{s},
		UserSubscription:    &subscriptionRepo{s},
		Visit:               &visitRepo{s},
		Marketplace:         &marketplaceRepo{s},
		Setting:             &settingRepo{s},
	}
}

func (s *Store) runTx(ctx context.Context, fn func(tx *repository.Repositories) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	inner := s.views()
	inner.WithTxRunner(func(_ context.Context, nested func(tx *repository.Repositories) error) error {
		return nested(inner)
	})
	if err := fn(inner); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	seq           uint
	users         map[uint]models.User
	serviceItems  map[uint]models.ServiceItem
	planVariants  map[uint]models.PlanVariant
	carts         map[uint]models.Cart
	requests      map[uint]models.ServiceRequest
	staff         map[uint]models.FieldStaff
	responses     map[uint]models.ServiceRequestResponse
	locations     map[uint]models.LiveLocation
	rules         map[uint]models.DistancePricingRule
	notifications map[uint]models.Notification
	subRequests   map[uint]models.SubscriptionRequest
	subscriptions map[uint]models.UserSubscription
	visits        map[uint]models.VisitSchedule
	vehicles      map[uint]models.Vehicle
	sellRequests  map[uint]models.SellRequest
}

func clone[V any](m map[uint]V) map[uint]V {
	out := make(map[uint]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot{
		seq:           s.seq,
		users:         clone(s.users),
		serviceItems:  clone(s.serviceItems),
		planVariants:  clone(s.planVariants),
		carts:         clone(s.carts),
		requests:      clone(s.requests),
		staff:         clone(s.staff),
		responses:     clone(s.responses),
		locations:     clone(s.locations),
		rules:         clone(s.rules),
		notifications: clone(s.notifications),
		subRequests:   clone(s.subRequests),
		subscriptions: clone(s.subscriptions),
		visits:        clone(s.visits),
		vehicles:      clone(s.vehicles),
		sellRequests:  clone(s.sellRequests),
	}
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = snap.seq
	s.users = snap.users
	s.serviceItems = snap.serviceItems
	s.planVariants = snap.planVariants
	s.carts = snap.carts
	s.requests = snap.requests
	s.staff = snap.staff
	s.responses = snap.responses
	s.locations = snap.locations
	s.rules = snap.rules
	s.notifications = snap.notifications
	s.subRequests = snap.subRequests
	s.subscriptions = snap.subscriptions
	s.visits = snap.visits
	s.vehicles = snap.vehicles
	s.sellRequests = snap.sellRequests
}

// nextID must be called with s.mu held.
func (s *Store) nextID() uint {
	s.seq++
	return s.seq
}
