// Package adminfeed assembles what an admin dashboard session sees on
// connect and keeps its statistics block fresh while it stays open.
package adminfeed

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/app/repository"
	"github.com/repairmybike/rmb-backend/internal/pkg/pushbus"
	"github.com/repairmybike/rmb-backend/internal/pkg/statistics"
)

const (
	FrameInitialData      = "initial_data"
	FrameStatisticsUpdate = "statistics_update"

	FeedLimit = 50
)

// Item is one row of the union feed.
type Item struct {
	Kind      string      `json:"kind"`
	ID        uint        `json:"id"`
	Reference string      `json:"reference,omitempty"`
	Status    string      `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	Payload   interface{} `json:"payload"`
}

type InitialData struct {
	Type          string                `json:"type"`
	Statistics    statistics.Snapshot   `json:"statistics"`
	Requests      []Item                `json:"requests"`
	Notifications []models.Notification `json:"notifications"`
}

type StatisticsFrame struct {
	Type       string              `json:"type"`
	Statistics statistics.Snapshot `json:"statistics"`
}

// Bus is the part of the broker the feed uses.
type Bus interface {
	Subscribe(group string) *pushbus.Subscription
	PublishLocal(group string, frame interface{}) error
}

type Feed struct {
	repos *repository.Repositories
	stats *statistics.Service
	bus   Bus
	dirty atomic.Bool
}

func NewFeed(repos *repository.Repositories, stats *statistics.Service, bus Bus) *Feed {
	return &Feed{repos: repos, stats: stats, bus: bus}
}

// Recent merges the newest sell, service and subscription requests.
func (f *Feed) Recent(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 || limit > FeedLimit {
		limit = FeedLimit
	}
	sells, err := f.repos.Marketplace.RecentSellRequests(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("recent sell requests: %w", err)
	}
	services, err := f.repos.ServiceRequest.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("recent service requests: %w", err)
	}
	subs, err := f.repos.SubscriptionRequest.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("recent subscription requests: %w", err)
	}

	items := make([]Item, 0, len(sells)+len(services)+len(subs))
	for i := range sells {
		s := sells[i]
		items = append(items, Item{Kind: "sell_request", ID: s.ID, Status: s.Status, CreatedAt: s.CreatedAt, Payload: s})
	}
	for i := range services {
		s := services[i]
		items = append(items, Item{Kind: "service_request", ID: s.ID, Reference: s.Reference, Status: s.Status, CreatedAt: s.CreatedAt, Payload: s})
	}
	for i := range subs {
		s := subs[i]
		items = append(items, Item{Kind: "subscription_request", ID: s.ID, Reference: s.Reference, Status: s.Status, CreatedAt: s.CreatedAt, Payload: s})
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Initial builds the frame sent when an admin connects.
func (f *Feed) Initial(ctx context.Context) (*InitialData, error) {
	snap, err := f.stats.Get(ctx)
	if err != nil {
		return nil, err
	}
	items, err := f.Recent(ctx, FeedLimit)
	if err != nil {
		return nil, err
	}
	notes, err := f.repos.Notification.Recent(ctx, FeedLimit)
	if err != nil {
		return nil, fmt.Errorf("recent notifications: %w", err)
	}
	return &InitialData{
		Type:          FrameInitialData,
		Statistics:    snap,
		Requests:      items,
		Notifications: notes,
	}, nil
}

// Run watches the dashboard group and republishes statistics at most once
// per interval, and only after a request changed.
func (f *Feed) Run(ctx context.Context, interval time.Duration) {
	sub := f.bus.Subscribe(pushbus.AdminDashboardGroup)
	defer sub.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sub.C():
			if !ok {
				return
			}
			if isRequestFrame(frame) {
				f.dirty.Store(true)
			}
		case <-ticker.C:
			if f.dirty.Swap(false) {
				f.broadcast(ctx)
			}
		}
	}
}

func (f *Feed) broadcast(ctx context.Context) {
	f.stats.Invalidate()
	snap, err := f.stats.Refresh(ctx)
	if err != nil {
		log.Warnf("[AdminFeed] Statistics refresh failed: %v", err)
		f.dirty.Store(true)
		return
	}
	if err := f.bus.PublishLocal(pushbus.AdminDashboardGroup, StatisticsFrame{Type: FrameStatisticsUpdate, Statistics: snap}); err != nil {
		log.Warnf("[AdminFeed] Statistics push failed: %v", err)
	}
}
