package main

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/repairmybike/rmb-backend/app/controllers"
	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/app/repository"
	"github.com/repairmybike/rmb-backend/internal/pkg/adminfeed"
	"github.com/repairmybike/rmb-backend/internal/pkg/blobstore"
	"github.com/repairmybike/rmb-backend/internal/pkg/booking"
	"github.com/repairmybike/rmb-backend/internal/pkg/cache"
	"github.com/repairmybike/rmb-backend/internal/pkg/dispatch"
	"github.com/repairmybike/rmb-backend/internal/pkg/env"
	"github.com/repairmybike/rmb-backend/internal/pkg/jobqueue"
	"github.com/repairmybike/rmb-backend/internal/pkg/mail"
	"github.com/repairmybike/rmb-backend/internal/pkg/middleware"
	"github.com/repairmybike/rmb-backend/internal/pkg/notification"
	"github.com/repairmybike/rmb-backend/internal/pkg/pricing"
	"github.com/repairmybike/rmb-backend/internal/pkg/pushbus"
	"github.com/repairmybike/rmb-backend/internal/pkg/ratelimit"
	"github.com/repairmybike/rmb-backend/internal/pkg/realtime"
	"github.com/repairmybike/rmb-backend/internal/pkg/requests"
	"github.com/repairmybike/rmb-backend/internal/pkg/router"
	"github.com/repairmybike/rmb-backend/internal/pkg/statistics"
	"github.com/repairmybike/rmb-backend/internal/pkg/subscription"
	"github.com/repairmybike/rmb-backend/internal/pkg/tracking"
)

const (
	feedInterval      = 15 * time.Second
	locationRetention = 24 * time.Hour
)

// Container holds the long-lived services of one process.
type Container struct {
	manager *jobqueue.Manager
	feed    *adminfeed.Feed

	http *router.HttpRouter
	ws   *router.WsRouter

	ctx    context.Context
	cancel context.CancelFunc
}

// NewContainer wires every service on top of db and the shared Redis client.
func NewContainer(db *gorm.DB) *Container {
	ctx, cancel := context.WithCancel(context.Background())
	loc := env.Location()

	repository.InitializeFactory(db)
	repos := repository.GetGlobalRepositories()

	bus := pushbus.NewBroker(env.GetEnvInt("PUSH_QUEUE_SIZE", 256))
	if env.GetEnvBool("PUSH_REDIS_BRIDGE", false) {
		if err := bus.AttachRedis(ctx, cache.GetClient(), env.GetEnv("PUSH_REDIS_CHANNEL", pushbus.DefaultBridgeChannel)); err != nil {
			log.Warnf("[Bootstrap] Push bridge disabled: %v", err)
		}
	}

	queue := jobqueue.NewQueue(cache.GetClient(), models.GetAppSettings().GetJobQueueWorkerCount())
	mailer := mail.FromEnv()
	queue.RegisterEmail(mailer)

	notifier := notification.NewService(repos, bus, jobqueue.NewMailQueue(queue, mailer))
	reqs := requests.NewService(repos, notifier)
	resolver := pricing.NewResolver(repos.PricingRule)

	books := booking.NewService(repos, reqs, notifier, resolver)
	books.SetClock(time.Now, loc)

	dispatcher := dispatch.NewEngine(repos, reqs, notifier, resolver, bus)
	queue.RegisterDispatch(dispatcher)
	reqs.SetDispatcher(jobqueue.NewDispatchScheduler(queue, dispatcher))

	hub := tracking.NewHub(repos, reqs, notifier, bus)
	visits := subscription.NewEngine(repos, reqs, notifier, books)
	visits.SetClock(time.Now, loc)

	stats := statistics.NewService(repos, statistics.RedisCache{})
	feed := adminfeed.NewFeed(repos, stats, bus)

	manager := jobqueue.NewManager(queue)
	manager.Every("subscription-expiry", time.Hour, func(ctx context.Context) error {
		n, err := visits.ExpireDue(ctx)
		if n > 0 {
			log.Infof("[Bootstrap] Expired %d subscriptions", n)
		}
		return err
	})
	manager.Every("tracking-stall-sweep", time.Minute, func(ctx context.Context) error {
		_, err := hub.SweepStalled(ctx)
		return err
	})
	manager.Every("location-prune", time.Hour, func(ctx context.Context) error {
		_, err := hub.PruneLocations(ctx, locationRetention)
		return err
	})

	var images controllers.ImageStore
	if cfg, err := blobstore.LoadConfig(); err != nil {
		log.Warnf("[Bootstrap] Image storage config invalid: %v", err)
	} else if client, err := blobstore.NewClient(ctx, cfg); err == nil {
		images = client
	} else {
		log.Infof("[Bootstrap] Image uploads disabled: %v", err)
	}

	verifier := middleware.VerifierFromEnv()
	limits := ratelimit.NewStorage(cache.GetClient())

	return &Container{
		manager: manager,
		feed:    feed,
		http: router.NewHttpRouter(router.Controllers{
			Bookings:      controllers.NewBookingController(books, reqs, visits, images),
			Subscriptions: controllers.NewSubscriptionController(visits),
			Notifications: controllers.NewNotificationController(notifier),
			Admin:         controllers.NewAdminController(reqs, stats, feed, notifier, repos.Setting, queue),
		}, verifier, limits),
		ws:     router.NewWsRouter(realtime.NewServer(bus, hub, feed)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Install mounts every route on app.
func (c *Container) Install(app *fiber.App) {
	router.InstallRouter(app, c.http, c.ws)
}

// Start launches the queue workers, periodic tasks and the dashboard feed.
func (c *Container) Start() {
	c.manager.Start()
	go c.feed.Run(c.ctx, feedInterval)
	log.Info("[Bootstrap] Background services started")
}

// Stop shuts the background services down.
func (c *Container) Stop() {
	c.manager.Stop()
	c.cancel()
}
