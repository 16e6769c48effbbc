package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/repairmybike/rmb-backend/app/controllers"
	"github.com/repairmybike/rmb-backend/internal/pkg/middleware"
	"github.com/repairmybike/rmb-backend/internal/pkg/ratelimit"
)

// Controllers bundles the REST handlers mounted by HttpRouter.
type Controllers struct {
	Bookings      *controllers.BookingController
	Subscriptions *controllers.SubscriptionController
	Notifications *controllers.NotificationController
	Admin         *controllers.AdminController
}

type HttpRouter struct {
	c        Controllers
	verifier *middleware.TokenVerifier
	limits   fiber.Storage
}

func NewHttpRouter(c Controllers, verifier *middleware.TokenVerifier, limits fiber.Storage) *HttpRouter {
	return &HttpRouter{c: c, verifier: verifier, limits: limits}
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Use(cors.New(), middleware.Authenticate(h.verifier))

	app.Get("/health", controllers.HandleHealth)

	h.registerServiceRoutes(app)
	h.registerSubscriptionRoutes(app)
	h.registerNotificationRoutes(app)
	h.registerAdminRoutes(app)
}

func (h HttpRouter) registerServiceRoutes(app *fiber.App) {
	service := app.Group("/service")
	service.Post("/distance-fee", ratelimit.New(30, time.Minute, h.limits), h.c.Bookings.HandleDistanceFee)

	bookings := service.Group("/bookings", middleware.RequireAuth)
	bookings.Post("/create", ratelimit.New(10, time.Minute, h.limits), h.c.Bookings.HandleCreate)
	bookings.Post("/", ratelimit.New(10, time.Minute, h.limits), h.c.Bookings.HandleCreate)
	bookings.Post("/buy-now", ratelimit.New(10, time.Minute, h.limits), h.c.Bookings.HandleBuyNow)
	bookings.Post("/subscription", h.c.Bookings.HandleSubscriptionBooking)
	bookings.Get("/", h.c.Bookings.HandleList)
	bookings.Post("/clear-cancelled", h.c.Bookings.HandleClearCancelled)
	bookings.Get("/:id", h.c.Bookings.HandleGet)
	bookings.Post("/:id/cancel", h.c.Bookings.HandleCancel)
	bookings.Post("/:id/attachments", h.c.Bookings.HandleAttachment)
}

func (h HttpRouter) registerSubscriptionRoutes(app *fiber.App) {
	subs := app.Group("/subscriptions", middleware.RequireAuth)
	subs.Post("/requests", h.c.Subscriptions.HandleCreateRequest)
	subs.Get("/requests", h.c.Subscriptions.HandleListRequests)
	subs.Post("/requests/:id/approve", middleware.RequireStaff, h.c.Subscriptions.HandleApprove)
	subs.Post("/requests/:id/reject", middleware.RequireStaff, h.c.Subscriptions.HandleReject)
	subs.Get("/active", h.c.Subscriptions.HandleActive)

	// visits
	subs.Get("/visits/available-times", h.c.Subscriptions.HandleAvailableTimes)
	subs.Post("/visits", h.c.Subscriptions.HandleScheduleVisit)
	subs.Get("/visits", h.c.Subscriptions.HandleListVisits)
	subs.Post("/visits/:id/complete", middleware.RequireFieldStaff, h.c.Subscriptions.HandleCompleteVisit)
	subs.Post("/visits/:id/cancel", h.c.Subscriptions.HandleCancelVisit)
}

func (h HttpRouter) registerNotificationRoutes(app *fiber.App) {
	notes := app.Group("/notifications", middleware.RequireAuth)
	notes.Get("/", h.c.Notifications.HandleList)
	notes.Post("/read-all", h.c.Notifications.HandleMarkAllRead)
	notes.Post("/:id/read", h.c.Notifications.HandleMarkRead)
}

func (h HttpRouter) registerAdminRoutes(app *fiber.App) {
	adminGroup := app.Group("/admin", middleware.RequireStaff)
	adminGroup.Get("/dashboard/statistics", h.c.Admin.HandleStatistics)
	adminGroup.Get("/requests", h.c.Admin.HandleRequests)

	// Bookings
	adminGroup.Get("/service/bookings", h.c.Admin.HandleListBookings)
	adminGroup.Post("/service/bookings/:id/confirm", h.c.Admin.HandleConfirm)
	adminGroup.Post("/service/bookings/:id/reject", h.c.Admin.HandleReject)

	adminGroup.Get("/subscriptions/requests", h.c.Subscriptions.HandleAdminListRequests)
	adminGroup.Get("/notifications", h.c.Admin.HandleNotifications)
	adminGroup.Get("/queues", h.c.Admin.HandleQueues)

	// Settings
	adminGroup.Get("/settings", h.c.Admin.HandleGetSettings)
	adminGroup.Put("/settings", h.c.Admin.HandleUpdateSettings)
}
