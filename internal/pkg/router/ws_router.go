package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/repairmybike/rmb-backend/internal/pkg/middleware"
	"github.com/repairmybike/rmb-backend/internal/pkg/realtime"
)

type WsRouter struct {
	server *realtime.Server
}

func NewWsRouter(server *realtime.Server) *WsRouter {
	return &WsRouter{server: server}
}

func (w WsRouter) InstallRouter(app *fiber.App) {
	ws := app.Group("/ws")
	ws.Get("/service/", middleware.RequireAuth, realtime.UpgradeOnly, w.server.ServiceHandler())
	ws.Get("/admin/", middleware.RequireStaff, realtime.UpgradeOnly, w.server.AdminHandler())
}
