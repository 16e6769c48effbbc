package router

import (
	"github.com/gofiber/fiber/v2"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter mounts the REST API before the websocket endpoints so both
// share the Authenticate middleware installed by the HttpRouter.
func InstallRouter(app *fiber.App, http *HttpRouter, ws *WsRouter) {
	setup(app, http, ws)
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
