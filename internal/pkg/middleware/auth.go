package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/repairmybike/rmb-backend/internal/pkg/apperror"
	"github.com/repairmybike/rmb-backend/internal/pkg/usercontext"
)

// Authenticate attaches the principal of a valid bearer token. Requests
// without a token continue anonymously; a bad token is rejected.
func Authenticate(v *TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := extractToken(c)
		if raw == "" {
			return c.Next()
		}
		p, err := v.Verify(raw)
		if err != nil {
			return apperror.Respond(c, apperror.Unauthorized(err.Error()))
		}
		usercontext.SetPrincipal(c, p)
		return c.Next()
	}
}

// RequireAuth rejects anonymous callers with 401.
func RequireAuth(c *fiber.Ctx) error {
	if !usercontext.GetPrincipal(c).Authenticated() {
		return apperror.Respond(c, apperror.Unauthorized("authentication required"))
	}
	return c.Next()
}

// RequireStaff allows admins and office staff.
func RequireStaff(c *fiber.Ctx) error {
	p := usercontext.GetPrincipal(c)
	if !p.Authenticated() {
		return apperror.Respond(c, apperror.Unauthorized("authentication required"))
	}
	if !p.IsStaff {
		return apperror.Respond(c, apperror.Forbidden("staff only"))
	}
	return c.Next()
}

// RequireFieldStaff allows mechanics and staff.
func RequireFieldStaff(c *fiber.Ctx) error {
	p := usercontext.GetPrincipal(c)
	if !p.Authenticated() {
		return apperror.Respond(c, apperror.Unauthorized("authentication required"))
	}
	if !p.IsFieldStaff && !p.IsStaff {
		return apperror.Respond(c, apperror.Forbidden("field staff only"))
	}
	return c.Next()
}
