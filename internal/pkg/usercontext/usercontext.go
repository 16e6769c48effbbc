package usercontext

import "github.com/gofiber/fiber/v2"

// Principal is the verified caller of a request as supplied by the auth provider.
type Principal struct {
	UserID       uint   `json:"user_id"`
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	IsStaff      bool   `json:"is_staff"`
	IsFieldStaff bool   `json:"is_field_staff"`
	IsCustomer   bool   `json:"is_customer"`
}

// Authenticated reports whether the principal carries a user.
func (p Principal) Authenticated() bool {
	return p.UserID != 0
}

// CanSee reports whether the principal may read a resource owned by ownerID.
func (p Principal) CanSee(ownerID *uint) bool {
	if p.IsStaff {
		return true
	}
	return ownerID != nil && *ownerID == p.UserID
}

// GetPrincipal retrieves the principal from fiber context.
// Returns an anonymous principal if none is set.
func GetPrincipal(c *fiber.Ctx) Principal {
	if p, ok := c.Locals(KeyPrincipal).(Principal); ok {
		return p
	}
	return Principal{}
}

// SetPrincipal stores the principal on the request.
func SetPrincipal(c *fiber.Ctx, p Principal) {
	c.Locals(KeyPrincipal, p)
}

// GetUserID returns the current user's ID, or 0 if anonymous
func GetUserID(c *fiber.Ctx) uint {
	return GetPrincipal(c).UserID
}

// IsStaff checks if the current user is an admin or office staff member
func IsStaff(c *fiber.Ctx) bool {
	return GetPrincipal(c).IsStaff
}
