package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	ROLE_CUSTOMER    = "customer"
	ROLE_FIELD_STAFF = "field_staff"
	ROLE_STAFF       = "staff"
	ROLE_ADMIN       = "admin"
	STATUS_ACTIVE    = "active"
	STATUS_INACTIVE  = "inactive"
	STATUS_DISABLED  = "disabled"
)

// User is the account record. Credentials live with the identity provider,
// this table only carries what the booking core needs to address people.
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Name      string         `gorm:"type:varchar(150)" json:"name" validate:"required,min=2,max=150"`
	Email     string         `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,max=200"`
	Phone     string         `gorm:"type:varchar(20)" json:"phone" validate:"max=20"`
	Role      string         `gorm:"type:varchar(50);default:'customer';index" json:"role" validate:"oneof=customer field_staff staff admin"`
	Status    string         `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active inactive disabled"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// IsStaff reports whether the user may act on the admin surface.
func (u *User) IsStaff() bool {
	return u.Role == ROLE_STAFF || u.Role == ROLE_ADMIN
}

func (u *User) IsFieldStaff() bool {
	return u.Role == ROLE_FIELD_STAFF
}
