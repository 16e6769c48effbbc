package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/internal/pkg/reference"
)

// ReferenceGenerator mints candidate references.
type ReferenceGenerator func() (string, error)

// InsertWithReference assigns a fresh reference to sr and calls insert, retrying
// on a uniqueness collision up to reference.MaxAttempts times.
func InsertWithReference(sr *models.ServiceRequest, gen ReferenceGenerator, insert func() error) error {
	if gen == nil {
		gen = reference.NewServiceReference
	}
	for attempt := 1; attempt <= reference.MaxAttempts; attempt++ {
		ref, err := gen()
		if err != nil {
			return err
		}
		sr.Reference = ref

		err = insert()
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}

		sr.ID = 0
		for i := range sr.Items {
			sr.Items[i].ID = 0
			sr.Items[i].ServiceRequestID = 0
		}
	}
	return fmt.Errorf("no unique reference after %d attempts: %w", reference.MaxAttempts, gorm.ErrDuplicatedKey)
}
