package controllers

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/gofiber/fiber/v2"

	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/internal/pkg/apperror"
	"github.com/repairmybike/rmb-backend/internal/pkg/blobstore"
	"github.com/repairmybike/rmb-backend/internal/pkg/booking"
	"github.com/repairmybike/rmb-backend/internal/pkg/geo"
	"github.com/repairmybike/rmb-backend/internal/pkg/requests"
	"github.com/repairmybike/rmb-backend/internal/pkg/subscription"
	"github.com/repairmybike/rmb-backend/internal/pkg/usercontext"
)

// ImageStore uploads booking images and returns their URL.
type ImageStore interface {
	PutImage(ctx context.Context, reference, contentType string, body io.Reader, size int64) (string, error)
}

// BookingController serves the customer booking surface.
type BookingController struct {
	bookings *booking.Service
	requests *requests.Service
	visits   *subscription.Engine
	images   ImageStore
}

func NewBookingController(bookings *booking.Service, reqs *requests.Service, visits *subscription.Engine, images ImageStore) *BookingController {
	return &BookingController{bookings: bookings, requests: reqs, visits: visits, images: images}
}

// HandleCreate checks out the caller's cart.
func (bc *BookingController) HandleCreate(c *fiber.Ctx) error {
	var in booking.CheckoutInput
	if err := c.BodyParser(&in); err != nil {
		return apperror.Respond(c, apperror.Validation("invalid request body"))
	}
	sr, err := bc.bookings.CheckoutCart(c.UserContext(), usercontext.GetPrincipal(c), in)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sr)
}

// HandleBuyNow books a single service directly.
func (bc *BookingController) HandleBuyNow(c *fiber.Ctx) error {
	var in booking.BuyNowInput
	if err := c.BodyParser(&in); err != nil {
		return apperror.Respond(c, apperror.Validation("invalid request body"))
	}
	sr, err := bc.bookings.BuyNow(c.UserContext(), usercontext.GetPrincipal(c), in)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sr)
}

// HandleSubscriptionBooking books a visit covered by the caller's subscription.
func (bc *BookingController) HandleSubscriptionBooking(c *fiber.Ctx) error {
	var in subscription.VisitInput
	if err := c.BodyParser(&in); err != nil {
		return apperror.Respond(c, apperror.Validation("invalid request body"))
	}
	visit, err := bc.visits.ScheduleVisit(c.UserContext(), usercontext.GetPrincipal(c), in)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(visit)
}

func (bc *BookingController) HandleList(c *fiber.Ctx) error {
	list, err := bc.requests.ListForCustomer(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(fiber.Map{"bookings": list, "count": len(list)})
}

func (bc *BookingController) HandleGet(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return apperror.Respond(c, err)
	}
	sr, err := bc.requests.Get(c.UserContext(), usercontext.GetPrincipal(c), id)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(sr)
}

func (bc *BookingController) HandleCancel(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return apperror.Respond(c, err)
	}
	sr, err := bc.requests.Cancel(c.UserContext(), usercontext.GetPrincipal(c), id)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(sr)
}

// HandleClearCancelled hides the caller's cancelled bookings from their list.
func (bc *BookingController) HandleClearCancelled(c *fiber.Ctx) error {
	n, err := bc.requests.HideCancelled(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.JSON(fiber.Map{"hidden": n})
}

type distanceFeeInput struct {
	Latitude  *float64 `json:"latitude" validate:"required,latitude"`
	Longitude *float64 `json:"longitude" validate:"required,longitude"`
}

// HandleDistanceFee quotes the surcharge for a location. Public.
func (bc *BookingController) HandleDistanceFee(c *fiber.Ctx) error {
	var in distanceFeeInput
	if err := bind(c, &in); err != nil {
		return apperror.Respond(c, err)
	}
	quote, err := bc.bookings.DistanceFee(c.UserContext(), geo.PointFrom(in.Latitude, in.Longitude))
	if err != nil {
		return apperror.Respond(c, err)
	}
	if quote.OutOfRange {
		return apperror.Respond(c, apperror.Validation(models.CANCEL_REASON_OUT_OF_RANGE).
			WithDetail("distance_km", quote.DistanceKm))
	}
	return c.JSON(fiber.Map{
		"distance_fee": quote.Fee,
		"distance_km":  quote.DistanceKm,
	})
}

// HandleAttachment uploads one image for a booking the caller can see.
func (bc *BookingController) HandleAttachment(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return apperror.Respond(c, err)
	}
	p := usercontext.GetPrincipal(c)
	sr, err := bc.requests.Get(c.UserContext(), p, id)
	if err != nil {
		return apperror.Respond(c, err)
	}

	fh, err := c.FormFile("image")
	if err != nil {
		return apperror.Respond(c, apperror.Validation("image file is required"))
	}
	f, err := fh.Open()
	if err != nil {
		return apperror.Respond(c, apperror.Validation("unreadable image"))
	}
	defer f.Close()

	head := make([]byte, blobstore.SniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return apperror.Respond(c, apperror.Validation("unreadable image"))
	}
	head = head[:n]
	contentType, err := blobstore.DetectImageType(fh.Filename, head)
	if err != nil {
		return apperror.Respond(c, apperror.Validation(err.Error()))
	}

	if bc.images == nil {
		return apperror.Respond(c, apperror.Dependency("upload image", blobstore.ErrDisabled))
	}
	body := io.MultiReader(bytes.NewReader(head), f)
	url, err := bc.images.PutImage(c.UserContext(), sr.Reference, contentType, body, fh.Size)
	switch {
	case errors.Is(err, blobstore.ErrUnsupportedType), errors.Is(err, blobstore.ErrAttachmentTooLarge):
		return apperror.Respond(c, apperror.Validation(err.Error()))
	case err != nil:
		return apperror.Respond(c, apperror.Dependency("upload image", err))
	}

	att, err := bc.requests.AddAttachment(c.UserContext(), p, id, url, contentType)
	if err != nil {
		return apperror.Respond(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(att)
}
