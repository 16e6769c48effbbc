package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repairmybike/rmb-backend/app/controllers"
	"github.com/repairmybike/rmb-backend/app/models"
	"github.com/repairmybike/rmb-backend/app/repository/memory"
	"github.com/repairmybike/rmb-backend/internal/pkg/adminfeed"
	"github.com/repairmybike/rmb-backend/internal/pkg/booking"
	"github.com/repairmybike/rmb-backend/internal/pkg/cache"
	"github.com/repairmybike/rmb-backend/internal/pkg/middleware"
	"github.com/repairmybike/rmb-backend/internal/pkg/notification"
	"github.com/repairmybike/rmb-backend/internal/pkg/pricing"
	"github.com/repairmybike/rmb-backend/internal/pkg/pushbus"
	"github.com/repairmybike/rmb-backend/internal/pkg/realtime"
	"github.com/repairmybike/rmb-backend/internal/pkg/requests"
	"github.com/repairmybike/rmb-backend/internal/pkg/statistics"
	"github.com/repairmybike/rmb-backend/internal/pkg/subscription"
	"github.com/repairmybike/rmb-backend/internal/pkg/tracking"
	"github.com/repairmybike/rmb-backend/internal/pkg/usercontext"
)

type testServer struct {
	app      *fiber.App
	store    *memory.Store
	verifier *middleware.TokenVerifier
	settings *models.AppSettings
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	repos := store.Repositories()
	bus := pushbus.NewBroker(16)
	notifier := notification.NewService(repos, bus, nil)
	reqs := requests.NewService(repos, notifier)

	settings := models.DefaultAppSettings()
	books := booking.NewService(repos, reqs, notifier, pricing.NewResolver(repos.PricingRule))
	books.SetSettings(func() *models.AppSettings { return settings })
	visits := subscription.NewEngine(repos, reqs, notifier, books)
	stats := statistics.NewService(repos, nil)
	feed := adminfeed.NewFeed(repos, stats, bus)
	hub := tracking.NewHub(repos, reqs, notifier, bus)

	store.AddPricingRule(models.DistancePricingRule{
		CenterLat: 12.9716, CenterLon: 77.5946,
		FreeRadiusKm: 5, MaxDistanceKm: 50,
		BaseCharge: decimal.NewFromInt(50), PerKmCharge: decimal.NewFromInt(10),
		IsActive: true,
	})

	verifier := middleware.NewTokenVerifier("test-secret")
	app := fiber.New()
	InstallRouter(app,
		NewHttpRouter(Controllers{
			Bookings:      controllers.NewBookingController(books, reqs, visits, nil),
			Subscriptions: controllers.NewSubscriptionController(visits),
			Notifications: controllers.NewNotificationController(notifier),
			Admin:         controllers.NewAdminController(reqs, stats, feed, notifier, repos.Setting, nil),
		}, verifier, nil),
		NewWsRouter(realtime.NewServer(bus, hub, feed)),
	)

	return &testServer{app: app, store: store, verifier: verifier, settings: settings}
}

func (s *testServer) customer(t *testing.T, name string) (models.User, string) {
	t.Helper()
	u := s.store.AddUser(models.User{Name: name, Email: name + "@example.com", Role: models.ROLE_CUSTOMER})
	token, err := s.verifier.Issue(usercontext.Principal{UserID: u.ID, Name: u.Name, Email: u.Email, IsCustomer: true})
	require.NoError(t, err)
	return u, token
}

func (s *testServer) admin(t *testing.T) string {
	t.Helper()
	u := s.store.AddUser(models.User{Name: "ops", Role: models.ROLE_ADMIN})
	token, err := s.verifier.Issue(usercontext.Principal{UserID: u.ID, Name: u.Name, IsStaff: true})
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token, body string) (int, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

func TestDistanceFee(t *testing.T) {
	s := newTestServer(t)

	t.Run("inside the free radius", func(t *testing.T) {
		status, body := s.do(t, http.MethodPost, "/service/distance-fee", "", `{"latitude":12.9716,"longitude":77.5946}`)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "0", body["distance_fee"])
	})

	t.Run("outside the service area", func(t *testing.T) {
		status, body := s.do(t, http.MethodPost, "/service/distance-fee", "", `{"latitude":13.9716,"longitude":77.5946}`)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, models.CANCEL_REASON_OUT_OF_RANGE, body["error"])
		details, ok := body["details"].(map[string]interface{})
		require.True(t, ok)
		assert.Greater(t, details["distance_km"], 50.0)
	})

	t.Run("missing coordinates", func(t *testing.T) {
		status, body := s.do(t, http.MethodPost, "/service/distance-fee", "", `{"latitude":12.9}`)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, body, "details")
	})

	t.Run("malformed body", func(t *testing.T) {
		status, body := s.do(t, http.MethodPost, "/service/distance-fee", "", `{"latitude":`)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "invalid request body", body["error"])
	})
}

func TestGuards(t *testing.T) {
	s := newTestServer(t)
	_, customer := s.customer(t, "kiran")
	admin := s.admin(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"bookings need a token", http.MethodGet, "/service/bookings", "", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/service/bookings", "garbage", http.StatusUnauthorized},
		{"customer lists bookings", http.MethodGet, "/service/bookings", customer, http.StatusOK},
		{"customer on admin", http.MethodGet, "/admin/settings", customer, http.StatusForbidden},
		{"admin on admin", http.MethodGet, "/admin/settings", admin, http.StatusOK},
		{"customer completes visit", http.MethodPost, "/subscriptions/visits/1/complete", customer, http.StatusForbidden},
		{"customer approves request", http.MethodPost, "/subscriptions/requests/1/approve", customer, http.StatusForbidden},
		{"notifications anonymous", http.MethodGet, "/notifications", "", http.StatusUnauthorized},
		{"admin websocket as customer", http.MethodGet, "/ws/admin/", customer, http.StatusForbidden},
		{"service websocket without upgrade", http.MethodGet, "/ws/service/", customer, http.StatusUpgradeRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := s.do(t, tt.method, tt.path, tt.token, "")
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestBookingOwnership(t *testing.T) {
	s := newTestServer(t)
	owner, ownerToken := s.customer(t, "asha")
	_, otherToken := s.customer(t, "dev")
	sr := s.store.AddServiceRequest(models.ServiceRequest{
		Reference: "RMB-TEST01", UserID: &owner.ID,
		PurchaseType: models.PURCHASE_DIRECT, Status: models.SR_STATUS_PENDING,
	})
	path := fmt.Sprintf("/service/bookings/%d", sr.ID)

	status, _ := s.do(t, http.MethodGet, path, otherToken, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, body := s.do(t, http.MethodPost, path+"/cancel", otherToken, "")
	assert.Equal(t, http.StatusForbidden, status)
	assert.NotEmpty(t, body["error"])
	assert.Equal(t, models.SR_STATUS_PENDING, s.store.Request(sr.ID).Status)

	status, body = s.do(t, http.MethodPost, path+"/cancel", ownerToken, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.SR_STATUS_CANCELLED, body["status"])

	status, _ = s.do(t, http.MethodGet, "/service/bookings/abc", ownerToken, "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCheckoutMissingCart(t *testing.T) {
	s := newTestServer(t)
	_, token := s.customer(t, "neha")

	status, body := s.do(t, http.MethodPost, "/service/bookings", token, `{
		"cart_id": 99,
		"contact": {"name":"Neha","email":"neha@example.com","phone":"9000000000","address":"MG Road"}
	}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.NotEmpty(t, body["error"])
}

func TestCheckoutCartViaCreate(t *testing.T) {
	s := newTestServer(t)
	user, token := s.customer(t, "asha")
	item := s.store.AddServiceItem(models.ServiceItem{Name: "General service", Price: decimal.NewFromInt(799), IsActive: true})
	cart := s.store.AddCart(models.Cart{UserID: user.ID, Items: []models.CartItem{{ServiceItemID: item.ID, Quantity: 1}}})

	body := fmt.Sprintf(`{
		"cart_id": %d,
		"contact": {"name":"Asha","email":"asha@example.com","phone":"9000000001","address":"MG Road",
			"latitude":12.9716,"longitude":77.5946}
	}`, cart.ID)

	status, resp := s.do(t, http.MethodPost, "/service/bookings/create", token, body)
	require.Equal(t, http.StatusCreated, status, "body: %v", resp)
	assert.Equal(t, models.SR_STATUS_PENDING, resp["status"])
	assert.Equal(t, models.PURCHASE_CART, resp["purchase_type"])
	assert.False(t, s.store.CartExists(cart.ID))

	status, _ = s.do(t, http.MethodPost, "/service/bookings/create", token, body)
	assert.Equal(t, http.StatusConflict, status)
}

func TestAttachmentWithoutStorage(t *testing.T) {
	s := newTestServer(t)
	owner, token := s.customer(t, "ravi")
	sr := s.store.AddServiceRequest(models.ServiceRequest{
		Reference: "RMB-TEST02", UserID: &owner.ID,
		PurchaseType: models.PURCHASE_DIRECT, Status: models.SR_STATUS_PENDING,
	})

	path := fmt.Sprintf("/service/bookings/%d/attachments", sr.ID)

	status, body := s.do(t, http.MethodPost, path, token, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "image file is required", body["error"])

	upload := func(filename string, content []byte) (int, map[string]interface{}) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		part, err := w.CreateFormFile("image", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		req := httptest.NewRequest(http.MethodPost, path, &buf)
		req.Header.Set(fiber.HeaderContentType, w.FormDataContentType())
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
		resp, err := s.app.Test(req, -1)
		require.NoError(t, err)
		defer resp.Body.Close()
		out := map[string]interface{}{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp.StatusCode, out
	}

	status, body = upload("brake.png", []byte("<!DOCTYPE html><html></html>"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "unsupported image type", body["error"])

	status, _ = upload("brake.png", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
	assert.GreaterOrEqual(t, status, http.StatusInternalServerError)
}

func TestAdminSettingsUpdate(t *testing.T) {
	s := newTestServer(t)
	admin := s.admin(t)

	status, body := s.do(t, http.MethodPut, "/admin/settings", admin, `{"dispatch_radius_km": 8, "distance_fee_enabled": false}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 8.0, body["dispatch_radius_km"])
	assert.Equal(t, false, body["distance_fee_enabled"])
	assert.Equal(t, float64(models.DefaultAppSettings().OfferTimeoutSeconds), body["offer_timeout_seconds"])

	status, body = s.do(t, http.MethodGet, "/admin/settings", admin, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 8.0, body["dispatch_radius_km"])

	status, body = s.do(t, http.MethodPut, "/admin/settings", admin, `{"dispatch_radius_km": -1}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation failed", body["error"])

	status, _ = s.do(t, http.MethodPut, "/admin/settings", admin, `not json`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestNotificationsFlow(t *testing.T) {
	s := newTestServer(t)
	_, token := s.customer(t, "priya")

	status, body := s.do(t, http.MethodGet, "/notifications", token, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0.0, body["unread"])

	status, _ = s.do(t, http.MethodPost, "/notifications/read-all", token, "")
	assert.Equal(t, http.StatusOK, status)
}

func TestAdminQueuesWithoutQueue(t *testing.T) {
	s := newTestServer(t)
	status, _ := s.do(t, http.MethodGet, "/admin/queues", s.admin(t), "")
	assert.Equal(t, http.StatusOK, status)
}

func TestHealthReportsCache(t *testing.T) {
	cache.SetClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}))
	t.Cleanup(func() { cache.SetClient(nil) })

	s := newTestServer(t)
	status, body := s.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["cache"])
}
