package routes

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localboard/localboard/internal/config"
	"github.com/localboard/localboard/internal/geofence"
	"github.com/localboard/localboard/internal/logging"
	"github.com/localboard/localboard/internal/middleware"
	"github.com/localboard/localboard/internal/storage"
)

const sessionCookie = "lb_session"

var jpegSelfie = append([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, make([]byte, 128)...)

func testConfig() config.Config {
	return config.Config{
		AppName:                "Localboard",
		AppEnv:                 "test",
		PINSecret:              "pin-secret",
		EmailTokenSecret:       "email-secret",
		SessionSecret:          "session-secret",
		EmailTokenTTL:          time.Hour,
		SessionTTL:             30 * 24 * time.Hour,
		SessionCookie:          sessionCookie,
		OTPTTL:                 30 * time.Minute,
		IdempotencyTTL:         time.Hour,
		GeofenceToleranceMiles: 0.1,
		ServiceRegion:          geofence.DefaultRegion,
		RateLimitBackend:       "memory",
		RateLimitFailOpen:      true,
		Budgets:                config.DefaultBudgets,
	}
}

type testApp struct {
	app  *fiber.App
	blob *storage.MemoryBlob
}

func newTestApp(t *testing.T, opts ...func(*Deps)) *testApp {
	t.Helper()
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler(logging.Discard())})
	blob := storage.NewMemoryBlob("https://cdn.test")
	deps := Deps{
		Cfg:          testConfig(),
		Logger:       logging.Discard(),
		Blob:         blob,
		OTPGenerator: func() (string, error) { return "123456", nil },
	}
	for _, opt := range opts {
		opt(&deps)
	}
	require.NoError(t, Setup(app, deps))
	return &testApp{app: app, blob: blob}
}

func withRedis(t *testing.T) func(*Deps) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return func(d *Deps) { d.Cache = client }
}

func (a *testApp) do(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(raw, &body), string(raw))
	}
	return resp, body
}

func (a *testApp) action(t *testing.T, payload map[string]string, cookie *http.Cookie) (*http.Response, map[string]any) {
	t.Helper()
	buf, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(fiber.MethodPost, "/auth", bytes.NewReader(buf))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return a.do(t, req)
}

func (a *testApp) status(t *testing.T, cookie *http.Cookie) map[string]any {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodGet, "/auth", nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, body := a.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return body
}

func (a *testApp) emailToken(t *testing.T, email string) string {
	t.Helper()
	resp, body := a.action(t, map[string]string{"action": "send-otp", "email": email}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, true, body["sent"])

	resp, body = a.action(t, map[string]string{"action": "verify-otp", "email": email, "code": "123456"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	require.Equal(t, "needs_profile", body["status"])
	token, _ := body["emailToken"].(string)
	require.NotEmpty(t, token)
	return token
}

func signupForm(t *testing.T, fields map[string]string, selfie []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if selfie != nil {
		part, err := w.CreateFormFile("selfie", "selfie.jpg")
		require.NoError(t, err)
		_, err = part.Write(selfie)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func (a *testApp) completeSignup(t *testing.T, email, token, liveLat, liveLon string) (*http.Response, map[string]any) {
	t.Helper()
	return a.do(t, signupRequest(t, email, token, liveLat, liveLon))
}

func signupRequest(t *testing.T, email, token, liveLat, liveLon string) *http.Request {
	t.Helper()
	body, contentType := signupForm(t, map[string]string{
		"email":       email,
		"emailToken":  token,
		"displayName": "Ada Lovelace",
		"pin":         "4821",
		"address":     "1 Washington Sq, New York, NY",
		"addressLat":  "40.73",
		"addressLon":  "-73.99",
		"liveLat":     liveLat,
		"liveLon":     liveLon,
		"accountType": "personal",
	}, jpegSelfie)
	req := httptest.NewRequest(fiber.MethodPost, "/auth/complete-signup", body)
	req.Header.Set(fiber.HeaderContentType, contentType)
	return req
}

func findCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	return nil
}

func TestSignupWithinGeofenceEndToEnd(t *testing.T) {
	a := newTestApp(t)

	token := a.emailToken(t, "a@b.com")
	resp, body := a.completeSignup(t, "a@b.com", token, "40.7301", "-73.9899")
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)

	cookie := findCookie(resp)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)

	status := a.status(t, &http.Cookie{Name: sessionCookie, Value: cookie.Value})
	assert.Equal(t, true, status["authenticated"])
	user, ok := status["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, user["verified"])
	assert.Equal(t, "a@b.com", user["email"])
	assert.Equal(t, 1, a.blob.Len())

	// The finished account now logs in through verify-otp and PIN.
	resp, body = a.action(t, map[string]string{"action": "send-otp", "email": "a@b.com"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	resp, body = a.action(t, map[string]string{"action": "verify-otp", "email": "a@b.com", "code": "123456"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "logged_in", body["status"])
	assert.NotNil(t, findCookie(resp))

	resp, _ = a.action(t, map[string]string{"action": "login", "email": "A@b.com", "pin": "4821"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, findCookie(resp))

	// A second signup for the same email is refused.
	resp, body = a.completeSignup(t, "a@b.com", token, "40.7301", "-73.9899")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "An account with this email already exists. Please log in instead.", body["error"])
}

func TestSignupOutsideGeofenceEndToEnd(t *testing.T) {
	a := newTestApp(t)

	token := a.emailToken(t, "a@b.com")
	resp, body := a.completeSignup(t, "a@b.com", token, "40.80", "-73.99")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "feet from your address")
	feet, ok := body["distanceFeet"].(float64)
	require.True(t, ok)
	assert.InDelta(t, 25538, feet, 100)
	assert.Nil(t, findCookie(resp))

	resp, body = a.action(t, map[string]string{"action": "login", "email": "a@b.com", "pin": "4821"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "no account row was created")
	assert.Equal(t, "Invalid email or PIN.", body["error"])
	assert.Zero(t, a.blob.Len())

	// The same token still works once the user is at the address.
	resp, _ = a.completeSignup(t, "a@b.com", token, "40.7301", "-73.9899")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestSendOTPPerEmailBudget(t *testing.T) {
	a := newTestApp(t)
	for i := 0; i < 2; i++ {
		resp, _ := a.action(t, map[string]string{"action": "send-otp", "email": "a@b.com"}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := a.action(t, map[string]string{"action": "send-otp", "email": "a@b.com"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, middleware.MsgTooManyRequests, body["error"])
}

func TestVerifyOTPRejectsReplay(t *testing.T) {
	a := newTestApp(t)
	a.emailToken(t, "a@b.com")

	resp, body := a.action(t, map[string]string{"action": "verify-otp", "email": "a@b.com", "code": "123456"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "That code is invalid or has expired.", body["error"])
}

func TestSessionGatedActions(t *testing.T) {
	a := newTestApp(t)

	resp, body := a.action(t, map[string]string{"action": "logout"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, middleware.MsgLoginRequired, body["error"])

	token := a.emailToken(t, "a@b.com")
	resp, _ = a.completeSignup(t, "a@b.com", token, "40.7301", "-73.9899")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	cookie := &http.Cookie{Name: sessionCookie, Value: findCookie(resp).Value}

	resp, _ = a.action(t, map[string]string{"action": "set-pin", "currentPin": "4821", "pin": "97531"}, cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = a.action(t, map[string]string{"action": "login", "email": "a@b.com", "pin": "97531"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req := httptest.NewRequest(fiber.MethodGet, "/api/v1/me", nil)
	req.AddCookie(cookie)
	resp, body = a.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	user, _ := body["user"].(map[string]any)
	assert.Equal(t, "Ada Lovelace", user["displayName"])

	resp, _ = a.action(t, map[string]string{"action": "logout"}, cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cleared := findCookie(resp)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
}

func TestStatusWithoutSession(t *testing.T) {
	a := newTestApp(t)
	assert.Equal(t, false, a.status(t, nil)["authenticated"])
	assert.Equal(t, false, a.status(t, &http.Cookie{Name: sessionCookie, Value: "1.2.3"})["authenticated"])

	resp, _ := a.do(t, httptest.NewRequest(fiber.MethodGet, "/api/v1/me", nil))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSignupValidationError(t *testing.T) {
	a := newTestApp(t)
	token := a.emailToken(t, "a@b.com")

	body, contentType := signupForm(t, map[string]string{
		"email": "a@b.com", "emailToken": token, "displayName": "Ada", "pin": "4821",
		"address": "1 Washington Sq", "addressLat": "40.73", "addressLon": "-73.99",
		"liveLat": "not-a-number", "liveLon": "-73.99",
	}, jpegSelfie)
	req := httptest.NewRequest(fiber.MethodPost, "/auth/complete-signup", body)
	req.Header.Set(fiber.HeaderContentType, contentType)
	resp, out := a.do(t, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "liveLat", out["field"])
}

func TestUnknownAction(t *testing.T) {
	a := newTestApp(t)
	resp, body := a.action(t, map[string]string{"action": "reset-everything"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Unknown action.", body["error"])
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestApp(t)

	resp, body := a.do(t, httptest.NewRequest(fiber.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, body["status"])

	a.action(t, map[string]string{"action": "send-otp", "email": "a@b.com"}, nil)

	resp, err := a.app.Test(httptest.NewRequest(fiber.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "localboard_otp_issued_total 1")
	assert.Contains(t, string(raw), `localboard_ratelimit_decisions_total{budget="otp-email",outcome="allowed"} 1`)
}

func TestSignupIdempotencyKeyIsBoundToPayload(t *testing.T) {
	a := newTestApp(t, withRedis(t))
	token := a.emailToken(t, "a@b.com")

	req := signupRequest(t, "a@b.com", token, "40.7301", "-73.9899")
	req.Header.Set("Idempotency-Key", "1")
	resp, body := a.do(t, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	require.NotNil(t, findCookie(resp))

	other := httptest.NewRequest(fiber.MethodPost, "/auth/complete-signup", nil)
	other.Header.Set("Idempotency-Key", "1")
	resp, body = a.do(t, other)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Nil(t, findCookie(resp))
	assert.Nil(t, body["user"])
}
