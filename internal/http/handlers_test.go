package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/route-negotiation/internal/dispatch"
	"github.com/example/route-negotiation/internal/matcher"
	"github.com/example/route-negotiation/internal/models"
	"github.com/example/route-negotiation/internal/registry"
	"github.com/example/route-negotiation/internal/routes"
	"github.com/example/route-negotiation/internal/storage"
)

const secret = "test-secret"

func newTestServer(t *testing.T, o Options) *Server {
	t.Helper()
	ctx := context.Background()
	rs := routes.NewMemory()
	require.NoError(t, rs.Put(ctx, models.Route{DriverID: "d1", OrderedWaypoints: []models.Waypoint{
		{ID: "w1", Name: "Homagama", Latitude: 6.8433, Longitude: 80.0032},
		{ID: "w2", Name: "Kottawa", Latitude: 6.8412, Longitude: 79.9654},
		{ID: "w3", Name: "Maharagama", Latitude: 6.8478, Longitude: 79.9218},
		{ID: "w4", Name: "Nugegoda", Latitude: 6.8649, Longitude: 79.8997},
	}}))
	store := storage.NewMemoryStore()
	store.PutProfile(models.Profile{
		ID: "p1", CustomerID: "c1", ProfileType: models.ProfileChild,
		Pickup: models.Coord{Lat: 6.8456, Lon: 79.9485},
		Drop:   models.Coord{Lat: 6.8649, Lon: 79.8997},
	})
	svc := &matcher.Service{Routes: rs}
	ws := dispatch.NewWSRegistry(nil)
	reg := registry.New(registry.Deps{Store: store, Profiles: store, Routes: svc, Notifier: ws}, registry.Options{})
	return NewServer(Deps{Matcher: svc, Requests: reg, WS: ws}, o)
}

func token(t *testing.T, subject string, role models.Party) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func do(t *testing.T, h http.Handler, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error.Code
}

const openBody = `{"customerId":"c1","driverId":"d1","profileId":"p1","profileType":"child","offerAmount":1000}`

func create(t *testing.T, h http.Handler, bearer string) models.RideRequest {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/requests", openBody, bearer)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out models.RideRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestMatch(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := do(t, s, http.MethodPost, "/match",
		`{"pickup":{"lat":6.8456,"lon":79.9485},"drop":{"lat":6.8649,"lon":79.8997},"profileType":"child"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out []models.MatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "d1", out[0].DriverID)
	assert.Equal(t, 1, out[0].PickupSegmentIndex)
	assert.Equal(t, 2, out[0].DropSegmentIndex)

	rec = do(t, s, http.MethodPost, "/match",
		`{"pickup":{"lat":6.8649,"lon":79.8997},"drop":{"lat":6.8433,"lon":80.0032},"profileType":"child"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestMatchValidation(t *testing.T) {
	s := newTestServer(t, Options{})
	cases := map[string]string{
		"missing drop":    `{"pickup":{"lat":6.8,"lon":79.9},"profileType":"child"}`,
		"bad latitude":    `{"pickup":{"lat":120,"lon":79.9},"drop":{"lat":6.8,"lon":79.9},"profileType":"child"}`,
		"missing lon":     `{"pickup":{"lat":6.8},"drop":{"lat":6.8,"lon":79.9},"profileType":"child"}`,
		"unknown profile": `{"pickup":{"lat":6.8,"lon":79.9},"drop":{"lat":6.8,"lon":79.9},"profileType":"pet"}`,
		"malformed":       `{"pickup":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/match", body, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "validation", errorCode(t, rec))
		})
	}

	rec := do(t, s, http.MethodPost, "/match", cases["missing drop"], "")
	assert.Contains(t, rec.Body.String(), "drop")
}

func TestNegotiationFlow(t *testing.T) {
	s := newTestServer(t, Options{})
	req := create(t, s, "")
	assert.Equal(t, models.StatusPending, req.Status)

	rec := do(t, s, http.MethodPost, "/requests/"+req.ID+"/respond", `{"actingParty":"driver","action":"counter","amount":1200}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/requests/"+req.ID+"/respond", `{"actingParty":"customer","action":"accept"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got models.RideRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.True(t, got.CurrentAmount.Equal(decimal.NewFromInt(1200)))

	rec = do(t, s, http.MethodPost, "/requests/"+req.ID+"/respond", `{"actingParty":"driver","action":"counter","amount":1300}`, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", errorCode(t, rec))
	assert.Contains(t, rec.Body.String(), "ACCEPTED")

	rec = do(t, s, http.MethodGet, "/requests/"+req.ID+"/history", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist []models.NegotiationOffer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Len(t, hist, 2)
	assert.Equal(t, models.PartyDriver, hist[1].OfferedBy)

	rec = do(t, s, http.MethodGet, "/requests/"+req.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/customers/c1/requests", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.RideRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = do(t, s, http.MethodGet, "/drivers/d9/requests", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, Options{})
	req := create(t, s, "")

	rec := do(t, s, http.MethodPost, "/requests/"+req.ID+"/respond", `{"actingParty":"driver","action":"counter"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_amount", errorCode(t, rec))

	for _, amount := range []string{`"1200.005"`, `"1e15"`, `"1e400"`, `1200.005`} {
		rec = do(t, s, http.MethodPost, "/requests/"+req.ID+"/respond", `{"actingParty":"driver","action":"counter","amount":`+amount+`}`, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, amount)
		assert.Equal(t, "invalid_amount", errorCode(t, rec), amount)
		assert.Less(t, rec.Body.Len(), 300, amount)
	}

	rec = do(t, s, http.MethodPost, "/requests",
		`{"customerId":"c1","driverId":"d1","profileId":"p1","profileType":"child","offerAmount":"0.0001"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_amount", errorCode(t, rec))

	rec = do(t, s, http.MethodPost, "/requests/"+req.ID+"/respond", `{"actingParty":"customer","action":"accept"}`, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/requests/"+req.ID+"/respond", `{"actingParty":"driver","action":"haggle"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", errorCode(t, rec))

	rec = do(t, s, http.MethodGet, "/requests/missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/requests",
		`{"customerId":"c1","driverId":"nobody","profileId":"p1","profileType":"child","offerAmount":1000}`, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "no_suitable_route", errorCode(t, rec))

	rec = do(t, s, http.MethodPost, "/requests",
		`{"customerId":"c2","driverId":"d1","profileId":"p1","profileType":"child","offerAmount":1000}`, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "profile_mismatch", errorCode(t, rec))
}

type busyRequests struct{ Requests }

func (busyRequests) Respond(context.Context, registry.RespondParams) (models.RideRequest, error) {
	return models.RideRequest{}, registry.ErrConcurrentModification
}

func (busyRequests) Get(context.Context, string) (models.RideRequest, error) {
	return models.RideRequest{}, errors.New("disk on fire")
}

func TestBusyAndInternalErrors(t *testing.T) {
	s := NewServer(Deps{Requests: busyRequests{}}, Options{})

	rec := do(t, s, http.MethodPost, "/requests/r1/respond", `{"actingParty":"driver","action":"accept"}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "busy", errorCode(t, rec))

	rec = do(t, s, http.MethodGet, "/requests/r1", "", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}

func TestJWTBinding(t *testing.T) {
	s := newTestServer(t, Options{JWTSecret: secret})

	rec := do(t, s, http.MethodPost, "/requests", openBody, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodPost, "/requests", openBody, token(t, "c2", models.PartyCustomer))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodPost, "/requests", openBody, token(t, "d1", models.PartyDriver))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := create(t, s, token(t, "c1", models.PartyCustomer))

	// driver token cannot act as the customer
	rec = do(t, s, http.MethodPost, "/requests/"+req.ID+"/respond", `{"actingParty":"customer","action":"reject"}`, token(t, "d1", models.PartyDriver))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodPost, "/requests/"+req.ID+"/respond", `{"actingParty":"driver","action":"accept"}`, token(t, "d2", models.PartyDriver))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodGet, "/requests/"+req.ID, "", token(t, "c9", models.PartyCustomer))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodGet, "/drivers/d1/requests", "", token(t, "c1", models.PartyCustomer))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodPost, "/requests/"+req.ID+"/respond", `{"actingParty":"driver","action":"accept"}`, token(t, "d1", models.PartyDriver))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// health and metrics stay open
	rec = do(t, s, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRejectsForeignSigningKey(t *testing.T) {
	s := newTestServer(t, Options{JWTSecret: "other"})
	rec := do(t, s, http.MethodGet, "/customers/c1/requests", "", token(t, "c1", models.PartyCustomer))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthReadiness(t *testing.T) {
	s := NewServer(Deps{Ready: func(context.Context) error { return errors.New("redis down") }}, Options{})
	rec := do(t, s, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDAndRateLimit(t *testing.T) {
	s := newTestServer(t, Options{RateLimitRPS: 0.001, RateLimitBurst: 1})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	s := NewServer(Deps{}, Options{})
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebsocketRelay(t *testing.T) {
	s := newTestServer(t, Options{})
	srv := httptest.NewServer(s)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/driver/d1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.ws.Count(models.PartyDriver, "d1") == 1 }, time.Second, 5*time.Millisecond)

	resp, err := http.Post(srv.URL+"/requests", "application/json", bytes.NewBufferString(openBody))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev models.NegotiationEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventCreated, ev.Type)
	assert.Equal(t, "d1", ev.Request.DriverID)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/passenger/x", nil)
	assert.Error(t, err)
}

func TestWebsocketOriginFollowsCORS(t *testing.T) {
	s := newTestServer(t, Options{CORSOrigins: []string{"https://app.example.lk"}})
	srv := httptest.NewServer(s)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/customer/c1"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://app.example.lk"}})
	require.NoError(t, err)
	conn.Close()

	conn, _, err = websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	conn.Close()
}
