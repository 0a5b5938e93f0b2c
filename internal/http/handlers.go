package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/example/route-negotiation/internal/dispatch"
	"github.com/example/route-negotiation/internal/models"
	"github.com/example/route-negotiation/internal/registry"
)

const maxBodyBytes = 1 << 20

type Searcher interface {
	Search(ctx context.Context, q models.TripQuery) ([]models.MatchResult, error)
}

// Requests is the registry surface the API drives.
type Requests interface {
	CreateRequest(ctx context.Context, p registry.CreateParams) (models.RideRequest, error)
	Respond(ctx context.Context, p registry.RespondParams) (models.RideRequest, error)
	Get(ctx context.Context, id string) (models.RideRequest, error)
	History(ctx context.Context, id string) ([]models.NegotiationOffer, error)
	ListForCustomer(ctx context.Context, customerID string) ([]models.RideRequest, error)
	ListForDriver(ctx context.Context, driverID string) ([]models.RideRequest, error)
}

type Deps struct {
	Matcher  Searcher
	Requests Requests
	WS       *dispatch.WSRegistry
	Ready    func(ctx context.Context) error
	Logger   *slog.Logger
}

type Options struct {
	JWTSecret      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

type Server struct {
	matcher  Searcher
	requests Requests
	ws       *dispatch.WSRegistry
	ready    func(ctx context.Context) error
	logger   *slog.Logger
	auth     *authenticator
	validate *validator.Validate
	trans    ut.Translator
	mux      *mux.Router
	handler  http.Handler
	upgrader websocket.Upgrader
}

func NewServer(d Deps, o Options) *Server {
	s := &Server{
		matcher:  d.Matcher,
		requests: d.Requests,
		ws:       d.WS,
		ready:    d.Ready,
		logger:   d.Logger,
		mux:      mux.NewRouter(),
	}
	s.validate, s.trans = newValidator()
	s.upgrader = websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins(o))}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if o.JWTSecret != "" {
		s.auth = &authenticator{secret: []byte(o.JWTSecret)}
	}
	s.routes()
	s.handler = s.chain(o).Then(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.Use(s.observabilityMiddleware)
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.NewRoute().Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/match", s.handleMatch).Methods(http.MethodPost)
	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/respond", s.handleRespond).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/customers/{id}/requests", s.handleListCustomer).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/requests", s.handleListDriver).Methods(http.MethodGet)
	api.HandleFunc("/ws/{party}/{id}", s.handleWS).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type point struct {
	Lat *float64 `json:"lat" validate:"required,latitude"`
	Lon *float64 `json:"lon" validate:"required,longitude"`
}

func (p *point) coord() models.Coord { return models.Coord{Lat: *p.Lat, Lon: *p.Lon} }

type matchRequest struct {
	Pickup      *point `json:"pickup" validate:"required"`
	Drop        *point `json:"drop" validate:"required"`
	ProfileType string `json:"profileType" validate:"required,oneof=child staff"`
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if !s.decode(w, r, &req) {
		return
	}
	q := models.TripQuery{Pickup: req.Pickup.coord(), Drop: req.Drop.coord(), ProfileType: models.ProfileType(req.ProfileType)}
	out, err := s.matcher.Search(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type createRequest struct {
	CustomerID        string           `json:"customerId" validate:"required,max=64"`
	DriverID          string           `json:"driverId" validate:"required,max=64"`
	ProfileID         string           `json:"profileId" validate:"required,max=64"`
	ProfileType       string           `json:"profileType" validate:"required,oneof=child staff"`
	OfferAmount       *decimal.Decimal `json:"offerAmount" validate:"required"`
	EstimatedDistance *float64         `json:"estimatedDistance" validate:"omitempty,gte=0"`
	EstimatedPrice    *decimal.Decimal `json:"estimatedPrice"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.decode(w, r, &req) {
		return
	}
	p := registry.CreateParams{
		CustomerID:        req.CustomerID,
		DriverID:          req.DriverID,
		ProfileID:         req.ProfileID,
		ProfileType:       models.ProfileType(req.ProfileType),
		OfferAmount:       *req.OfferAmount,
		EstimatedDistance: req.EstimatedDistance,
		EstimatedPrice:    req.EstimatedPrice,
	}
	if c, ok := claimsFrom(r.Context()); ok {
		if c.Role != string(models.PartyCustomer) {
			s.writeError(w, r, registry.ErrForbidden)
			return
		}
		p.ActorID = c.Subject
	}
	out, err := s.requests.CreateRequest(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

type respondRequest struct {
	ActingParty string           `json:"actingParty" validate:"required,oneof=customer driver"`
	Action      string           `json:"action" validate:"required,oneof=accept reject counter"`
	Amount      *decimal.Decimal `json:"amount"`
	Note        *string          `json:"note" validate:"omitempty,max=500"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !s.decode(w, r, &req) {
		return
	}
	p := registry.RespondParams{
		RequestID: mux.Vars(r)["id"],
		Party:     models.Party(req.ActingParty),
		Action:    models.Action(req.Action),
		Amount:    req.Amount,
		Note:      req.Note,
	}
	if c, ok := claimsFrom(r.Context()); ok {
		if c.Role != req.ActingParty {
			s.writeError(w, r, registry.ErrForbidden)
			return
		}
		p.ActorID = c.Subject
	}
	out, err := s.requests.Respond(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// visible loads a request and checks the caller is one of its parties.
func (s *Server) visible(w http.ResponseWriter, r *http.Request) (models.RideRequest, bool) {
	req, err := s.requests.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return req, false
	}
	if c, ok := claimsFrom(r.Context()); ok && c.Subject != req.PartyID(models.Party(c.Role)) {
		s.writeError(w, r, registry.ErrForbidden)
		return req, false
	}
	return req, true
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.visible(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	req, ok := s.visible(w, r)
	if !ok {
		return
	}
	out, err := s.requests.History(r.Context(), req.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListCustomer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !allowed(r.Context(), models.PartyCustomer, id) {
		s.writeError(w, r, registry.ErrForbidden)
		return
	}
	out, err := s.requests.ListForCustomer(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListDriver(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !allowed(r.Context(), models.PartyDriver, id) {
		s.writeError(w, r, registry.ErrForbidden)
		return
	}
	out, err := s.requests.ListForDriver(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	party, id := models.Party(vars["party"]), vars["id"]
	if !party.Valid() {
		writeErrorBody(w, http.StatusBadRequest, "validation", "party must be customer or driver")
		return
	}
	if !allowed(r.Context(), party, id) {
		s.writeError(w, r, registry.ErrForbidden)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	session := s.ws.Add(party, id, conn)
	go func() {
		defer s.ws.Remove(party, id, session)
		// drain control frames until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "validation", "malformed JSON body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "validation", translate(err, s.trans))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
