package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/assignment"
	"github.com/example/ride-dispatch/internal/billing"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/rides"
)

// Server wires the engine's components behind the HTTP API.
type Server struct {
	Geo          geo.Geo
	Orchestrator *rides.Orchestrator
	Assignments  *assignment.Manager
	Billing      *billing.Service
	Kafka        *ingest.KafkaProducer
	WSReg        *dispatch.WSRegistry

	mux    *mux.Router
	logger *slog.Logger
	now    func() time.Time
}

func NewServer(logger *slog.Logger, g geo.Geo, orch *rides.Orchestrator, mgr *assignment.Manager, bill *billing.Service, kp *ingest.KafkaProducer, wsreg *dispatch.WSRegistry) *Server {
	s := &Server{
		Geo:          g,
		Orchestrator: orch,
		Assignments:  mgr,
		Billing:      bill,
		Kafka:        kp,
		WSReg:        wsreg,
		mux:          mux.NewRouter(),
		logger:       logger,
		now:          time.Now,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleCreateRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancelRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/location", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/end", s.handleEndTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/payments", s.handlePayment).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRideRequest struct {
	rides.CreateRequest
	IdempotencyKey string `json:"idempotency_key"`
}

type rideResponse struct {
	ID          string             `json:"id"`
	Status      string             `json:"status"`
	Pickup      models.Coord       `json:"pickup"`
	Destination models.Coord       `json:"destination"`
	Assignment  *models.Assignment `json:"assignment,omitempty"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}
	ride, a, err := s.Orchestrator.CreateRide(r.Context(), req.CreateRequest, key, s.now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rideResponse{
		ID: ride.ID, Status: ride.Status, Pickup: ride.Pickup, Destination: ride.Destination, Assignment: a,
	})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ride_id"]
	ride, a, err := s.Orchestrator.GetRide(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rideResponse{
		ID: ride.ID, Status: ride.Status, Pickup: ride.Pickup, Destination: ride.Destination, Assignment: a,
	})
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ride_id"]
	ride, err := s.Orchestrator.CancelRide(r.Context(), id, s.now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": ride.ID, "status": ride.Status})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var body struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	now := s.now()
	if s.Kafka != nil {
		loc := models.DriverLocation{DriverID: driverID, Lat: body.Lat, Lon: body.Lon, Updated: now}
		if err := s.Kafka.PublishLocation(loc); err != nil {
			s.logger.Warn("location publish failed", "driver_id", driverID, "error", err)
		}
	}
	s.Geo.Upsert(driverID, body.Lat, body.Lon, now)
	observability.LocationUpdates.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var body struct {
		AssignmentID string `json:"assignment_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	trip, err := s.Assignments.Accept(r.Context(), body.AssignmentID, driverID, s.now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"trip_id": trip.ID, "status": trip.Status})
}

func (s *Server) handleEndTrip(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	var body struct {
		EndLat *float64 `json:"end_lat"`
		EndLon *float64 `json:"end_lon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var end *models.Coord
	if body.EndLat != nil && body.EndLon != nil {
		end = &models.Coord{Lat: *body.EndLat, Lon: *body.EndLon}
	}
	trip, _, err := s.Orchestrator.EndTrip(r.Context(), tripID, end, s.now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trip_id": trip.ID, "fare": trip.Fare, "status": trip.Status})
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TripID string `json:"trip_id"`
		Method string `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := s.Billing.TriggerSettlement(r.Context(), body.TripID, body.Method)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment_id": p.ID, "status": p.Status, "amount": p.Amount})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
	go s.readPump(id, conn)
}

// readPump drains inbound frames until the peer goes away, then frees the
// driver's session slot.
func (s *Server) readPump(driverID string, conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.WSReg.Drop(driverID, conn)
			return
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, models.ErrUpstreamUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
