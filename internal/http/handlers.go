package httpapi

import (
	"context"
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

	"github.com/example/shuttle-dispatch/internal/ack"
	"github.com/example/shuttle-dispatch/internal/conduct"
	"github.com/example/shuttle-dispatch/internal/dispatch"
	"github.com/example/shuttle-dispatch/internal/engine"
	"github.com/example/shuttle-dispatch/internal/geo"
	"github.com/example/shuttle-dispatch/internal/ingest"
	"github.com/example/shuttle-dispatch/internal/lifecycle"
	"github.com/example/shuttle-dispatch/internal/matcher"
	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/observability"
	"github.com/example/shuttle-dispatch/internal/projector"
	"github.com/example/shuttle-dispatch/internal/storage"
)

type Server struct {
	Repo      storage.Repository
	Geo       geo.Geo
	Matcher   *matcher.Service
	Lifecycle *lifecycle.Service
	Ack       *ack.Service
	Conduct   *conduct.Service
	Projector *projector.Service
	Kafka     *ingest.KafkaProducer
	Sessions  *dispatch.Registry
	Locks     *storage.VehicleLocks

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(logger *slog.Logger) *Server {
	s := &Server{logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/requests", s.handleCreateRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/vehicles/{vehicle_id}/actions", s.handleActions).Methods("GET")
	s.mux.HandleFunc("/api/v1/vehicles/{vehicle_id}/queue", s.handleQueue).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/enroute", s.lifecycleHandler(func(r *http.Request, id string) (models.Ride, error) {
		return s.Lifecycle.EnRoute(r.Context(), id)
	})).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/arriving", s.lifecycleHandler(func(r *http.Request, id string) (models.Ride, error) {
		return s.Lifecycle.Arriving(r.Context(), id)
	})).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/arrive", s.lifecycleHandler(func(r *http.Request, id string) (models.Ride, error) {
		return s.Lifecycle.Arrive(r.Context(), id)
	})).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/pickup", s.lifecycleHandler(func(r *http.Request, id string) (models.Ride, error) {
		return s.Lifecycle.Pickup(r.Context(), id)
	})).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/complete", s.lifecycleHandler(func(r *http.Request, id string) (models.Ride, error) {
		return s.Lifecycle.Complete(r.Context(), id)
	})).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/ack", s.handleAck).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/rating", s.handleRating).Methods("POST")
	s.mux.HandleFunc("/api/v1/reports", s.handleRecordReport).Methods("POST")
	s.mux.HandleFunc("/api/v1/reports/{report_id}/confirm", s.handleConfirmReport).Methods("POST")
	s.mux.HandleFunc("/internal/search", s.handleSearch).Methods("POST")
	s.mux.HandleFunc("/internal/broadcast", s.handleBroadcast).Methods("POST")
	s.mux.HandleFunc("/internal/vehicle/locations", s.handleMovement).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{session_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req models.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := s.Repo.Rider(r.Context(), req.RiderID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if rec.Banned {
		http.Error(w, "rider is banned", http.StatusForbidden)
		return
	}
	if req.Passengers <= 0 {
		req.Passengers = 1
	}
	req.ID = newID()
	req.Status = models.RequestCreated
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt
	if err := s.Repo.SaveRequest(r.Context(), req); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	partition := r.URL.Query().Get("partition")
	matched, err := s.Matcher.Search(r.Context(), partition)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matched": matched, "partition": partition})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	sent, err := s.Ack.BroadcastMatches(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rebroadcast": sent})
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.Projector.Actions(r.Context(), mux.Vars(r)["vehicle_id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := s.Projector.Queue(r.Context(), mux.Vars(r)["vehicle_id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": queue})
}

func (s *Server) lifecycleHandler(fn func(*http.Request, string) (models.Ride, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ride, err := fn(r, mux.Vars(r)["ride_id"])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ride)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor  string `json:"actor"`
		NoShow bool   `json:"no_show"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	actor := lifecycle.ActorRider
	if body.Actor == string(lifecycle.ActorDriver) {
		actor = lifecycle.ActorDriver
	}
	ride, err := s.Lifecycle.Cancel(r.Context(), mux.Vars(r)["ride_id"], actor, body.NoShow)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if err := s.Ack.Acknowledge(r.Context(), mux.Vars(r)["ride_id"]); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRating(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rating float64 `json:"rating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Conduct.RecordRating(r.Context(), mux.Vars(r)["ride_id"], body.Rating); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecordReport(w http.ResponseWriter, r *http.Request) {
	var report models.Report
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	report.ID = newID()
	report.Confirmed = false
	report.CreatedAt = time.Now()
	if err := s.Conduct.RecordReport(r.Context(), report); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, report)
}

func (s *Server) handleConfirmReport(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Conduct.ConfirmReport(r.Context(), mux.Vars(r)["report_id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleMovement(w http.ResponseWriter, r *http.Request) {
	var v models.Vehicle
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	v.Online = true
	v.Updated = time.Now()
	if s.Kafka != nil {
		if err := s.Kafka.PublishMovement(v); err != nil {
			s.logger.Warn("movement publish failed", "vehicle_id", v.ID, "error", err)
		}
	}
	s.Geo.Upsert(v)
	// keep the authoritative copy's position fresh without clobbering
	// the ride list the matcher owns; the vehicle lock keeps a commit
	// from landing between the read and the write
	unlock := s.Locks.Lock(v.ID)
	if cur, err := s.Repo.Vehicle(r.Context(), v.ID); err == nil {
		cur.Loc = v.Loc
		cur.Online = v.Online
		cur.Available = v.Available
		cur.Updated = v.Updated
		_ = s.Repo.SaveVehicle(r.Context(), cur)
	} else if errors.Is(err, storage.ErrNotFound) {
		_ = s.Repo.SaveVehicle(r.Context(), v)
	}
	unlock()
	observability.VehiclesOnline.Inc()
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

// handleWS attaches a live session. Inbound frames are ack commands:
// {"kind":"ack","ride_id":"..."}.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.Sessions.Add(id, conn)
	go s.readLoop(id, conn)
}

func (s *Server) readLoop(id string, conn *websocket.Conn) {
	defer func() {
		s.Sessions.Remove(id)
		_ = conn.Close()
	}()
	for {
		var cmd struct {
			Kind   string `json:"kind"`
			RideID string `json:"ride_id"`
		}
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		if cmd.Kind == "ack" && cmd.RideID != "" {
			if err := s.Ack.Acknowledge(context.Background(), cmd.RideID); err != nil {
				s.logger.Warn("ws ack failed", "ride_id", cmd.RideID, "error", err)
			}
		}
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case engine.IsValidation(err):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case engine.IsInvalidState(err):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
