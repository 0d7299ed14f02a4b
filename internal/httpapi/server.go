package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"reservo/internal/domain"
	"reservo/internal/engine"
	"reservo/internal/notify"
)

const (
	maxBodyBytes    = 1 << 16
	eventBufferSize = 64
)

// Service is the engine surface the API needs.
type Service interface {
	Reserve(ctx context.Context, in domain.Intent, executeAfter time.Time) (string, error)
	ReserveRepeating(ctx context.Context, in domain.Intent, days int) (string, []string, error)
	ListOrders(ctx context.Context, owner string, statuses ...domain.OrderStatus) ([]domain.QueuedOrder, error)
	Get(ctx context.Context, id string) (*domain.QueuedOrder, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Reconcile(ctx context.Context) (engine.Report, error)
}

var _ Service = (*engine.Engine)(nil)

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Pinger         Pinger
	Gatherer       prometheus.Gatherer // nil disables /metrics
	Events         *notify.Broadcaster // nil disables /api/events
	AllowedOrigins []string            // empty allows any origin
	Logger         *slog.Logger
}

// Server serves the reservation API.
type Server struct {
	svc      Service
	pinger   Pinger
	gatherer prometheus.Gatherer
	events   *notify.Broadcaster
	origins  []string
	log      *slog.Logger
}

// NewServer creates a new reservation API server.
func NewServer(svc Service, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		svc:      svc,
		pinger:   opts.Pinger,
		gatherer: opts.Gatherer,
		events:   opts.Events,
		origins:  opts.AllowedOrigins,
		log:      log.With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/reservations", s.handleReserve)
	mux.HandleFunc("GET /api/reservations", s.handleList)
	mux.HandleFunc("GET /api/reservations/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/reservations/{id}", s.handleCancel)
	mux.HandleFunc("POST /api/reconcile", s.handleReconcile)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.events != nil {
		mux.HandleFunc("GET /api/events", s.handleEvents)
	}
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", OwnerHeader},
	})
	return c.Handler(mux)
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	var req ReserveRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decoding request: "+err.Error())
		return
	}

	side, ok := domain.ParseSide(req.Side)
	if !ok {
		writeJSONStatus(w, http.StatusBadRequest, ErrorResponse{Error: "unknown side " + req.Side, Field: "side"})
		return
	}
	in := domain.Intent{
		Owner:    owner,
		Ticker:   req.Ticker,
		Side:     side,
		Seed:     req.Seed,
		AvgPrice: req.AvgPrice,
	}

	var resp ReserveResponse
	var err error
	if req.RepeatDays > 0 {
		if req.ExecuteAfter != nil {
			writeJSONStatus(w, http.StatusBadRequest, ErrorResponse{
				Error: "execute_after cannot be combined with repeat_days",
				Field: "execute_after",
			})
			return
		}
		resp.RepeatGroup, resp.IDs, err = s.svc.ReserveRepeating(r.Context(), in, req.RepeatDays)
	} else {
		var executeAfter time.Time
		if req.ExecuteAfter != nil {
			executeAfter = *req.ExecuteAfter
		}
		var id string
		id, err = s.svc.Reserve(r.Context(), in, executeAfter)
		resp.IDs = []string{id}
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	statuses := []domain.OrderStatus{domain.StatusPending}
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses = statuses[:0]
		if raw != "all" {
			for _, part := range strings.Split(raw, ",") {
				st, ok := domain.ParseStatus(part)
				if !ok {
					writeJSONStatus(w, http.StatusBadRequest, ErrorResponse{Error: "unknown status " + part, Field: "status"})
					return
				}
				statuses = append(statuses, st)
			}
		}
	}

	orders, err := s.svc.ListOrders(r.Context(), owner, statuses...)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if orders == nil {
		orders = []domain.QueuedOrder{}
	}
	writeJSON(w, ListResponse{Orders: orders})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	o, ok := s.ownedOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, o)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	o, ok := s.ownedOrder(w, r)
	if !ok {
		return
	}
	cancelled, err := s.svc.Cancel(r.Context(), o.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, CancelResponse{Cancelled: cancelled})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := s.svc.Reconcile(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, rep)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			writeJSONStatus(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	writeJSON(w, HealthResponse{Status: "ok"})
}

// handleEvents streams the owner's order events as server-sent events until
// the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	subID, ch := s.events.Subscribe(eventBufferSize)
	defer s.events.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.log.Info("event stream subscribed", "owner", owner, "sub_id", subID)
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("event stream closed", "owner", owner, "sub_id", subID)
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Order.Owner != owner {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Error("encoding event", "order_id", ev.Order.ID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ownedOrder loads the order named in the path. Orders of other owners are
// reported as missing.
func (s *Server) ownedOrder(w http.ResponseWriter, r *http.Request) (*domain.QueuedOrder, bool) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return nil, false
	}
	o, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return nil, false
	}
	if o.Owner != owner {
		writeError(w, http.StatusNotFound, domain.ErrNotFound.Error())
		return nil, false
	}
	return o, true
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "missing "+OwnerHeader+" header")
		return "", false
	}
	return owner, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSONStatus(w, http.StatusBadRequest, ErrorResponse{Error: ve.Error(), Field: ve.Field})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, ErrorResponse{Error: msg})
}
