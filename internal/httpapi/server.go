// Package httpapi serves the read-only inspection API: event lineage trees,
// individual label snapshots, product nutrient profiles, and latest run
// summaries. Writes all go through the batch commands; the API never mutates
// the store.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/zemo2003/nutrition-autopilot/internal/model"
	"github.com/zemo2003/nutrition-autopilot/internal/store"
)

// Server exposes inspection endpoints over the store.
type Server struct {
	store store.Store
	log   *zap.Logger
}

func NewServer(st store.Store) *Server {
	return &Server{
		store: st,
		log:   zap.L().With(zap.String("component", "httpapi")),
	}
}

// Router builds the handler. origins is the CORS allowlist; empty means any
// origin, which suits a read-only API behind an internal network.
func (s *Server) Router(origins []string) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/events/{id}/lineage", s.handleEventLineage)
		api.Get("/labels/latest", s.handleLatestLabel)
		api.Get("/labels/{id}", s.handleLabelSnapshot)
		api.Get("/products/{id}/profile", s.handleProductProfile)
		api.Get("/runs", s.handleListRuns)
		api.Get("/runs/latest", s.handleLatestRun)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Error("health check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type lineageResponse struct {
	EventID     string                   `json:"eventId"`
	MealSlot    model.MealSlot           `json:"mealSlot"`
	ServiceDate string                   `json:"serviceDate"`
	RootLabelID string                   `json:"rootLabelId"`
	Snapshots   []model.LabelSnapshot    `json:"snapshots"`
	Edges       []model.LabelLineageEdge `json:"edges"`
}

func (s *Server) handleEventLineage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	event, err := s.store.GetEvent(ctx, id)
	if err != nil {
		s.internalError(w, "load event", err)
		return
	}
	if event == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if event.FinalLabelSnapshotID == nil {
		writeError(w, http.StatusNotFound, "event has no label snapshot yet")
		return
	}

	snapshots, edges, err := s.walkLineage(ctx, *event.FinalLabelSnapshotID)
	if err != nil {
		s.internalError(w, "walk lineage", err)
		return
	}

	writeJSON(w, http.StatusOK, lineageResponse{
		EventID:     event.ID,
		MealSlot:    event.MealSlot,
		ServiceDate: event.ServiceDate.Format("2006-01-02"),
		RootLabelID: *event.FinalLabelSnapshotID,
		Snapshots:   snapshots,
		Edges:       edges,
	})
}

// walkLineage collects the tree under root breadth-first: the SKU snapshot
// first, lots last. Snapshots are immutable, so reads need no transaction.
func (s *Server) walkLineage(ctx context.Context, root string) ([]model.LabelSnapshot, []model.LabelLineageEdge, error) {
	var (
		snapshots []model.LabelSnapshot
		edges     []model.LabelLineageEdge
	)
	seen := map[string]bool{root: true}
	frontier := []string{root}
	for len(frontier) > 0 {
		batch, err := s.store.GetSnapshots(ctx, frontier)
		if err != nil {
			return nil, nil, err
		}
		snapshots = append(snapshots, batch...)

		level, err := s.store.ListEdgesFromParents(ctx, frontier)
		if err != nil {
			return nil, nil, err
		}
		edges = append(edges, level...)

		var next []string
		for _, e := range level {
			if !seen[e.ChildLabelID] {
				seen[e.ChildLabelID] = true
				next = append(next, e.ChildLabelID)
			}
		}
		frontier = next
	}
	return snapshots, edges, nil
}

// handleLabelSnapshot serves one frozen snapshot by id, payload included.
// Lineage responses carry snapshot ids on their edges; this is how a client
// follows one.
func (s *Server) handleLabelSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.GetSnapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, "load snapshot", err)
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "label snapshot not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

var labelTypes = map[model.LabelType]bool{
	model.LabelSKU:        true,
	model.LabelIngredient: true,
	model.LabelProduct:    true,
	model.LabelLot:        true,
}

// handleLatestLabel serves the newest snapshot version for a scope, the same
// (org, type, ref) scope rebuilds version against.
func (s *Server) handleLatestLabel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	org := q.Get("org")
	lt := model.LabelType(q.Get("type"))
	ref := q.Get("ref")
	if org == "" || ref == "" {
		writeError(w, http.StatusBadRequest, "org and ref query parameters are required")
		return
	}
	if !labelTypes[lt] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown label type %q", lt))
		return
	}

	snap, err := s.store.LatestSnapshot(r.Context(), org, lt, ref)
	if err != nil {
		s.internalError(w, "load latest snapshot", err)
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no %s snapshots frozen for %s", lt, ref))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type profileResponse struct {
	Product model.Product         `json:"product"`
	Values  []model.NutrientValue `json:"values"`
}

func (s *Server) handleProductProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	product, err := s.store.GetProduct(ctx, id)
	if err != nil {
		s.internalError(w, "load product", err)
		return
	}
	if product == nil {
		writeError(w, http.StatusNotFound, "product not found")
		return
	}
	values, err := s.store.ListNutrientValues(ctx, id)
	if err != nil {
		s.internalError(w, "load nutrient values", err)
		return
	}
	if values == nil {
		values = []model.NutrientValue{}
	}
	writeJSON(w, http.StatusOK, profileResponse{Product: *product, Values: values})
}

var runKinds = map[model.RunKind]bool{
	model.RunEnrich:       true,
	model.RunLabels:       true,
	model.RunVerify:       true,
	model.RunCatalog:      true,
	model.RunCorrectTimes: true,
}

// handleListRuns serves run history newest-first. kind and org narrow the
// list; limit caps it, defaulting to the store's page size.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.RunFilter{
		Kind: model.RunKind(q.Get("kind")),
		Org:  q.Get("org"),
	}
	if f.Kind != "" && !runKinds[f.Kind] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown run kind %q", f.Kind))
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), f)
	if err != nil {
		s.internalError(w, "list runs", err)
		return
	}
	if runs == nil {
		runs = []model.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	kind := model.RunKind(r.URL.Query().Get("kind"))
	if kind == "" {
		writeError(w, http.StatusBadRequest, "kind query parameter is required")
		return
	}
	if !runKinds[kind] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown run kind %q", kind))
		return
	}

	run, err := s.store.LatestRun(r.Context(), kind)
	if err != nil {
		s.internalError(w, "load latest run", err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no %s runs recorded", kind))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
