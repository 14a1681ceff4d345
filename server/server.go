// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wg-radar/pipeline"
	"wg-radar/pkg/listing"
)

// Refresher runs acquisition cycles and mutates listing flags.
type Refresher interface {
	Refresh(ctx context.Context) (*listing.RunReport, error)
	LastReport() *listing.RunReport
	Snapshot(ctx context.Context) (*listing.Snapshot, error)
	SetSeen(ctx context.Context, id string, value bool) (*listing.Listing, error)
	SetBookmarked(ctx context.Context, id string, value bool) (*listing.Listing, error)
}

// ReportLister lists persisted run reports.
type ReportLister interface {
	ListReports(ctx context.Context, limit int) ([]*listing.RunReport, error)
}

// Server handles HTTP requests.
type Server struct {
	refresher Refresher
	reports   ReportLister
	logger    *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Refresher Refresher
	Reports   ReportLister
	Logger    *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		refresher: cfg.Refresher,
		reports:   cfg.Reports,
		logger:    cfg.Logger,
	}
}

// Router builds the request router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post("/refreshz", s.handleRefresh)
	r.Get("/statusz", s.handleStatus)
	r.Get("/listings", s.handleListings)
	r.Post("/listings/{id}/seen", s.handleFlag(Refresher.SetSeen))
	r.Post("/listings/{id}/bookmarked", s.handleFlag(Refresher.SetBookmarked))

	return r
}

// ListenAndServe serves the router until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Minute, // refresh runs synchronously
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleRefresh runs a full acquisition cycle synchronously and returns its
// report. A concurrent refresh gets 409 without touching the pipeline.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Refresh endpoint triggered", "remote", r.RemoteAddr)

	report, err := s.refresher.Refresh(r.Context())
	switch {
	case errors.Is(err, pipeline.ErrRefreshInProgress):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "refresh_in_progress"})
	case err != nil:
		s.logger.Error("Refresh failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, report)
	default:
		s.writeJSON(w, http.StatusOK, report)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	const reportLimit = 20

	reports, err := s.reports.ListReports(r.Context(), reportLimit)
	if err != nil {
		s.logger.Error("Failed to list run reports", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"last_run": s.refresher.LastReport(),
		"reports":  reports,
	})
}

// handleListings returns every tracked listing, newest first.
func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	snap, err := s.refresher.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("Failed to load snapshot", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	listings := make([]*listing.Listing, 0, len(snap.Listings))
	for _, l := range snap.Listings {
		listings = append(listings, l)
	}
	sort.Slice(listings, func(i, j int) bool {
		if !listings[i].FirstSeenAt.Equal(listings[j].FirstSeenAt) {
			return listings[i].FirstSeenAt.After(listings[j].FirstSeenAt)
		}
		return listings[i].ID < listings[j].ID
	})

	s.writeJSON(w, http.StatusOK, map[string]any{
		"updated_at": snap.UpdatedAt,
		"count":      len(listings),
		"listings":   listings,
	})
}

type flagRequest struct {
	Value *bool `json:"value"`
}

// handleFlag builds the handler for one boolean listing flag. The request
// body may set an explicit value; an empty body means true.
func (s *Server) handleFlag(set func(Refresher, context.Context, string, bool) (*listing.Listing, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		value := true
		var req flagRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Value != nil {
			value = *req.Value
		}

		l, err := set(s.refresher, r.Context(), id, value)
		switch {
		case errors.Is(err, pipeline.ErrNotFound):
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown listing"})
		case err != nil:
			s.logger.Error("Flag update failed", "listing_id", id, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		default:
			s.writeJSON(w, http.StatusOK, l)
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
