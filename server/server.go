// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"blog-notifier/notify"
	"blog-notifier/pkg/blog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBodyBytes caps event payloads; documents are small JSON objects.
const maxBodyBytes = 1 << 20

// Notifier handles blog events.
type Notifier interface {
	Welcome(ctx context.Context, ev blog.Created[blog.User]) *notify.Report
	NewPost(ctx context.Context, ev blog.Created[blog.Post]) *notify.Report
	CommentReply(ctx context.Context, ev blog.Created[blog.Comment]) *notify.Report
	WeeklyDigest(ctx context.Context, tick blog.Tick) *notify.Report
}

// Store interface for mirroring created documents.
type Store interface {
	SaveUser(ctx context.Context, u *blog.User) error
	SavePost(ctx context.Context, p *blog.Post) error
	SaveComment(ctx context.Context, c *blog.Comment) error
}

// Server handles HTTP requests.
type Server struct {
	notifier     Notifier
	store        Store
	gatherer     prometheus.Gatherer
	logger       *slog.Logger
	now          func() time.Time
	newEventID   func() string
	triggerToken string
	mirror       bool
}

// Config holds server configuration.
type Config struct {
	Notifier Notifier
	Store    Store // required when MirrorDocuments is set
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger

	// TriggerToken, when set, is required as a bearer token on event and task routes.
	TriggerToken    string
	MirrorDocuments bool
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		notifier:     cfg.Notifier,
		store:        cfg.Store,
		gatherer:     cfg.Gatherer,
		logger:       cfg.Logger,
		now:          time.Now,
		newEventID:   uuid.NewString,
		triggerToken: cfg.TriggerToken,
		mirror:       cfg.MirrorDocuments && cfg.Store != nil,
	}
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/events/users", s.authorize(s.handleUserCreated))
	mux.HandleFunc("/events/posts", s.authorize(s.handlePostCreated))
	mux.HandleFunc("/events/comments", s.authorize(s.handleCommentCreated))
	mux.HandleFunc("/tasks/weekly-digest", s.authorize(s.handleWeeklyDigest))
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe serves on port until ctx is done, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Minute, // fan-out to every subscriber runs inside the request
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// authorize enforces the trigger token when one is configured.
func (s *Server) authorize(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.triggerToken != "" {
			want := "Bearer " + s.triggerToken
			got := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				s.logger.Warn("Rejected unauthorized trigger", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
