package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"blog-notifier/pkg/blog"
	"blog-notifier/schedule"
)

// scheduleTimeHeader carries the intended fire time of a Cloud Scheduler job.
const scheduleTimeHeader = "X-CloudScheduler-ScheduleTime"

func (s *Server) handleUserCreated(w http.ResponseWriter, r *http.Request) {
	ev, ok := decodeCreated[blog.User](s, w, r)
	if !ok {
		return
	}
	u := &ev.Document
	if strings.TrimSpace(u.Email) == "" {
		http.Error(w, "document.email is required", http.StatusBadRequest)
		return
	}

	if s.mirror && u.ID != "" {
		if err := s.store.SaveUser(r.Context(), u); err != nil {
			s.logger.Warn("Failed to mirror user document", "user_id", u.ID, "error", err)
		}
	}

	s.writeJSON(w, http.StatusOK, s.notifier.Welcome(r.Context(), ev))
}

func (s *Server) handlePostCreated(w http.ResponseWriter, r *http.Request) {
	ev, ok := decodeCreated[blog.Post](s, w, r)
	if !ok {
		return
	}
	p := &ev.Document
	if strings.TrimSpace(p.ID) == "" {
		http.Error(w, "document.id is required", http.StatusBadRequest)
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = s.now()
	}

	if s.mirror {
		if err := s.store.SavePost(r.Context(), p); err != nil {
			s.logger.Warn("Failed to mirror post document", "post_id", p.ID, "error", err)
		}
	}

	s.writeJSON(w, http.StatusOK, s.notifier.NewPost(r.Context(), ev))
}

func (s *Server) handleCommentCreated(w http.ResponseWriter, r *http.Request) {
	ev, ok := decodeCreated[blog.Comment](s, w, r)
	if !ok {
		return
	}
	c := &ev.Document
	if strings.TrimSpace(c.PostID) == "" {
		http.Error(w, "document.postId is required", http.StatusBadRequest)
		return
	}

	if s.mirror && c.ID != "" {
		if err := s.store.SaveComment(r.Context(), c); err != nil {
			s.logger.Warn("Failed to mirror comment document", "post_id", c.PostID, "comment_id", c.ID, "error", err)
		}
	}

	s.writeJSON(w, http.StatusOK, s.notifier.CommentReply(r.Context(), ev))
}

func (s *Server) handleWeeklyDigest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var tick blog.Tick
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &tick); err != nil {
			s.logger.Warn("Malformed digest trigger", "error", err)
			http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
			return
		}
	}

	if tick.FireTime.IsZero() {
		tick.FireTime = s.now()
		if hdr := r.Header.Get(scheduleTimeHeader); hdr != "" {
			t, err := time.Parse(time.RFC3339, hdr)
			if err != nil {
				http.Error(w, "Invalid "+scheduleTimeHeader+" header", http.StatusBadRequest)
				return
			}
			tick.FireTime = t
		}
	}
	if tick.EventID == "" {
		tick.EventID = schedule.EventID(tick.FireTime)
	}

	s.logger.Info("Weekly digest triggered", "event_id", tick.EventID, "fire_time", tick.FireTime.Format(time.RFC3339))
	s.writeJSON(w, http.StatusOK, s.notifier.WeeklyDigest(r.Context(), tick))
}

// decodeCreated parses a document-created event, answering the request itself on failure.
func decodeCreated[T any](s *Server, w http.ResponseWriter, r *http.Request) (blog.Created[T], bool) {
	var ev blog.Created[T]
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return ev, false
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&ev); err != nil {
		s.logger.Warn("Malformed event payload", "path", r.URL.Path, "error", err)
		msg := "Invalid JSON payload"
		if errors.Is(err, io.EOF) {
			msg = "Empty request body"
		}
		http.Error(w, msg, http.StatusBadRequest)
		return ev, false
	}

	if ev.EventID == "" {
		ev.EventID = s.newEventID()
		s.logger.Info("Event delivered without id, generated one", "path", r.URL.Path, "event_id", ev.EventID)
	}
	s.logger.Info("Event received", "path", r.URL.Path, "event_id", ev.EventID)
	return ev, true
}
