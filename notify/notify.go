// Package notify turns blog events into notification emails.
//
// Each handler selects its recipients from the document store, renders one
// message per recipient and fans the sends out concurrently. A failure for one
// recipient is logged and counted; it never stops delivery to the others.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"blog-notifier/email"
	"blog-notifier/fanout"
	"blog-notifier/metrics"
	"blog-notifier/pkg/blog"
)

// Notification kinds. They key the dedup ledger and label metrics.
const (
	KindWelcome      = "welcome"
	KindNewPost      = "new_post"
	KindCommentReply = "comment_reply"
	KindWeeklyDigest = "weekly_digest"
)

// Event outcomes.
const (
	OutcomeHandled   = "handled"
	OutcomeNoop      = "noop"
	OutcomeDuplicate = "duplicate"
	OutcomeError     = "error"
)

// digestWindow is how far back the weekly digest looks from its fire time.
const digestWindow = 7 * 24 * time.Hour

var (
	errOptedOut    = errors.New("recipient opted out")
	errUnknownUser = errors.New("recipient user not found")
)

// Store is the read side of the document store plus the dedup ledger.
type Store interface {
	User(ctx context.Context, id string) (*blog.User, error)
	UsersWithPreference(ctx context.Context, pref blog.Preference) (users []*blog.User, unreadable int, err error)
	Post(ctx context.Context, id string) (*blog.Post, error)
	PostsSince(ctx context.Context, cutoff time.Time) ([]*blog.Post, error)
	Comments(ctx context.Context, postID string) ([]*blog.Comment, error)
	MarkProcessed(ctx context.Context, kind, eventID string) (bool, error)
}

// Emailer renders and sends notification emails.
type Emailer interface {
	SendWelcome(ctx context.Context, u *blog.User) error
	SendNewPost(ctx context.Context, u *blog.User, p *blog.Post) error
	SendCommentReply(ctx context.Context, u *blog.User, p *blog.Post, c *blog.Comment) error
	Digest(posts []*blog.Post) *email.Digest
	SendDigest(ctx context.Context, u *blog.User, d *email.Digest) error
}

// Config holds notifier configuration.
type Config struct {
	Store      Store
	Emailer    Emailer
	Logger     *slog.Logger
	IsNotFound func(error) bool
	Metrics    *metrics.Metrics // optional

	// Dedup claims each event id in the store before sending, so a redelivered event sends nothing.
	Dedup       bool
	FanoutLimit int
}

// Notifier handles blog events.
type Notifier struct {
	store      Store
	emailer    Emailer
	logger     *slog.Logger
	isNotFound func(error) bool
	metrics    *metrics.Metrics
	dedup      bool
	limit      int
}

// New creates a new notifier.
func New(cfg Config) *Notifier {
	isNotFound := cfg.IsNotFound
	if isNotFound == nil {
		isNotFound = func(error) bool { return false }
	}
	return &Notifier{
		store:      cfg.Store,
		emailer:    cfg.Emailer,
		logger:     cfg.Logger,
		isNotFound: isNotFound,
		metrics:    cfg.Metrics,
		dedup:      cfg.Dedup,
		limit:      cfg.FanoutLimit,
	}
}

// Report summarizes how one event was handled.
// Handlers never fail: aggregate errors are recorded here instead of returned.
type Report struct {
	Kind       string `json:"kind"`
	EventID    string `json:"eventId,omitempty"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	Recipients int    `json:"recipients"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
}

// handle runs fn for one event, applying the dedup claim and recording the outcome.
func (n *Notifier) handle(ctx context.Context, kind string, ev blog.Event, fn func(context.Context, *slog.Logger, *Report) error) *Report {
	start := time.Now()
	r := &Report{Kind: kind, EventID: ev.ID()}
	logger := n.logger.With("kind", kind, "event_id", ev.ID(), "trigger", string(ev.Trigger()))

	if !n.claim(ctx, logger, kind, ev.ID()) {
		r.Outcome = OutcomeDuplicate
		logger.Info("Event already processed, skipping")
		n.observe(r, start)
		return r
	}

	err := fn(ctx, logger, r)
	switch {
	case err != nil:
		r.Outcome = OutcomeError
		r.Error = err.Error()
		logger.Error("Notification handler failed", "error", err)
	case r.Recipients == 0:
		r.Outcome = OutcomeNoop
	default:
		r.Outcome = OutcomeHandled
	}

	logger.Info("Notification handler completed",
		"outcome", r.Outcome,
		"recipients", r.Recipients,
		"sent", r.Sent,
		"failed", r.Failed,
		"skipped", r.Skipped,
		"duration_ms", time.Since(start).Milliseconds())
	n.observe(r, start)
	return r
}

// claim records the event id and reports whether the event should be processed.
// Ledger errors are logged and the event is processed anyway.
func (n *Notifier) claim(ctx context.Context, logger *slog.Logger, kind, eventID string) bool {
	if !n.dedup || eventID == "" {
		return true
	}
	first, err := n.store.MarkProcessed(ctx, kind, eventID)
	if err != nil {
		logger.Warn("Failed to record event in dedup ledger, processing anyway", "error", err)
		return true
	}
	return first
}

// deliver sends to every recipient concurrently and tallies the outcomes into r.
func deliver[T any](ctx context.Context, n *Notifier, logger *slog.Logger, r *Report, recipients []T, label func(T) string, send func(context.Context, T) error) {
	r.Recipients += len(recipients)
	results := fanout.Gather(ctx, n.limit, recipients, send)

	for _, res := range results {
		switch {
		case res.Err == nil:
			r.Sent++
			n.count(r.Kind, "sent")
		case errors.Is(res.Err, errOptedOut):
			r.Skipped++
			n.skip(r.Kind, "opted_out")
			logger.Debug("Recipient opted out", "recipient", label(res.Item))
		case errors.Is(res.Err, errUnknownUser):
			r.Skipped++
			n.skip(r.Kind, "unknown_user")
			logger.Info("Recipient user not found, skipping", "recipient", label(res.Item))
		default:
			r.Failed++
			n.count(r.Kind, "failed")
			logger.Warn("Failed to send notification", "recipient", label(res.Item), "error", res.Err)
		}
	}
}

// recordUnreadable records subscribers whose user documents could not be loaded.
// They count as recipients that were skipped, so a partial fan-out shows in the report.
func (n *Notifier) recordUnreadable(logger *slog.Logger, r *Report, count int) {
	if count == 0 {
		return
	}
	r.Recipients += count
	r.Skipped += count
	if n.metrics != nil {
		n.metrics.RecipientsSkipped.WithLabelValues(r.Kind, "load_failed").Add(float64(count))
	}
	logger.Warn("Some subscriber documents could not be loaded", "count", count)
}

func (n *Notifier) count(kind, result string) {
	if n.metrics == nil {
		return
	}
	if result == "sent" {
		n.metrics.EmailsSent.WithLabelValues(kind).Inc()
		return
	}
	n.metrics.EmailsFailed.WithLabelValues(kind).Inc()
}

func (n *Notifier) skip(kind, reason string) {
	if n.metrics != nil {
		n.metrics.RecipientsSkipped.WithLabelValues(kind, reason).Inc()
	}
}

func (n *Notifier) observe(r *Report, start time.Time) {
	if n.metrics == nil {
		return
	}
	n.metrics.Events.WithLabelValues(r.Kind, r.Outcome).Inc()
	n.metrics.HandlerDuration.WithLabelValues(r.Kind).Observe(time.Since(start).Seconds())
}
