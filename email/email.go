package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"blog-notifier/pkg/blog"
)

// Sender builds notification emails and hands them to a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // public site URL for links in emails
	from     Address
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string, from Address) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  strings.TrimRight(baseURL, "/"),
		from:     from,
	}
}

// Digest is the shared part of a weekly digest, rendered once per run.
type Digest struct {
	html string
	text string
}

// SendWelcome sends the welcome email to a newly registered user.
func (s *Sender) SendWelcome(ctx context.Context, u *blog.User) error {
	msg := &Message{
		To:      Address{Email: u.Email, Name: u.Name},
		From:    s.from,
		Subject: fmt.Sprintf("Welcome to %s!", s.siteName()),
		HTML:    s.formatWelcomeBody(u),
		Text:    s.formatWelcomeText(u),
	}
	return s.send(ctx, "welcome", msg)
}

// SendNewPost tells a subscriber about a freshly published post.
func (s *Sender) SendNewPost(ctx context.Context, u *blog.User, p *blog.Post) error {
	msg := &Message{
		To:      Address{Email: u.Email, Name: u.Name},
		From:    s.from,
		Subject: "New Post: " + p.Title,
		HTML:    s.formatNewPostBody(u, p),
	}
	return s.send(ctx, "new_post", msg)
}

// SendCommentReply tells a previous commenter that someone else joined the discussion.
func (s *Sender) SendCommentReply(ctx context.Context, u *blog.User, p *blog.Post, c *blog.Comment) error {
	msg := &Message{
		To:      Address{Email: u.Email, Name: u.Name},
		From:    s.from,
		Subject: `New comment on "` + p.Title + `"`,
		HTML:    s.formatCommentBody(u, p, c),
	}
	return s.send(ctx, "comment_reply", msg)
}

// Digest renders the post listing shared by every recipient of one digest run.
func (s *Sender) Digest(posts []*blog.Post) *Digest {
	return &Digest{
		html: s.formatDigestPosts(posts),
		text: s.formatDigestPostsText(posts),
	}
}

// SendDigest sends the weekly digest personalized for one subscriber.
func (s *Sender) SendDigest(ctx context.Context, u *blog.User, d *Digest) error {
	msg := &Message{
		To:      Address{Email: u.Email, Name: u.Name},
		From:    s.from,
		Subject: "This Week's Posts & Updates",
		HTML:    s.formatDigestBody(u, d),
		Text:    fmt.Sprintf("Hi %s,\n\nHere's what was published this week:\n\n%s\nManage preferences: %s\n", greetingName(u), d.text, s.settingsURL()),
	}
	return s.send(ctx, "weekly_digest", msg)
}

func (s *Sender) send(ctx context.Context, kind string, msg *Message) error {
	msg.Subject = sanitizeHeader(msg.Subject)
	if msg.Text == "" {
		msg.Text = plainText(msg.HTML)
	}

	s.logger.Info("Sending notification email",
		"kind", kind,
		"to", msg.To.Email,
		"subject", msg.Subject)

	if err := s.provider.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s email to %s: %w", kind, msg.To.Email, err)
	}
	return nil
}

func (s *Sender) siteName() string {
	if s.from.Name != "" {
		return s.from.Name
	}
	return "the blog"
}

func (s *Sender) postURL(id string) string {
	return s.baseURL + "/post.html?id=" + url.QueryEscape(id)
}

func (s *Sender) settingsURL() string {
	return s.baseURL + "/#settings"
}

func greetingName(u *blog.User) string {
	if name := strings.TrimSpace(u.Name); name != "" {
		return name
	}
	return "there"
}

// sanitizeHeader removes newlines and control characters to prevent header injection.
func sanitizeHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}
