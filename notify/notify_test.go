package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"blog-notifier/email"
	"blog-notifier/metrics"
	"blog-notifier/pkg/blog"
	"blog-notifier/storage"

	"github.com/PuerkitoBio/goquery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// recordingProvider records every send attempt and rejects the addresses in fail.
type recordingProvider struct {
	mu   sync.Mutex
	msgs []*email.Message
	fail map[string]bool
}

func (p *recordingProvider) Send(_ context.Context, msg *email.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	if p.fail[msg.To.Email] {
		return &email.ProviderError{Provider: "test", StatusCode: 500, Detail: "rejected"}
	}
	return nil
}

func (p *recordingProvider) recipients() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var to []string
	for _, m := range p.msgs {
		to = append(to, m.To.Email)
	}
	sort.Strings(to)
	return to
}

type fixture struct {
	store    *storage.Store
	provider *recordingProvider
	metrics  *metrics.Metrics
	notifier *Notifier
}

func newFixture(t *testing.T, fail ...string) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		store:    storage.New(nil, "", t.TempDir(), logger),
		provider: &recordingProvider{fail: make(map[string]bool)},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	for _, addr := range fail {
		f.provider.fail[addr] = true
	}
	f.notifier = f.newNotifier(f.store, true)
	return f
}

func (f *fixture) newNotifier(store Store, dedup bool) *Notifier {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sender := email.New(f.provider, logger, "https://blog.example.com", email.Address{Email: "blog@example.com", Name: "Example Blog"})
	return New(Config{
		Store:       store,
		Emailer:     sender,
		Logger:      logger,
		IsNotFound:  storage.IsNotFound,
		Metrics:     f.metrics,
		Dedup:       dedup,
		FanoutLimit: 3,
	})
}

func (f *fixture) addUser(t *testing.T, id string, prefs blog.Preferences) {
	t.Helper()
	u := &blog.User{ID: id, Email: id + "@example.com", Name: strings.ToUpper(id), Preferences: prefs}
	if err := f.store.SaveUser(context.Background(), u); err != nil {
		t.Fatalf("SaveUser(%s): %v", id, err)
	}
}

func (f *fixture) addPost(t *testing.T, id string, ts time.Time) {
	t.Helper()
	p := &blog.Post{ID: id, Title: "Post " + id, Excerpt: "About " + id, Timestamp: ts}
	if err := f.store.SavePost(context.Background(), p); err != nil {
		t.Fatalf("SavePost(%s): %v", id, err)
	}
}

func (f *fixture) addComment(t *testing.T, postID, id, userID string) *blog.Comment {
	t.Helper()
	c := &blog.Comment{ID: id, PostID: postID, UserID: userID, Name: strings.ToUpper(userID), Text: "comment " + id}
	if err := f.store.SaveComment(context.Background(), c); err != nil {
		t.Fatalf("SaveComment(%s): %v", id, err)
	}
	return c
}

func addrs(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id+"@example.com")
	}
	sort.Strings(out)
	return out
}

func TestWelcomeSendsExactlyOne(t *testing.T) {
	f := newFixture(t)
	// Unrelated state must not affect the welcome email.
	f.addUser(t, "other", blog.Preferences{blog.NewPosts: true})
	f.addPost(t, "p1", time.Now())

	ev := blog.Created[blog.User]{EventID: "evt-1", Document: blog.User{ID: "ada", Email: "ada@example.com", Name: "Ada"}}
	r := f.notifier.Welcome(context.Background(), ev)

	if got := f.provider.recipients(); !slices.Equal(got, []string{"ada@example.com"}) {
		t.Errorf("recipients = %v", got)
	}
	if r.Outcome != OutcomeHandled || r.Sent != 1 {
		t.Errorf("report = %+v", r)
	}
}

func TestWelcomeFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, "ada@example.com")

	r := f.notifier.Welcome(context.Background(), blog.Created[blog.User]{
		EventID:  "evt-1",
		Document: blog.User{ID: "ada", Email: "ada@example.com"},
	})
	if r.Outcome != OutcomeHandled || r.Failed != 1 || r.Error != "" {
		t.Errorf("report = %+v", r)
	}
}

func TestNewPostStrictOptIn(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "a", blog.Preferences{blog.NewPosts: true})
	f.addUser(t, "b", blog.Preferences{blog.NewPosts: true, blog.WeeklyDigest: false})
	f.addUser(t, "c", blog.Preferences{blog.NewPosts: false})
	f.addUser(t, "d", nil)
	f.addUser(t, "e", blog.Preferences{blog.WeeklyDigest: true})

	r := f.notifier.NewPost(context.Background(), blog.Created[blog.Post]{
		EventID:  "evt-post",
		Document: blog.Post{ID: "p1", Title: "Hello"},
	})

	if got, want := f.provider.recipients(), addrs("a", "b"); !slices.Equal(got, want) {
		t.Errorf("recipients = %v, want %v", got, want)
	}
	if r.Recipients != 2 || r.Sent != 2 || r.Failed != 0 {
		t.Errorf("report = %+v", r)
	}
	for _, m := range f.provider.msgs {
		if m.Subject != "New Post: Hello" {
			t.Errorf("subject = %q", m.Subject)
		}
		if !strings.Contains(m.HTML, "https://blog.example.com/post.html?id=p1") {
			t.Error("message missing post link")
		}
	}
}

func TestNewPostNoSubscribers(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "c", blog.Preferences{blog.NewPosts: false})

	r := f.notifier.NewPost(context.Background(), blog.Created[blog.Post]{EventID: "evt", Document: blog.Post{ID: "p1"}})
	if len(f.provider.msgs) != 0 {
		t.Errorf("expected no messages, got %d", len(f.provider.msgs))
	}
	if r.Outcome != OutcomeNoop {
		t.Errorf("outcome = %q, want %q", r.Outcome, OutcomeNoop)
	}
}

func TestCommentReplyDistinctCommenters(t *testing.T) {
	tests := []struct {
		name    string
		prefs   map[string]blog.Preferences
		want    []string
		skipped int
	}{
		{
			name: "all enabled",
			want: addrs("a", "b", "c"),
		},
		{
			name:    "explicit opt-out excluded",
			prefs:   map[string]blog.Preferences{"b": {blog.CommentReplies: false}},
			want:    addrs("a", "c"),
			skipped: 1,
		},
		{
			name:  "missing preference counts as enabled",
			prefs: map[string]blog.Preferences{"a": {blog.NewPosts: false}, "c": {blog.CommentReplies: true}},
			want:  addrs("a", "b", "c"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for _, id := range []string{"a", "b", "c", "d"} {
				f.addUser(t, id, tt.prefs[id])
			}
			f.addPost(t, "p1", time.Now())
			f.addComment(t, "p1", "c1", "a")
			f.addComment(t, "p1", "c2", "b")
			f.addComment(t, "p1", "c3", "a")
			f.addComment(t, "p1", "c4", "c")
			latest := f.addComment(t, "p1", "c5", "d")

			r := f.notifier.CommentReply(context.Background(), blog.Created[blog.Comment]{EventID: "evt-c5", Document: *latest})

			if got := f.provider.recipients(); !slices.Equal(got, tt.want) {
				t.Errorf("recipients = %v, want %v", got, tt.want)
			}
			if r.Recipients != 3 || r.Skipped != tt.skipped || r.Sent != len(tt.want) {
				t.Errorf("report = %+v", r)
			}
			for _, m := range f.provider.msgs {
				if m.Subject != `New comment on "Post p1"` {
					t.Errorf("subject = %q", m.Subject)
				}
				if !strings.Contains(m.HTML, "comment c5") {
					t.Error("message missing new comment text")
				}
			}
		})
	}
}

func TestCommentReplyOnlyAuthor(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "d", nil)
	f.addPost(t, "p1", time.Now())
	f.addComment(t, "p1", "c1", "d")
	latest := f.addComment(t, "p1", "c2", "d")

	r := f.notifier.CommentReply(context.Background(), blog.Created[blog.Comment]{EventID: "evt", Document: *latest})
	if len(f.provider.msgs) != 0 {
		t.Errorf("expected no messages, got %d", len(f.provider.msgs))
	}
	if r.Outcome != OutcomeNoop {
		t.Errorf("outcome = %q", r.Outcome)
	}
}

func TestCommentReplyMissingPost(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "a", nil)

	r := f.notifier.CommentReply(context.Background(), blog.Created[blog.Comment]{
		EventID:  "evt",
		Document: blog.Comment{ID: "c9", PostID: "gone", UserID: "d"},
	})
	if len(f.provider.msgs) != 0 {
		t.Errorf("expected no messages, got %d", len(f.provider.msgs))
	}
	if r.Outcome != OutcomeNoop || r.Error != "" {
		t.Errorf("report = %+v", r)
	}
}

func TestCommentReplyUnknownCommenter(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "a", nil)
	f.addPost(t, "p1", time.Now())
	f.addComment(t, "p1", "c1", "a")
	f.addComment(t, "p1", "c2", "ghost")
	f.addComment(t, "p1", "c3", "")
	latest := f.addComment(t, "p1", "c4", "d")

	r := f.notifier.CommentReply(context.Background(), blog.Created[blog.Comment]{EventID: "evt", Document: *latest})
	if got := f.provider.recipients(); !slices.Equal(got, addrs("a")) {
		t.Errorf("recipients = %v", got)
	}
	if r.Recipients != 2 || r.Sent != 1 || r.Skipped != 1 {
		t.Errorf("report = %+v", r)
	}
}

func TestWeeklyDigestWindow(t *testing.T) {
	f := newFixture(t)
	fire := time.Date(2026, 10, 12, 13, 0, 0, 0, time.UTC)
	cutoff := fire.Add(-7 * 24 * time.Hour)

	f.addUser(t, "a", blog.Preferences{blog.WeeklyDigest: true})
	f.addUser(t, "b", nil)
	f.addPost(t, "recent", fire.Add(-24*time.Hour))
	f.addPost(t, "edge", cutoff.Add(time.Hour))
	f.addPost(t, "stale", cutoff.Add(-24*time.Hour))
	f.addPost(t, "old", cutoff.Add(-8*24*time.Hour))
	f.addPost(t, "exact", cutoff)

	r := f.notifier.WeeklyDigest(context.Background(), blog.Tick{EventID: "tick-1", FireTime: fire})

	if got := f.provider.recipients(); !slices.Equal(got, addrs("a")) {
		t.Fatalf("recipients = %v", got)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(f.provider.msgs[0].HTML))
	if err != nil {
		t.Fatalf("parse digest: %v", err)
	}
	titles := doc.Find(".post h3").Map(func(_ int, s *goquery.Selection) string { return s.Text() })
	if want := []string{"Post recent", "Post edge"}; !slices.Equal(titles, want) {
		t.Errorf("digest posts = %v, want %v", titles, want)
	}
	if r.Outcome != OutcomeHandled || r.Sent != 1 {
		t.Errorf("report = %+v", r)
	}
}

func TestWeeklyDigestNoPosts(t *testing.T) {
	f := newFixture(t)
	fire := time.Date(2026, 10, 12, 13, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		f.addUser(t, id, blog.Preferences{blog.WeeklyDigest: true})
	}
	f.addPost(t, "old", fire.Add(-30*24*time.Hour))

	r := f.notifier.WeeklyDigest(context.Background(), blog.Tick{EventID: "tick-1", FireTime: fire})
	if len(f.provider.msgs) != 0 {
		t.Errorf("expected no messages, got %d", len(f.provider.msgs))
	}
	if r.Outcome != OutcomeNoop {
		t.Errorf("outcome = %q", r.Outcome)
	}
}

func TestWeeklyDigestNoSubscribers(t *testing.T) {
	f := newFixture(t)
	fire := time.Date(2026, 10, 12, 13, 0, 0, 0, time.UTC)
	f.addUser(t, "a", blog.Preferences{blog.WeeklyDigest: false})
	f.addPost(t, "recent", fire.Add(-time.Hour))

	r := f.notifier.WeeklyDigest(context.Background(), blog.Tick{EventID: "tick-1", FireTime: fire})
	if len(f.provider.msgs) != 0 || r.Outcome != OutcomeNoop {
		t.Errorf("messages = %d, report = %+v", len(f.provider.msgs), r)
	}
}

func TestFailureIsolation(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f", "g"}
	f := newFixture(t, "b@example.com", "e@example.com")
	for _, id := range ids {
		f.addUser(t, id, blog.Preferences{blog.NewPosts: true, blog.WeeklyDigest: true})
	}
	f.addPost(t, "p1", time.Now().Add(-time.Hour))

	r := f.notifier.NewPost(context.Background(), blog.Created[blog.Post]{EventID: "evt", Document: blog.Post{ID: "p1", Title: "T"}})

	if got, want := f.provider.recipients(), addrs(ids...); !slices.Equal(got, want) {
		t.Errorf("attempted recipients = %v, want %v", got, want)
	}
	if r.Sent != 5 || r.Failed != 2 || r.Outcome != OutcomeHandled {
		t.Errorf("report = %+v", r)
	}

	r = f.notifier.WeeklyDigest(context.Background(), blog.Tick{EventID: "tick", FireTime: time.Now()})
	if r.Sent != 5 || r.Failed != 2 {
		t.Errorf("digest report = %+v", r)
	}
}

func TestCommentReplyFailureIsolation(t *testing.T) {
	f := newFixture(t, "b@example.com")
	for _, id := range []string{"a", "b", "c", "d"} {
		f.addUser(t, id, nil)
	}
	f.addPost(t, "p1", time.Now())
	f.addComment(t, "p1", "c1", "a")
	f.addComment(t, "p1", "c2", "b")
	f.addComment(t, "p1", "c3", "c")
	latest := f.addComment(t, "p1", "c4", "d")

	n := f.newNotifier(brokenUserStore{Store: f.store, id: "a"}, true)
	r := n.CommentReply(context.Background(), blog.Created[blog.Comment]{EventID: "evt", Document: *latest})

	// a fails lookup, b is rejected by the provider, c still gets its message.
	if got := f.provider.recipients(); !slices.Equal(got, addrs("b", "c")) {
		t.Errorf("attempted recipients = %v, want %v", got, addrs("b", "c"))
	}
	if r.Recipients != 3 || r.Sent != 1 || r.Failed != 2 || r.Skipped != 0 {
		t.Errorf("report = %+v", r)
	}
	if r.Outcome != OutcomeHandled {
		t.Errorf("outcome = %q, want %q", r.Outcome, OutcomeHandled)
	}
}

func TestUnreadableSubscribersCounted(t *testing.T) {
	f := newFixture(t)
	fire := time.Date(2026, 10, 12, 13, 0, 0, 0, time.UTC)
	f.addUser(t, "a", blog.Preferences{blog.NewPosts: true, blog.WeeklyDigest: true})
	f.addPost(t, "recent", fire.Add(-time.Hour))
	n := f.newNotifier(unreadableStore{Store: f.store, count: 2}, true)

	r := n.NewPost(context.Background(), blog.Created[blog.Post]{EventID: "evt", Document: blog.Post{ID: "recent", Title: "T"}})
	if r.Recipients != 3 || r.Sent != 1 || r.Skipped != 2 || r.Outcome != OutcomeHandled {
		t.Errorf("new post report = %+v", r)
	}

	r = n.WeeklyDigest(context.Background(), blog.Tick{EventID: "tick", FireTime: fire})
	if r.Recipients != 3 || r.Sent != 1 || r.Skipped != 2 {
		t.Errorf("digest report = %+v", r)
	}

	if got := testutil.ToFloat64(f.metrics.RecipientsSkipped.WithLabelValues(KindNewPost, "load_failed")); got != 2 {
		t.Errorf("load_failed skips = %v, want 2", got)
	}
}

func TestUnreadableSubscribersOnly(t *testing.T) {
	f := newFixture(t)
	n := f.newNotifier(unreadableStore{Store: f.store, count: 1}, true)

	r := n.NewPost(context.Background(), blog.Created[blog.Post]{EventID: "evt", Document: blog.Post{ID: "p1"}})
	if len(f.provider.msgs) != 0 {
		t.Errorf("expected no messages, got %d", len(f.provider.msgs))
	}
	if r.Recipients != 1 || r.Skipped != 1 || r.Outcome != OutcomeHandled {
		t.Errorf("report = %+v", r)
	}
}

// unreadableStore reports count extra subscriber documents that failed to load.
type unreadableStore struct {
	*storage.Store
	count int
}

func (s unreadableStore) UsersWithPreference(ctx context.Context, pref blog.Preference) ([]*blog.User, int, error) {
	users, unreadable, err := s.Store.UsersWithPreference(ctx, pref)
	return users, unreadable + s.count, err
}

func TestDuplicateEventSendsOnce(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "a", blog.Preferences{blog.NewPosts: true})
	ev := blog.Created[blog.Post]{EventID: "evt-dup", Document: blog.Post{ID: "p1", Title: "T"}}

	first := f.notifier.NewPost(context.Background(), ev)
	second := f.notifier.NewPost(context.Background(), ev)

	if len(f.provider.msgs) != 1 {
		t.Errorf("expected 1 message, got %d", len(f.provider.msgs))
	}
	if first.Outcome != OutcomeHandled || second.Outcome != OutcomeDuplicate {
		t.Errorf("outcomes = %q, %q", first.Outcome, second.Outcome)
	}

	// The ledger is keyed per kind: the same id for another handler is not a duplicate.
	r := f.notifier.Welcome(context.Background(), blog.Created[blog.User]{EventID: "evt-dup", Document: blog.User{Email: "x@example.com"}})
	if r.Outcome != OutcomeHandled {
		t.Errorf("welcome outcome = %q", r.Outcome)
	}
}

func TestDedupDisabled(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "a", blog.Preferences{blog.NewPosts: true})
	n := f.newNotifier(f.store, false)
	ev := blog.Created[blog.Post]{EventID: "evt", Document: blog.Post{ID: "p1"}}

	n.NewPost(context.Background(), ev)
	n.NewPost(context.Background(), ev)
	if len(f.provider.msgs) != 2 {
		t.Errorf("expected 2 messages, got %d", len(f.provider.msgs))
	}
}

type failingStore struct {
	*storage.Store
}

func (failingStore) UsersWithPreference(context.Context, blog.Preference) ([]*blog.User, int, error) {
	return nil, 0, errors.New("backend unavailable")
}

// brokenUserStore fails user lookups for one id with an error other than not found.
type brokenUserStore struct {
	*storage.Store
	id string
}

func (s brokenUserStore) User(ctx context.Context, id string) (*blog.User, error) {
	if id == s.id {
		return nil, errors.New("load after retries: connection reset")
	}
	return s.Store.User(ctx, id)
}

func (failingStore) MarkProcessed(context.Context, string, string) (bool, error) {
	return false, errors.New("ledger unavailable")
}

func TestQueryFailureRecorded(t *testing.T) {
	f := newFixture(t)
	n := f.newNotifier(failingStore{f.store}, true)

	r := n.NewPost(context.Background(), blog.Created[blog.Post]{EventID: "evt", Document: blog.Post{ID: "p1"}})
	if r.Outcome != OutcomeError || !strings.Contains(r.Error, "backend unavailable") {
		t.Errorf("report = %+v", r)
	}
	if len(f.provider.msgs) != 0 {
		t.Errorf("expected no messages, got %d", len(f.provider.msgs))
	}

	// A ledger failure does not block the event.
	r = n.Welcome(context.Background(), blog.Created[blog.User]{EventID: "evt", Document: blog.User{Email: "x@example.com"}})
	if r.Outcome != OutcomeHandled || r.Sent != 1 {
		t.Errorf("welcome report = %+v", r)
	}
}

func TestMetricsRecorded(t *testing.T) {
	f := newFixture(t, "b@example.com")
	f.addUser(t, "a", blog.Preferences{blog.NewPosts: true})
	f.addUser(t, "b", blog.Preferences{blog.NewPosts: true})

	f.notifier.NewPost(context.Background(), blog.Created[blog.Post]{EventID: "evt", Document: blog.Post{ID: "p1"}})
	f.notifier.NewPost(context.Background(), blog.Created[blog.Post]{EventID: "evt", Document: blog.Post{ID: "p1"}})

	if got := testutil.ToFloat64(f.metrics.EmailsSent.WithLabelValues(KindNewPost)); got != 1 {
		t.Errorf("emails sent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.EmailsFailed.WithLabelValues(KindNewPost)); got != 1 {
		t.Errorf("emails failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.Events.WithLabelValues(KindNewPost, OutcomeDuplicate)); got != 1 {
		t.Errorf("duplicate events = %v, want 1", got)
	}
}

func TestPriorCommenters(t *testing.T) {
	tests := []struct {
		name     string
		comments []string
		author   string
		want     []string
	}{
		{name: "distinct in order", comments: []string{"a", "b", "a", "c", "d"}, author: "d", want: []string{"a", "b", "c"}},
		{name: "only author", comments: []string{"d", "d"}, author: "d", want: nil},
		{name: "empty ids ignored", comments: []string{"", "a", ""}, author: "d", want: []string{"a"}},
		{name: "no comments", comments: nil, author: "d", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var comments []*blog.Comment
			for _, id := range tt.comments {
				comments = append(comments, &blog.Comment{UserID: id})
			}
			if got := priorCommenters(comments, tt.author); !slices.Equal(got, tt.want) {
				t.Errorf("priorCommenters() = %v, want %v", got, tt.want)
			}
		})
	}
}
