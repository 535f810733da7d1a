package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"blog-notifier/pkg/blog"
)

func userLabel(u *blog.User) string { return u.Email }
func idLabel(id string) string      { return id }

// Welcome sends the welcome email to a newly created user.
// Exactly one message is attempted, addressed to the user's own email.
func (n *Notifier) Welcome(ctx context.Context, ev blog.Created[blog.User]) *Report {
	return n.handle(ctx, KindWelcome, ev, func(ctx context.Context, logger *slog.Logger, r *Report) error {
		u := ev.Document
		logger.Info("Sending welcome email", "user_id", u.ID, "to", u.Email)
		deliver(ctx, n, logger, r, []*blog.User{&u}, userLabel, func(ctx context.Context, u *blog.User) error {
			return n.emailer.SendWelcome(ctx, u)
		})
		return nil
	})
}

// NewPost notifies every user explicitly opted in to new post emails.
// Users without a newPosts preference are not notified.
func (n *Notifier) NewPost(ctx context.Context, ev blog.Created[blog.Post]) *Report {
	return n.handle(ctx, KindNewPost, ev, func(ctx context.Context, logger *slog.Logger, r *Report) error {
		post := ev.Document
		logger = logger.With("post_id", post.ID)

		users, unreadable, err := n.store.UsersWithPreference(ctx, blog.NewPosts)
		if err != nil {
			return fmt.Errorf("query new post subscribers: %w", err)
		}
		users = distinctUsers(users)
		n.recordUnreadable(logger, r, unreadable)
		if len(users) == 0 {
			logger.Info("No subscribers for new posts")
			return nil
		}

		logger.Info("Sending new post notifications", "title", post.Title, "count", len(users))
		deliver(ctx, n, logger, r, users, userLabel, func(ctx context.Context, u *blog.User) error {
			return n.emailer.SendNewPost(ctx, u, &post)
		})
		return nil
	})
}

// CommentReply notifies earlier commenters on a post that a new comment was left.
// The comment's author is never notified, and a user is only skipped when
// commentReplies is explicitly false.
func (n *Notifier) CommentReply(ctx context.Context, ev blog.Created[blog.Comment]) *Report {
	return n.handle(ctx, KindCommentReply, ev, func(ctx context.Context, logger *slog.Logger, r *Report) error {
		comment := ev.Document
		logger = logger.With("post_id", comment.PostID, "comment_id", comment.ID)
		if comment.PostID == "" {
			return errors.New("comment has no post id")
		}

		post, err := n.store.Post(ctx, comment.PostID)
		if err != nil {
			if n.isNotFound(err) {
				logger.Info("Post not found, skipping comment notifications")
				return nil
			}
			return fmt.Errorf("load post: %w", err)
		}

		comments, err := n.store.Comments(ctx, comment.PostID)
		if err != nil {
			return fmt.Errorf("list comments: %w", err)
		}

		ids := priorCommenters(comments, comment.UserID)
		if len(ids) == 0 {
			logger.Info("No other commenters to notify")
			return nil
		}

		logger.Info("Sending comment notifications", "count", len(ids))
		deliver(ctx, n, logger, r, ids, idLabel, func(ctx context.Context, id string) error {
			u, err := n.store.User(ctx, id)
			if err != nil {
				if n.isNotFound(err) {
					return errUnknownUser
				}
				return fmt.Errorf("load user %s: %w", id, err)
			}
			if !u.Preferences.Enabled(blog.CommentReplies) {
				return errOptedOut
			}
			return n.emailer.SendCommentReply(ctx, u, post, &comment)
		})
		return nil
	})
}

// WeeklyDigest sends the posts published in the week before the tick to
// every user explicitly opted in to the digest. Nothing is sent in a week without posts.
func (n *Notifier) WeeklyDigest(ctx context.Context, tick blog.Tick) *Report {
	return n.handle(ctx, KindWeeklyDigest, tick, func(ctx context.Context, logger *slog.Logger, r *Report) error {
		fireTime := tick.FireTime
		if fireTime.IsZero() {
			fireTime = time.Now()
		}
		cutoff := fireTime.Add(-digestWindow)

		posts, err := n.store.PostsSince(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("query recent posts: %w", err)
		}
		if len(posts) == 0 {
			logger.Info("No new posts this week, skipping digest", "cutoff", cutoff.Format(time.RFC3339))
			return nil
		}

		users, unreadable, err := n.store.UsersWithPreference(ctx, blog.WeeklyDigest)
		if err != nil {
			return fmt.Errorf("query digest subscribers: %w", err)
		}
		users = distinctUsers(users)
		n.recordUnreadable(logger, r, unreadable)
		if len(users) == 0 {
			logger.Info("No subscribers for weekly digest")
			return nil
		}

		digest := n.emailer.Digest(posts)
		logger.Info("Sending weekly digest", "posts", len(posts), "count", len(users))
		deliver(ctx, n, logger, r, users, userLabel, func(ctx context.Context, u *blog.User) error {
			return n.emailer.SendDigest(ctx, u, digest)
		})
		return nil
	})
}

// priorCommenters returns the distinct non-empty author ids in first-seen order, excluding author.
func priorCommenters(comments []*blog.Comment, author string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, c := range comments {
		if c.UserID == "" || c.UserID == author || seen[c.UserID] {
			continue
		}
		seen[c.UserID] = true
		ids = append(ids, c.UserID)
	}
	return ids
}

// distinctUsers drops repeated user ids, keeping the first occurrence.
func distinctUsers(users []*blog.User) []*blog.User {
	seen := make(map[string]bool, len(users))
	out := users[:0:0]
	for _, u := range users {
		key := u.ID
		if key == "" {
			key = "email:" + u.Email
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, u)
	}
	return out
}
