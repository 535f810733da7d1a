// Package blog contains the core domain types for the blog notification service.
package blog

import "time"

// Preference names a kind of notification a user can opt in or out of.
type Preference string

// Known preference keys as stored under a user's emailPreferences.
const (
	NewPosts       Preference = "newPosts"
	CommentReplies Preference = "commentReplies"
	WeeklyDigest   Preference = "weeklyDigest"
)

// Preferences maps a notification kind to the user's choice.
// A missing key is distinct from an explicit false.
type Preferences map[Preference]bool

// OptedIn reports whether the preference is present and true.
func (p Preferences) OptedIn(pref Preference) bool {
	v, ok := p[pref]
	return ok && v
}

// Enabled reports whether the preference is absent or true.
func (p Preferences) Enabled(pref Preference) bool {
	v, ok := p[pref]
	return !ok || v
}

// User is a registered reader of the blog.
type User struct {
	Preferences Preferences `json:"emailPreferences,omitempty"`
	CreatedAt   time.Time   `json:"createdAt,omitzero"`
	ID          string      `json:"id"`
	Email       string      `json:"email"`
	Name        string      `json:"name"`
}

// Post is a published blog article.
type Post struct {
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Excerpt   string    `json:"excerpt,omitempty"`
	Content   string    `json:"content,omitempty"` // HTML body, only used to derive an excerpt
}

// Comment is a reader comment under a post.
type Comment struct {
	Timestamp time.Time `json:"timestamp,omitzero"`
	ID        string    `json:"id"`
	PostID    string    `json:"postId"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Text      string    `json:"comment"`
}
