// Package storage handles persistence of blog documents.
//
// Documents are JSON objects laid out like the blog's document collections:
//
//	users/{id}.json
//	posts/{id}.json
//	posts/{postID}/comments/{id}.json
//	events/{kind}/{eventID}
//
// Objects live in a Cloud Storage bucket, or in a local directory for development.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"blog-notifier/pkg/blog"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// ErrNotFound is returned when a referenced document does not exist.
var ErrNotFound = errors.New("storage: object doesn't exist")

var validID = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,128}$`)

// Store handles document persistence.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. When localPath is set the bucket is ignored.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// IsNotFound checks if an error indicates a document was not found.
// Errors that passed through retry lose their chain, so the message is checked too.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotFound) || strings.Contains(err.Error(), ErrNotFound.Error())
}

// checkID rejects ids that could escape their collection.
func checkID(id string) error {
	if !validID.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("invalid document id %q", id)
	}
	return nil
}

func userKey(id string) string            { return "users/" + id + ".json" }
func postKey(id string) string            { return "posts/" + id + ".json" }
func commentPrefix(postID string) string  { return "posts/" + postID + "/comments/" }
func commentKey(postID, id string) string { return commentPrefix(postID) + id + ".json" }
func eventKey(kind, id string) string     { return "events/" + kind + "/" + id }

// User loads a user by id.
func (s *Store) User(ctx context.Context, id string) (*blog.User, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var u blog.User
	if err := s.load(ctx, userKey(id), &u); err != nil {
		return nil, err
	}
	if u.ID == "" {
		u.ID = id
	}
	return &u, nil
}

// SaveUser writes a user document.
func (s *Store) SaveUser(ctx context.Context, u *blog.User) error {
	if err := checkID(u.ID); err != nil {
		return err
	}
	return s.save(ctx, userKey(u.ID), u)
}

// UsersWithPreference lists users whose preference is explicitly true.
// Users without the key are excluded, mirroring an equality query on the field.
// Documents that cannot be read are skipped and counted in unreadable.
func (s *Store) UsersWithPreference(ctx context.Context, pref blog.Preference) (users []*blog.User, unreadable int, err error) {
	keys, err := s.list(ctx, "users/")
	if err != nil {
		return nil, 0, err
	}

	for _, key := range keys {
		var u blog.User
		if err := s.load(ctx, key, &u); err != nil {
			s.logger.Warn("Failed to load user", "key", key, "error", err)
			unreadable++
			continue
		}
		if !u.Preferences.OptedIn(pref) {
			continue
		}
		if u.ID == "" {
			u.ID = strings.TrimSuffix(path.Base(key), ".json")
		}
		users = append(users, &u)
	}

	s.logger.Debug("Users matched preference", "preference", pref, "scanned", len(keys), "matched", len(users), "unreadable", unreadable)
	return users, unreadable, nil
}

// Post loads a post by id.
func (s *Store) Post(ctx context.Context, id string) (*blog.Post, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var p blog.Post
	if err := s.load(ctx, postKey(id), &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = id
	}
	return &p, nil
}

// SavePost writes a post document.
func (s *Store) SavePost(ctx context.Context, p *blog.Post) error {
	if err := checkID(p.ID); err != nil {
		return err
	}
	return s.save(ctx, postKey(p.ID), p)
}

// PostsSince returns posts with a timestamp strictly after cutoff, newest first.
func (s *Store) PostsSince(ctx context.Context, cutoff time.Time) ([]*blog.Post, error) {
	keys, err := s.list(ctx, "posts/")
	if err != nil {
		return nil, err
	}

	var posts []*blog.Post
	for _, key := range keys {
		var p blog.Post
		if err := s.load(ctx, key, &p); err != nil {
			s.logger.Warn("Failed to load post", "key", key, "error", err)
			continue
		}
		if !p.Timestamp.After(cutoff) {
			continue
		}
		if p.ID == "" {
			p.ID = strings.TrimSuffix(path.Base(key), ".json")
		}
		posts = append(posts, &p)
	}

	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].Timestamp.After(posts[j].Timestamp)
	})
	return posts, nil
}

// Comments lists every comment stored under a post.
func (s *Store) Comments(ctx context.Context, postID string) ([]*blog.Comment, error) {
	if err := checkID(postID); err != nil {
		return nil, err
	}
	keys, err := s.list(ctx, commentPrefix(postID))
	if err != nil {
		return nil, err
	}

	comments := make([]*blog.Comment, 0, len(keys))
	for _, key := range keys {
		var c blog.Comment
		if err := s.load(ctx, key, &c); err != nil {
			s.logger.Warn("Failed to load comment", "key", key, "error", err)
			continue
		}
		if c.ID == "" {
			c.ID = strings.TrimSuffix(path.Base(key), ".json")
		}
		if c.PostID == "" {
			c.PostID = postID
		}
		comments = append(comments, &c)
	}
	return comments, nil
}

// SaveComment writes a comment document under its post.
func (s *Store) SaveComment(ctx context.Context, c *blog.Comment) error {
	if err := checkID(c.PostID); err != nil {
		return err
	}
	if err := checkID(c.ID); err != nil {
		return err
	}
	return s.save(ctx, commentKey(c.PostID, c.ID), c)
}

// MarkProcessed records that an event was handled.
// It returns false when the event had already been recorded.
func (s *Store) MarkProcessed(ctx context.Context, kind, eventID string) (bool, error) {
	if err := checkID(kind); err != nil {
		return false, err
	}
	if err := checkID(eventID); err != nil {
		return false, err
	}
	key := eventKey(kind, eventID)
	stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano))

	if s.localPath != "" {
		filePath := s.localFile(key)
		if err := os.MkdirAll(filepath.Dir(filePath), 0o750); err != nil {
			return false, fmt.Errorf("create event directory: %w", err)
		}
		f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				return false, nil
			}
			return false, fmt.Errorf("create event marker: %w", err)
		}
		if _, err := f.Write(stamp); err != nil {
			_ = f.Close()
			return false, fmt.Errorf("write event marker: %w", err)
		}
		if err := f.Close(); err != nil {
			return false, fmt.Errorf("close event marker: %w", err)
		}
		return true, nil
	}

	first := true
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
			if _, writeErr := w.Write(stamp); writeErr != nil {
				_ = w.Close()
				return fmt.Errorf("write event marker: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				var gerr *googleapi.Error
				if errors.As(closeErr, &gerr) && gerr.Code == http.StatusPreconditionFailed {
					first = false
					return nil
				}
				return fmt.Errorf("close event marker: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying event marker after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return false, fmt.Errorf("mark event after retries: %w", err)
	}
	return first, nil
}

func (s *Store) localFile(key string) string {
	return filepath.Join(s.localPath, filepath.FromSlash(key))
}

func (s *Store) save(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := s.localFile(key)
		if err := os.MkdirAll(filepath.Dir(filePath), 0o750); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("Document saved to local storage", "path", filePath)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("Document saved", "key", key)
	return nil
}

func (s *Store) load(ctx context.Context, key string, v any) error {
	var data []byte

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(s.localFile(key))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return ErrNotFound
			}
			return fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(ErrNotFound)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if err != nil {
			if IsNotFound(err) {
				return ErrNotFound
			}
			return fmt.Errorf("load after retries: %w", err)
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// list returns the keys of the JSON documents directly under prefix.
// Nested collections (such as a post's comments) are not descended into.
func (s *Store) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localFile(prefix))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, prefix+entry.Name())
		}
		return keys, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix:    prefix,
		Delimiter: "/",
	})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		// Synthetic directory entries carry only a prefix.
		if attrs.Prefix != "" || !strings.HasSuffix(attrs.Name, ".json") {
			continue
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}
