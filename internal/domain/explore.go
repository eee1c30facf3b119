package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// NotificationKind is the outcome class of a user-facing notification.
type NotificationKind string

const (
	NotifySuccess NotificationKind = "success"
	NotifyFailure NotificationKind = "failure"
)

// Notification is a message for the surrounding UI to render.
type Notification struct {
	Kind    NotificationKind
	Title   string
	Message string
}

// JoinNotification maps a join result to the message shown to the user.
func JoinNotification(err error) Notification {
	if err == nil {
		return Notification{Kind: NotifySuccess, Title: "Joined", Message: "You have successfully joined the group."}
	}
	if FailureKindOf(err) == FailureUnauthenticated {
		return Notification{Kind: NotifyFailure, Title: "Error", Message: "Please log in to join a group."}
	}
	return Notification{Kind: NotifyFailure, Title: "Error", Message: "Failed to join the group."}
}

// ExploreConfig names the collections the Explore screen works against.
type ExploreConfig struct {
	FeedCollection       string
	MembershipCollection string
}

// Explore wires the live feed, the search box and the join action together.
// It owns the query string; the feed snapshot is owned by the LiveCollection.
type Explore struct {
	feed       *LiveCollection
	members    *MembershipCoordinator
	writer     DocumentWriter
	principals PrincipalProvider
	notifier   Notifier
	logger     *slog.Logger

	feedCollection string
	now            func() time.Time

	mu    sync.Mutex
	query string
}

// NewExplore creates an Explore over the given collaborators.
func NewExplore(
	cfg ExploreConfig,
	source FeedSource,
	writer DocumentWriter,
	principals PrincipalProvider,
	notifier Notifier,
	logger *slog.Logger,
) *Explore {
	return &Explore{
		feed:           NewLiveCollection(source, FeedQuery(cfg.FeedCollection), logger),
		members:        NewMembershipCoordinator(writer, principals, cfg.MembershipCollection, logger),
		writer:         writer,
		principals:     principals,
		notifier:       notifier,
		logger:         logger,
		feedCollection: cfg.FeedCollection,
		now:            time.Now,
	}
}

// Feed returns the underlying live collection, for registering observers.
func (e *Explore) Feed() *LiveCollection {
	return e.feed
}

// Start subscribes to the feed. See LiveCollection.Subscribe.
func (e *Explore) Start(ctx context.Context) (*Subscription, error) {
	return e.feed.Subscribe(ctx)
}

// SetQuery replaces the search term.
func (e *Explore) SetQuery(q string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.query = q
}

// Query returns the current search term.
func (e *Explore) Query() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.query
}

// Visible returns the posts to render: the current snapshot filtered by the
// current query. Recomputed on every call.
func (e *Explore) Visible() []FeedPost {
	return Filter(e.feed.Snapshot().Posts(), e.Query())
}

// JoinGroup joins postID as the signed-in user, notifies the outcome and
// waits for it.
func (e *Explore) JoinGroup(ctx context.Context, postID string) error {
	return <-e.JoinGroupAsync(ctx, postID)
}

// JoinGroupAsync is JoinGroup without blocking the caller. The outcome is
// notified before it is sent on the returned channel, which is buffered and
// may be ignored.
func (e *Explore) JoinGroupAsync(ctx context.Context, postID string) <-chan error {
	userID, _ := e.principals.CurrentPrincipal()
	pending := e.members.JoinAsync(ctx, userID, postID)
	result := make(chan error, 1)
	go func() {
		err := <-pending
		e.notifier.Notify(JoinNotification(err))
		result <- err
	}()
	return result
}

// CreatePost publishes a new study-group post authored by the signed-in user
// and returns its id. The post reaches the feed through the subscription.
func (e *Explore) CreatePost(ctx context.Context, title string, extra map[string]any) (string, error) {
	userID, ok := e.principals.CurrentPrincipal()
	if !ok || userID == "" {
		return "", ErrUnauthenticated
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return "", errors.New("title is required")
	}

	id, err := e.writer.Create(ctx, e.feedCollection, "", NewPostFields(userID, title, extra, e.now()))
	if err != nil {
		e.logger.Error("failed to create post", "title", title, "error", err)
		return "", fmt.Errorf("%w: create post: %w", ErrWriteFailed, err)
	}
	e.logger.Info("created post", "id", id, "title", title)
	return id, nil
}
