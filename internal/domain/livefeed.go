package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// State is the lifecycle state of a live collection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateLive
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is one ordered, point-in-time view of the feed. It is replaced
// wholesale on every notification and never modified after delivery.
type Snapshot struct {
	posts []FeedPost
}

// Posts returns a copy of the ordered posts.
func (s Snapshot) Posts() []FeedPost {
	return slices.Clone(s.posts)
}

// Len returns the number of posts.
func (s Snapshot) Len() int {
	return len(s.posts)
}

// Observer receives live collection events. Callbacks run on the
// subscription's delivery goroutine, one at a time, in emission order.
type Observer interface {
	SnapshotChanged(snap Snapshot)
	SubscriptionFailed(err error)
}

// ObserverFuncs adapts a pair of funcs to Observer. Nil funcs are skipped.
type ObserverFuncs struct {
	OnSnapshot func(Snapshot)
	OnError    func(error)
}

func (o ObserverFuncs) SnapshotChanged(snap Snapshot) {
	if o.OnSnapshot != nil {
		o.OnSnapshot(snap)
	}
}

func (o ObserverFuncs) SubscriptionFailed(err error) {
	if o.OnError != nil {
		o.OnError(err)
	}
}

// LiveCollection keeps the most recent snapshot of a remote collection for
// the lifetime of a single subscription.
type LiveCollection struct {
	source FeedSource
	query  Query
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	snapshot  Snapshot
	lastErr   error
	observers []Observer

	// deliverMu is held while observers are called. Unsubscribe takes it
	// after closing, so it returns only once no callback is running.
	deliverMu sync.Mutex
}

// NewLiveCollection creates an idle LiveCollection over source.
func NewLiveCollection(source FeedSource, query Query, logger *slog.Logger) *LiveCollection {
	return &LiveCollection{
		source: source,
		query:  query,
		logger: logger,
	}
}

// Observe registers o for all subsequent events.
func (c *LiveCollection) Observe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// State returns the current lifecycle state.
func (c *LiveCollection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the last known good snapshot. It is empty before the
// first notification and after the subscription is closed.
func (c *LiveCollection) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Err returns the error that moved the collection into StateDegraded, nil otherwise.
func (c *LiveCollection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Subscription is the handle returned by Subscribe. Its only capability is
// cancellation.
type Subscription struct {
	c      *LiveCollection
	events chan feedEvent
	done   chan struct{}
	once   sync.Once
	cancel func() // guarded by c.mu
}

type feedEvent struct {
	docs []Document
	err  error
}

// Subscribe opens the live query and returns without waiting for data. The
// initial snapshot and every later change are delivered to observers on a
// separate goroutine. Cancelling ctx has the same effect as Unsubscribe.
// A LiveCollection supports one subscription; once closed it stays closed.
func (c *LiveCollection) Subscribe(ctx context.Context) (*Subscription, error) {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
	case StateClosed:
		c.mu.Unlock()
		return nil, ErrClosed
	default:
		c.mu.Unlock()
		return nil, errors.New("already subscribed")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	sub := &Subscription{
		c:      c,
		events: make(chan feedEvent, 16),
		done:   make(chan struct{}),
	}
	go sub.dispatch(ctx)

	c.logger.Info("subscribing to collection",
		"collection", c.query.Collection,
		"order_by", c.query.OrderBy,
		"direction", c.query.Direction,
	)
	cancel := c.source.Subscribe(c.query, sub.pushChange, sub.pushError)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		cancel()
		return sub, nil
	}
	sub.cancel = cancel
	c.mu.Unlock()

	return sub, nil
}

// Unsubscribe terminates the live query and discards the snapshot. A
// callback already running finishes before Unsubscribe returns and none
// starts afterwards. Safe to call more than once and before any
// notification arrived. It must not be called from an observer callback;
// cancel the context passed to Subscribe instead.
func (s *Subscription) Unsubscribe() {
	s.close(true)
}

func (s *Subscription) close(waitForDelivery bool) {
	s.once.Do(func() {
		c := s.c
		c.mu.Lock()
		c.state = StateClosed
		c.snapshot = Snapshot{}
		c.lastErr = nil
		cancel := s.cancel
		c.mu.Unlock()

		close(s.done)
		if cancel != nil {
			cancel()
		}
		if waitForDelivery {
			c.deliverMu.Lock()
			defer c.deliverMu.Unlock()
		}
		c.logger.Info("unsubscribed from collection", "collection", c.query.Collection)
	})
}

func (s *Subscription) pushChange(docs []Document) {
	select {
	case s.events <- feedEvent{docs: docs}:
	case <-s.done:
	}
}

func (s *Subscription) pushError(err error) {
	if err == nil {
		return
	}
	select {
	case s.events <- feedEvent{err: err}:
	case <-s.done:
	}
}

func (s *Subscription) dispatch(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			// Called from the delivery goroutine, so nothing is running.
			s.close(false)
			return
		case ev := <-s.events:
			s.c.apply(ev)
		}
	}
}

func (c *LiveCollection) apply(ev feedEvent) {
	var (
		snap Snapshot
		err  error
	)
	if ev.err != nil {
		err = fmt.Errorf("%w: %w", ErrConnection, ev.err)
	} else {
		snap = c.ingest(ev.docs)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.state = StateDegraded
		c.lastErr = err
	} else {
		c.state = StateLive
		c.snapshot = snap
		c.lastErr = nil
	}
	observers := slices.Clone(c.observers)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("feed subscription degraded, keeping last snapshot", "error", err)
	} else {
		c.logger.Debug("feed snapshot replaced", "posts", snap.Len())
	}

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	for _, o := range observers {
		if c.State() == StateClosed {
			return
		}
		if err != nil {
			o.SubscriptionFailed(err)
		} else {
			o.SnapshotChanged(snap)
		}
	}
}

// ingest validates documents at the boundary. Documents that cannot be keyed
// are dropped, as are repeated ids; order is otherwise kept as delivered.
func (c *LiveCollection) ingest(docs []Document) Snapshot {
	posts := make([]FeedPost, 0, len(docs))
	seen := make(map[string]struct{}, len(docs))
	for i, doc := range docs {
		post, err := PostFromDocument(doc)
		if err != nil {
			c.logger.Warn("dropping document", "index", i, "error", err)
			continue
		}
		if _, dup := seen[post.ID]; dup {
			c.logger.Warn("dropping duplicate document", "id", post.ID)
			continue
		}
		seen[post.ID] = struct{}{}
		posts = append(posts, post)
	}
	return Snapshot{posts: posts}
}
