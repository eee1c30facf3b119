package domain

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource is a FeedSource driven by the test.
type fakeSource struct {
	mu        sync.Mutex
	query     Query
	onChange  func([]Document)
	onError   func(error)
	cancelled int

	// emitOnSubscribe, when set, is delivered synchronously inside Subscribe.
	emitOnSubscribe []Document
}

func (f *fakeSource) Subscribe(q Query, onChange func([]Document), onError func(error)) func() {
	f.mu.Lock()
	f.query = q
	f.onChange = onChange
	f.onError = onError
	initial := f.emitOnSubscribe
	f.mu.Unlock()

	if initial != nil {
		onChange(initial)
	}
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancelled++
	}
}

func (f *fakeSource) emit(docs []Document) {
	f.mu.Lock()
	fn := f.onChange
	f.mu.Unlock()
	fn(docs)
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	fn := f.onError
	f.mu.Unlock()
	fn(err)
}

func (f *fakeSource) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// recorder is an Observer that forwards events to channels.
type recorder struct {
	snaps chan Snapshot
	errs  chan error
}

func newRecorder() *recorder {
	return &recorder{
		snaps: make(chan Snapshot, 16),
		errs:  make(chan error, 16),
	}
}

func (r *recorder) SnapshotChanged(s Snapshot) { r.snaps <- s }
func (r *recorder) SubscriptionFailed(err error) { r.errs <- err }

func (r *recorder) nextSnapshot(t *testing.T) Snapshot {
	t.Helper()
	select {
	case s := <-r.snaps:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func (r *recorder) nextError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
		return nil
	}
}

func (r *recorder) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case s := <-r.snaps:
		t.Fatalf("unexpected snapshot with %d posts", s.Len())
	case err := <-r.errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

// memoryWriter is a DocumentWriter that enforces id uniqueness and counts
// write attempts.
type memoryWriter struct {
	mu       sync.Mutex
	attempts int
	nextID   int
	docs     map[string]map[string]map[string]any // collection -> id -> fields
	err      error
}

func newMemoryWriter() *memoryWriter {
	return &memoryWriter{docs: map[string]map[string]map[string]any{}}
}

func (w *memoryWriter) Create(_ context.Context, collection, id string, fields map[string]any) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts++
	if w.err != nil {
		return "", w.err
	}
	if id == "" {
		w.nextID++
		id = fmt.Sprintf("doc-%d", w.nextID)
	}
	docs, ok := w.docs[collection]
	if !ok {
		docs = map[string]map[string]any{}
		w.docs[collection] = docs
	}
	if _, exists := docs[id]; exists {
		return "", fmt.Errorf("create %s/%s: %w", collection, id, ErrAlreadyExists)
	}
	docs[id] = fields
	return id, nil
}

func (w *memoryWriter) writeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts
}

func (w *memoryWriter) count(collection string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.docs[collection])
}

func (w *memoryWriter) get(collection, id string) map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.docs[collection][id]
}

type staticPrincipal struct {
	userID string
}

func (p staticPrincipal) CurrentPrincipal() (string, bool) {
	return p.userID, p.userID != ""
}

type notificationLog struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *notificationLog) Notify(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
}

func (n *notificationLog) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

func postDoc(id, title string, createdAt time.Time) Document {
	return Document{
		ID: id,
		Fields: map[string]any{
			FieldTitle:     title,
			FieldCreatedAt: createdAt.Format(time.RFC3339Nano),
		},
	}
}

func ids(posts []FeedPost) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.ID
	}
	return out
}
