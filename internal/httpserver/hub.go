package httpserver

import (
	"sync"

	"github.com/blackmichael/studymeets/internal/domain"
)

// subscriber is one open subscription socket. notify holds at most one
// pending signal so bursts of writes coalesce into a single snapshot.
type subscriber struct {
	query  domain.Query
	notify chan struct{}
}

// hub tracks subscription sockets per collection.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*subscriber]struct{})}
}

// add registers a subscriber for q. The first snapshot is already pending.
func (h *hub) add(q domain.Query) *subscriber {
	sub := &subscriber{query: q, notify: make(chan struct{}, 1)}
	sub.notify <- struct{}{}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[q.Collection]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[q.Collection] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.query.Collection]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.query.Collection)
	}
}

// publish marks every subscriber of collection as stale.
func (h *hub) publish(collection string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[collection] {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

func (h *hub) count(collection string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[collection])
}
