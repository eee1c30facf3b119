package domain

import (
	"context"
)

// Direction is the sort direction of a collection query.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// Query selects an ordered remote collection.
type Query struct {
	Collection string
	OrderBy    string
	Direction  Direction
}

// FeedQuery is the query used by the Explore screen: newest posts first.
func FeedQuery(collection string) Query {
	return Query{
		Collection: collection,
		OrderBy:    FieldCreatedAt,
		Direction:  Descending,
	}
}

// FeedSource is a remote collection that pushes full snapshots.
type FeedSource interface {
	// Subscribe starts a live query and returns immediately. onChange receives
	// the full ordered document list each time the collection changes;
	// onError receives connection failures. The returned func cancels the
	// subscription and must be safe to call more than once.
	Subscribe(q Query, onChange func([]Document), onError func(error)) (cancel func())
}

// DocumentWriter creates documents in a remote collection.
type DocumentWriter interface {
	// Create writes a new document. When id is empty the backend assigns one.
	// Returns ErrAlreadyExists (wrapped) when id is taken.
	Create(ctx context.Context, collection, id string, fields map[string]any) (string, error)
}

// DocumentUpdater merges fields into an existing remote document.
type DocumentUpdater interface {
	Update(ctx context.Context, collection, id string, fields map[string]any) error
}

// PrincipalProvider reports the signed-in user, if any.
type PrincipalProvider interface {
	CurrentPrincipal() (userID string, ok bool)
}

// Notifier surfaces outcomes to the user.
type Notifier interface {
	Notify(n Notification)
}
