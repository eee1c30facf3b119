package domain

import (
	"time"
)

// Field names used by the StudyMeets backend documents.
const (
	FieldTitle     = "Title"
	FieldCreatedAt = "CreatedAt"
	FieldAuthorID  = "AuthorId"
	FieldUserID    = "userId"
	FieldPostID    = "postId"
)

// UsersCollection holds one document per account, keyed by user id.
const UsersCollection = "users"

// Document is a raw document as delivered by the remote collection.
type Document struct {
	// ID is assigned by the remote collection and never changes.
	ID string

	// Fields holds the document body exactly as the backend sent it.
	Fields map[string]any
}

// FeedPost is a study-group post materialized from a feed document.
type FeedPost struct {
	// ID is the remote document id.
	ID string

	// Title is the display title. Only meaningful when Searchable is true.
	Title string

	// Searchable is false when the document had no string title. Such posts
	// are still rendered but never match a non-empty search.
	Searchable bool

	// CreatedAt is the ordering timestamp. Zero if the document lacked one.
	CreatedAt time.Time

	// Fields carries the remaining payload (author, location, description...)
	// untouched. Treat it as read-only.
	Fields map[string]any
}

// MembershipRecord is the durable evidence that a user joined a post's group.
type MembershipRecord struct {
	UserID string
	PostID string
}

// PostFromDocument converts a raw document into a FeedPost. A document
// without an id cannot be keyed and is rejected with ErrMalformedDocument;
// a missing or non-string title only makes the post unsearchable.
func PostFromDocument(doc Document) (FeedPost, error) {
	if doc.ID == "" {
		return FeedPost{}, ErrMalformedDocument
	}

	post := FeedPost{
		ID:     doc.ID,
		Fields: doc.Fields,
	}
	if title, ok := doc.Fields[FieldTitle].(string); ok {
		post.Title = title
		post.Searchable = true
	}
	post.CreatedAt = parseTimestamp(doc.Fields[FieldCreatedAt])
	return post, nil
}

// NewPostFields builds the field set for a new feed post.
func NewPostFields(authorID, title string, extra map[string]any, now time.Time) map[string]any {
	fields := make(map[string]any, len(extra)+3)
	for k, v := range extra {
		fields[k] = v
	}
	fields[FieldTitle] = title
	fields[FieldAuthorID] = authorID
	fields[FieldCreatedAt] = now.UTC().Format(time.RFC3339Nano)
	return fields
}

// parseTimestamp accepts RFC 3339 strings and unix milliseconds, the two
// shapes the backend emits after JSON decoding.
func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	case float64:
		return time.UnixMilli(int64(t)).UTC()
	case int64:
		return time.UnixMilli(t).UTC()
	case time.Time:
		return t
	default:
		return time.Time{}
	}
}
