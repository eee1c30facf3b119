// Package wire defines the JSON messages exchanged on live collection
// websockets.
package wire

import "github.com/blackmichael/studymeets/internal/domain"

// Message types.
const (
	TypeSnapshot = "snapshot"
	TypeError    = "error"
)

// Message is one frame sent by the server on a subscription socket.
type Message struct {
	Type       string     `json:"type"`
	Collection string     `json:"collection,omitempty"`
	Documents  []Document `json:"documents,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// Document is a document as it appears on the wire.
type Document struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// SnapshotMessage builds a full snapshot frame.
func SnapshotMessage(collection string, docs []domain.Document) Message {
	out := make([]Document, len(docs))
	for i, d := range docs {
		out[i] = Document{ID: d.ID, Fields: d.Fields}
	}
	return Message{Type: TypeSnapshot, Collection: collection, Documents: out}
}

// ErrorMessage builds an error frame.
func ErrorMessage(collection, msg string) Message {
	return Message{Type: TypeError, Collection: collection, Message: msg}
}

// DomainDocuments converts wire documents back to domain documents.
func DomainDocuments(docs []Document) []domain.Document {
	out := make([]domain.Document, len(docs))
	for i, d := range docs {
		out[i] = domain.Document{ID: d.ID, Fields: d.Fields}
	}
	return out
}
