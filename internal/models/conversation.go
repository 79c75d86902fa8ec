package models

import "time"

// Visibility controls who can see a conversation.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
	VisibilityArchive Visibility = "archive"
)

// ValidVisibility reports whether v is one of the known visibility values.
func ValidVisibility(v Visibility) bool {
	switch v {
	case VisibilityPrivate, VisibilityPublic, VisibilityArchive:
		return true
	}
	return false
}

// Conversation is the ordered collection of turns sharing an id and owner.
// The id is supplied by the client before the record exists; the row is
// created lazily on the first accepted turn with a placeholder title that a
// background task later overwrites.
type Conversation struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Title      string     `json:"title"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"created_at"`
}
