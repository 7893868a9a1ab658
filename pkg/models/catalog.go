// Package models contains domain models for shoprank.
package models

// ItemID identifies a catalog item.
type ItemID int64

// CategoryID identifies a catalog category.
type CategoryID int64

// Item is a catalog item as seen by the ranking core. The catalog store owns
// the authoritative record; this view carries only the fields scoring reads.
type Item struct {
	ID               ItemID       `json:"id"`
	Title            string       `json:"title"`
	Description      string       `json:"description"`
	ShortDescription string       `json:"short_description"`
	CategoryIDs      []CategoryID `json:"category_ids"`
}

// Category is a catalog category.
type Category struct {
	ID   CategoryID `json:"id"`
	Name string     `json:"name"`
}

// VisitorKind distinguishes authenticated users from anonymous sessions.
type VisitorKind string

const (
	VisitorUser      VisitorKind = "user"
	VisitorAnonymous VisitorKind = "anonymous"
)

// VisitorIdentity identifies who performed a tracked interaction. Anonymous
// visitors carry a session id instead of a user id.
type VisitorIdentity struct {
	Kind VisitorKind `json:"kind"`
	ID   string      `json:"id"`
}

// UserVisitor returns the identity for an authenticated user.
func UserVisitor(userID string) VisitorIdentity {
	return VisitorIdentity{Kind: VisitorUser, ID: userID}
}

// AnonymousVisitor returns the identity for an anonymous session.
func AnonymousVisitor(sessionID string) VisitorIdentity {
	return VisitorIdentity{Kind: VisitorAnonymous, ID: sessionID}
}

// Valid reports whether the identity carries a usable id.
func (v VisitorIdentity) Valid() bool {
	return v.ID != "" && (v.Kind == VisitorUser || v.Kind == VisitorAnonymous)
}
