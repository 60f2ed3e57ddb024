package models

// User is the chat service's projection of a marketplace profile. Online is
// filled from presence tracking and never stored.
type User struct {
	ID          int    `db:"id" json:"id"`
	DisplayName string `db:"display_name" json:"display_name"`
	AvatarURL   string `db:"avatar_url" json:"avatar_url,omitempty"`
	Online      bool   `db:"-" json:"online"`
}
