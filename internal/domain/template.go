package domain

import "github.com/google/uuid"

// Template holds raw template text. Subject and Body may contain
// {{ variable }} placeholders and {{ RANDOM | a | b | ... }} blocks; the
// syntax is a wire contract shared with template authors and the UI.
type Template struct {
	ID      uuid.UUID
	Name    string
	Subject string
	Body    string
}
