package domain

import "github.com/google/uuid"

type Lead struct {
	ID      uuid.UUID
	Name    string
	Email   string
	Company string

	// Attributes carries any extra rendering variables imported with the
	// lead. Keys here override the named fields.
	Attributes map[string]string
}

// Variables returns the substitution set used to render templates for this
// lead: the named fields under their canonical keys, overlaid with Attributes.
func (l Lead) Variables() map[string]string {
	vars := map[string]string{
		"name":    l.Name,
		"email":   l.Email,
		"company": l.Company,
	}
	for k, v := range l.Attributes {
		vars[k] = v
	}
	return vars
}
