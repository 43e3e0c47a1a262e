package models

import "time"

// DefaultStackID is the profile seeded at startup so unconfigured
// deployments can run in-process.
const DefaultStackID = "local"

// StackProfile names a concrete execution environment and carries the
// backend configuration for it. RunConfig.Stack and per-step backend
// overrides reference profiles by ID.
type StackProfile struct {
	ID string `json:"id" validate:"required"`

	// Backend is the backend factory type the profile instantiates.
	Backend string `json:"backend" validate:"required"`

	// Config is validated against the factory's schema when the backend is
	// created.
	Config map[string]any `json:"config,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
