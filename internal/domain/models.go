package domain

import (
	"fmt"
	"time"
)

// Identity is the verified user record returned by the service. It is always
// derived from server verification, never from locally decoded token claims.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Mode selects which field group of a GenerationRequest is meaningful.
type Mode string

const (
	ModeGuided Mode = "guided"
	ModeCustom Mode = "custom"
)

// GenerationRequest describes a single image-generation submission. Exactly
// one of the two field groups is sent on the wire, selected by Mode.
type GenerationRequest struct {
	Mode Mode

	// Guided fields. All optional tags except Subject, which is required for
	// a meaningful result.
	Style    string
	Subject  string
	Mood     string
	Lighting string

	// Custom field, required when Mode is ModeCustom.
	CustomPrompt string
}

// Validate checks that the field group selected by Mode is usable.
func (r GenerationRequest) Validate() error {
	switch r.Mode {
	case ModeGuided:
		if r.Subject == "" {
			return fmt.Errorf("guided generation requires a subject")
		}
	case ModeCustom:
		if r.CustomPrompt == "" {
			return fmt.Errorf("custom generation requires a prompt")
		}
	default:
		return fmt.Errorf("unknown generation mode %q", r.Mode)
	}
	return nil
}

// Image is one rendered asset owned by the authenticated identity.
type Image struct {
	ID          string
	URL         string
	Prompt      string
	GeneratedAt time.Time
}
