package core

import "github.com/google/uuid"

// NewID returns a fresh random identifier. Full UUIDs are used (unlike the
// teacher framework's 8-character service ids) because audit rows, plan
// ids, and knowledge graph ids are long-lived persistent keys, not
// ephemeral service registrations.
func NewID() string {
	return uuid.New().String()
}
