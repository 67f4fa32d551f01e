// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings for events and requests.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// MustID returns a UUID7 string, falling back to a random v4 when the v7
// source fails. Request IDs use it where an error cannot be surfaced.
func (g Generator) MustID() string {
	if id, err := g.NewID(); err == nil {
		return id
	}
	return uuid.NewString()
}
