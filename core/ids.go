package core

import "github.com/google/uuid"

// NewID generates a new unique identifier for tasks, stages, steps, agents
// and waiting correlations.
func NewID() string { return uuid.NewString() }
