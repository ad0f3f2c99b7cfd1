package utils

import (
	"github.com/google/uuid"
)

// GenerateID returns a new time-ordered identifier, so ids of bids and audit
// entries sort roughly by creation
func GenerateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

