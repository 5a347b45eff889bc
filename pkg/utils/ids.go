package utils

import (
	"github.com/google/uuid"
)

// GenerateID generates a random identifier
func GenerateID() string {
	return uuid.NewString()
}
