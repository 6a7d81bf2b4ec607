// Package dbconstraint classifies constraint violations reported by the supported GORM dialects.
package dbconstraint

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

const postgresUniqueViolationState = "23505"

var uniqueViolationMarkers = []string{
	"unique constraint failed",
	"duplicate key value violates unique constraint",
	postgresUniqueViolationState,
}

// IsUniqueViolation reports whether err came from a unique or primary key constraint rejecting a write.
// Dialects with TranslateError enabled yield gorm.ErrDuplicatedKey; raw driver messages are matched otherwise.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	for _, marker := range uniqueViolationMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}
