package platform

import (
	"time"

	"github.com/google/uuid"
)

// generationLayout sorts lexicographically in chronological order.
const generationLayout = "20060102T150405.000000000Z"

func NewID() string {
	return uuid.New().String()
}

// NewGeneration returns a unique, chronologically sortable name for an
// artifact generation directory created at t.
func NewGeneration(t time.Time) string {
	return t.UTC().Format(generationLayout) + "-" + uuid.New().String()[:8]
}

// GenerationTime extracts the creation time encoded by NewGeneration.
func GenerationTime(name string) (time.Time, bool) {
	if len(name) < len(generationLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(generationLayout, name[:len(generationLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
