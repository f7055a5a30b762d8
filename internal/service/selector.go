package service

import (
	"sort"
	"strings"

	"github.com/opsrota/ctask-backend/internal/models"
)

// SelectEngineer picks the assignee deterministically: candidates are sorted
// by name, case-insensitive ascending, and the first one wins. The second
// return is false for an empty candidate list.
func SelectEngineer(candidates []models.Engineer) (models.Engineer, bool) {
	if len(candidates) == 0 {
		return models.Engineer{}, false
	}
	sorted := make([]models.Engineer, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i].Name) < strings.ToLower(sorted[j].Name)
	})
	return sorted[0], true
}
