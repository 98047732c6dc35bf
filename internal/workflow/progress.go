package workflow

import (
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
)

// CalculateProgress returns completed stages over all stages as a whole
// percentage.
func CalculateProgress(w domain.WorkflowState) int {
	completed := 0
	for _, s := range w.Stages {
		if s.Status == domain.StatusCompleted {
			completed++
		}
	}
	return completed * 100 / len(domain.Stages)
}

// Duration returns whole days from start to completion, or to now while the
// workflow is still running.
func Duration(w domain.WorkflowState, now time.Time) int {
	end := now
	if w.CompletedAt != nil {
		end = *w.CompletedAt
	}
	if end.Before(w.StartedAt) {
		return 0
	}
	return int(end.Sub(w.StartedAt) / (24 * time.Hour))
}
