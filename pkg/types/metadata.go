package types

import "time"

// RunMetadata provides context for every run result.
type RunMetadata struct {
	Cluster    string    `json:"cluster,omitempty"`
	RunID      string    `json:"runId,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Duration is the wall time of the run.
func (m RunMetadata) Duration() time.Duration {
	if m.FinishedAt.Before(m.StartedAt) {
		return 0
	}
	return m.FinishedAt.Sub(m.StartedAt)
}
