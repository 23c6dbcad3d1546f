package http

import (
	"github.com/fyrsmithlabs/fixloop/internal/completion"
	"github.com/fyrsmithlabs/fixloop/internal/orchestrator"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string             `json:"status"`
	State  orchestrator.State `json:"state,omitempty"`
}

// SessionResponse is the response body for GET /api/v1/session.
type SessionResponse struct {
	Session orchestrator.SessionSnapshot `json:"session"`
	Counts  SessionCounts                `json:"counts"`
	Usage   *completion.UsageStats       `json:"usage,omitempty"`
}

// SessionCounts summarizes a session.
type SessionCounts struct {
	Selected  int `json:"selected"`
	Committed int `json:"committed"`
	Skipped   int `json:"skipped"`
}

// ScrubRequest is the request body for POST /api/v1/scrub.
type ScrubRequest struct {
	Content string `json:"content"`
}

// ScrubResponse is the response body for POST /api/v1/scrub.
type ScrubResponse struct {
	Content       string   `json:"content"`
	FindingsCount int      `json:"findings_count"`
	Rules         []string `json:"rules,omitempty"`
}

// CountsFromSnapshot counts the issues of a session.
func CountsFromSnapshot(snap orchestrator.SessionSnapshot) SessionCounts {
	return SessionCounts{
		Selected:  snap.Selected,
		Committed: len(snap.Committed),
		Skipped:   len(snap.Skipped),
	}
}
