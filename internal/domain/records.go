package domain

import "time"

// TurnRecord is one audit row for a completed (or failed) agent turn.
type TurnRecord struct {
	ID           string
	SessionID    string
	Role         string
	Module       string
	Phase        string
	Model        string
	Status       string
	PromptTokens int
	CreatedAt    time.Time
}
