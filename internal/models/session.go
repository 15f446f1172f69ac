package models

import (
	"regexp"
	"time"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidSessionID reports whether id can be used as a session key.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

type SessionInfo struct {
	ID           string    `json:"id"`
	TurnCount    int       `json:"turn_count"`
	LastActivity time.Time `json:"last_activity"`
}

type TranscriptResponse struct {
	SessionID string `json:"session_id"`
	Turns     []Turn `json:"turns"`
}

// TurnEvent is pushed to transcript feed subscribers.
type TurnEvent struct {
	Type      string `json:"type"` // "turn_appended"
	SessionID string `json:"session_id"`
	Turn      Turn   `json:"turn"`
}
