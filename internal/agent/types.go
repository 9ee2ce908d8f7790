// Package agent talks to the hosted assistant service: conversations map to
// threads, generation jobs map to runs.
package agent

import (
	"time"

	"github.com/ashureev/artefact-relay/internal/jobs"
)

// Config holds configuration for the assistant client.
type Config struct {
	APIKey         string
	AssistantID    string
	BaseURL        string
	RequestTimeout time.Duration
	SpeechModel    string
	SpeechVoice    string
	// ReplyLimit caps how many messages are listed when collecting a run's output.
	ReplyLimit int
}

// DefaultConfig returns default configuration for the given credentials.
func DefaultConfig(apiKey, assistantID string) Config {
	return Config{
		APIKey:         apiKey,
		AssistantID:    assistantID,
		RequestTimeout: 30 * time.Second,
		SpeechModel:    "tts-1",
		SpeechVoice:    "alloy",
		ReplyLimit:     20,
	}
}

// runStatus maps the service's run states onto driver states. Unknown states
// are treated as still running so the poll ceiling decides.
func runStatus(remote string) jobs.Status {
	switch remote {
	case "queued":
		return jobs.StatusQueued
	case "in_progress", "requires_action", "cancelling":
		return jobs.StatusRunning
	case "completed":
		return jobs.StatusCompleted
	case "failed", "cancelled", "expired", "incomplete":
		return jobs.StatusFailed
	default:
		return jobs.StatusRunning
	}
}
