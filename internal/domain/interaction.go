package domain

import (
	"math"
	"time"
)

// ArtefactInteraction aggregates what a participant did with one artefact.
type ArtefactInteraction struct {
	ParticipantID    string    `json:"participant_id"`
	Artefact         string    `json:"artefact"`
	DescriptionType  string    `json:"description_type"`
	Profile          string    `json:"profile"`
	DeliveryMode     string    `json:"delivery_mode"`
	TimeSpentSeconds float64   `json:"time_spent_seconds"`
	TellMeMoreClicks int64     `json:"tell_me_more_clicks"`
	PlayedAudio      bool      `json:"played_audio"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// InteractionDelta is one logging event to merge into an ArtefactInteraction.
// TimeSpentSeconds and TellMeMoreClicks are added to the stored totals; the
// remaining fields replace the stored values.
type InteractionDelta struct {
	ParticipantID    string
	Artefact         string
	DescriptionType  string
	Profile          string
	DeliveryMode     string
	PlayedAudio      bool
	TimeSpentSeconds float64
	TellMeMoreClicks int64
	At               time.Time
}

// Normalize clamps negative and non-finite increments to zero so totals never
// decrease and always stay encodable.
func (d *InteractionDelta) Normalize() {
	if d.TimeSpentSeconds < 0 || math.IsNaN(d.TimeSpentSeconds) || math.IsInf(d.TimeSpentSeconds, 0) {
		d.TimeSpentSeconds = 0
	}
	if d.TellMeMoreClicks < 0 {
		d.TellMeMoreClicks = 0
	}
	if d.At.IsZero() {
		d.At = time.Now()
	}
}

// Export is the administrative dump of everything the relay has stored.
type Export struct {
	GeneratedAt  time.Time             `json:"generated_at"`
	Sessions     []ParticipantSession  `json:"sessions"`
	Interactions []ArtefactInteraction `json:"interactions"`
}
