package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DescriptionRequest is the body of POST /fetch-description.
type DescriptionRequest struct {
	Artefact            string `json:"artefact" validate:"required"`
	OriginalDescription string `json:"originalDescription" validate:"required"`
	Profile             string `json:"profile" validate:"required"`
	ParticipantID       string `json:"participantId" validate:"required"`
}

// MoreInfoRequest is the body of POST /fetch-more-info.
type MoreInfoRequest struct {
	Artefact           string `json:"artefact" validate:"required"`
	Profile            string `json:"profile" validate:"required"`
	ParticipantID      string `json:"participantId" validate:"required"`
	CurrentDescription string `json:"currentDescription"`
}

// SpeechRequest is the body of POST /fetch-tts.
type SpeechRequest struct {
	Text string `json:"text" validate:"required"`
}

// LogRequest is the body of POST /log-artefact-data.
type LogRequest struct {
	ParticipantID     string     `json:"participantId" validate:"required"`
	Artefact          string     `json:"artefact" validate:"required"`
	DescriptionType   string     `json:"descriptionType" validate:"required"`
	Profile           string     `json:"profile" validate:"required"`
	DeliveryMode      string     `json:"deliveryMode" validate:"required"`
	PlayedAudio       *flexBool  `json:"playedAudio" validate:"required"`
	TimeSpentSeconds  flexNumber `json:"timeSpentSeconds"`
	TellMeMoreClicked flexNumber `json:"tellMeMoreClicked"`
}

// Response is the JSON body of the text-producing operations.
type Response struct {
	Response string `json:"response,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`
	Error    string `json:"error,omitempty"`
}

// flexNumber accepts a JSON number, a numeric string, or a boolean. Anything
// else, including null, the empty string, NaN and infinities, decodes to zero.
type flexNumber float64

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*n = 0
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		*n = parseFinite(strings.TrimSpace(s))
	case 't':
		*n = 1
	case 'f':
	default:
		*n = parseFinite(string(b))
	}
	return nil
}

func parseFinite(s string) flexNumber {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return flexNumber(f)
}

// flexBool accepts true/false, their string forms, and 0/1.
type flexBool bool

func (v *flexBool) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"`)
	switch strings.ToLower(raw) {
	case "true", "1", "yes":
		*v = true
	case "false", "0", "no", "":
		*v = false
	default:
		return fmt.Errorf("invalid boolean %q", raw)
	}
	return nil
}
