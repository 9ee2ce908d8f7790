// Package speech turns text into audio with bounded retries.
package speech

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ashureev/artefact-relay/internal/metrics"
	"github.com/ashureev/artefact-relay/internal/retry"
)

// ErrEmptyAudio is returned by an attempt that produced no bytes.
var ErrEmptyAudio = errors.New("synthesizer returned empty audio")

// Synthesizer renders text as audio bytes in a single attempt.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Service retries a Synthesizer under a fixed-backoff policy.
type Service struct {
	backend Synthesizer
	policy  retry.Policy
	logger  *slog.Logger
}

// NewService creates a speech service.
func NewService(backend Synthesizer, policy retry.Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: backend, policy: policy, logger: logger}
}

// Synthesize returns audio for text. After the final failed attempt the
// error matches retry.ErrExhausted and wraps the last attempt's error.
func (s *Service) Synthesize(ctx context.Context, text string) ([]byte, error) {
	policy := s.policy
	policy.OnRetry = func(attempt int, err error) {
		s.logger.Warn("Speech synthesis attempt failed", "attempt", attempt, "error", err)
	}

	audio, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) ([]byte, error) {
		audio, err := s.backend.Synthesize(ctx, text)
		if err == nil && len(audio) == 0 {
			err = ErrEmptyAudio
		}
		if err != nil {
			metrics.SpeechAttempts.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.SpeechAttempts.WithLabelValues("ok").Inc()
		return audio, nil
	})
	if err != nil {
		s.logger.Error("Speech synthesis failed", "error", err)
		return nil, err
	}
	return audio, nil
}
