// Package jobs drives remote generation jobs from submission to a terminal state.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/artefact-relay/internal/domain"
	"github.com/ashureev/artefact-relay/internal/metrics"
	"github.com/ashureev/artefact-relay/internal/retry"
)

// Backend is the remote job service as seen by the driver.
type Backend interface {
	// SubmitPrompt appends a user message to the conversation.
	SubmitPrompt(ctx context.Context, handle domain.ConversationHandle, text string) error
	// StartJob launches generation on the conversation and returns the job ID.
	StartJob(ctx context.Context, handle domain.ConversationHandle) (string, error)
	// PollJob returns the job's current status.
	PollJob(ctx context.Context, handle domain.ConversationHandle, jobID string) (Status, error)
	// FetchReply returns the assistant-authored texts produced by the job, oldest first.
	FetchReply(ctx context.Context, handle domain.ConversationHandle, jobID string) ([]string, error)
}

// History records completed exchanges.
type History interface {
	AppendExchange(ctx context.Context, participantID, prompt, reply string) error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc = retry.SleepFunc

// Config bounds the poll loop.
type Config struct {
	// PollInterval is the spacing between polls.
	PollInterval time.Duration
	// PollTimeout bounds a single poll round trip.
	PollTimeout time.Duration
	// MaxPolls is the attempt ceiling.
	MaxPolls int
	// Budget is the wall-clock ceiling measured from submission. Zero disables it.
	Budget time.Duration
}

// DefaultConfig polls every 3s, at most 10 times, within 60s.
func DefaultConfig() Config {
	return Config{
		PollInterval: 3 * time.Second,
		PollTimeout:  10 * time.Second,
		MaxPolls:     10,
		Budget:       60 * time.Second,
	}
}

// Request is one prompt submission.
type Request struct {
	ParticipantID string
	Handle        domain.ConversationHandle
	Prompt        string
	// Fallback is returned verbatim when the job does not complete.
	Fallback string
	// Flow labels the caller for logs and metrics.
	Flow string
	// Observer, if set, receives every state transition.
	Observer Observer
}

// Result is the outcome of Run. Text is never empty when Fallback is non-empty.
type Result struct {
	Text     string
	Status   Status
	JobID    string
	Polls    int
	Fallback bool
	Err      error
}

// Driver submits prompts and polls their jobs.
type Driver struct {
	backend Backend
	history History
	cfg     Config
	sleep   SleepFunc
	now     func() time.Time
	logger  *slog.Logger
	turns   *keyedLock
}

// Option configures a Driver.
type Option func(*Driver)

// WithSleep replaces the poll-interval wait.
func WithSleep(fn SleepFunc) Option {
	return func(d *Driver) { d.sleep = fn }
}

// WithClock replaces the wall clock used for the budget.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// NewDriver creates a driver. Zero config fields take their defaults.
func NewDriver(backend Backend, history History, cfg Config, opts ...Option) *Driver {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = def.MaxPolls
	}

	d := &Driver{
		backend: backend,
		history: history,
		cfg:     cfg,
		sleep:   retry.Sleep,
		now:     time.Now,
		logger:  slog.Default(),
		turns:   newKeyedLock(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// run carries the per-request state machine.
type run struct {
	d       *Driver
	req     Request
	status  Status
	jobID   string
	polls   int
	started time.Time
	log     *slog.Logger
}

func (r *run) transition(to Status) {
	if to == r.status || r.status.Terminal() {
		return
	}
	from := r.status
	r.status = to
	r.log.Debug("Job transition", "job_id", r.jobID, "from", from, "to", to, "poll", r.polls)
	r.req.Observer.notify(Transition{
		JobID: r.jobID,
		From:  from,
		To:    to,
		Poll:  r.polls,
		At:    r.d.now(),
	})
}

func (r *run) finish(text string, fallback bool, err error) Result {
	flow := r.req.Flow
	if flow == "" {
		flow = "default"
	}
	metrics.JobsTotal.WithLabelValues(flow, string(r.status)).Inc()
	metrics.JobPolls.WithLabelValues(flow).Observe(float64(r.polls))
	metrics.JobDuration.WithLabelValues(flow).Observe(r.d.now().Sub(r.started).Seconds())

	if err != nil {
		r.log.Warn("Job did not complete, returning fallback",
			"job_id", r.jobID, "status", r.status, "polls", r.polls, "error", err)
	} else {
		r.log.Info("Job completed", "job_id", r.jobID, "polls", r.polls)
	}

	return Result{
		Text:     text,
		Status:   r.status,
		JobID:    r.jobID,
		Polls:    r.polls,
		Fallback: fallback,
		Err:      err,
	}
}

func (r *run) fail(to Status, err error) Result {
	r.transition(to)
	return r.finish(r.req.Fallback, true, err)
}

// Run submits req.Prompt and polls the resulting job until it completes,
// fails, times out, or ctx is cancelled. Every outcome other than a completed
// job with assistant output yields Fallback=true and Text=req.Fallback.
//
// Runs for the same participant are serialized from submission to history
// append, so stored exchanges follow submission order and a conversation
// never has two active jobs.
func (d *Driver) Run(ctx context.Context, req Request) Result {
	r := &run{
		d:       d,
		req:     req,
		status:  StatusSubmitted,
		started: d.now(),
		log:     d.logger.With("participant_id", req.ParticipantID, "flow", req.Flow),
	}

	key := req.ParticipantID
	if key == "" {
		key = string(req.Handle)
	}
	unlock, err := d.turns.Lock(ctx, key)
	if err != nil {
		return r.fail(StatusFailed, fmt.Errorf("wait for participant turn: %w", err))
	}
	defer unlock()
	r.started = d.now()

	if err := d.backend.SubmitPrompt(ctx, req.Handle, req.Prompt); err != nil {
		return r.fail(StatusFailed, fmt.Errorf("%w: add message: %w", domain.ErrUpstreamSubmitFailed, err))
	}

	jobID, err := d.backend.StartJob(ctx, req.Handle)
	if err != nil {
		return r.fail(StatusFailed, fmt.Errorf("%w: start job: %w", domain.ErrUpstreamSubmitFailed, err))
	}
	if jobID == "" {
		return r.fail(StatusFailed, fmt.Errorf("%w: no job id returned", domain.ErrUpstreamSubmitFailed))
	}
	r.jobID = jobID
	req.Observer.notify(Transition{JobID: jobID, To: StatusSubmitted, At: d.now()})

	for r.polls < d.cfg.MaxPolls && !r.status.Terminal() {
		if err := d.sleep(ctx, d.cfg.PollInterval); err != nil {
			return r.fail(StatusFailed, fmt.Errorf("poll loop cancelled: %w", err))
		}

		timeout := d.cfg.PollTimeout
		if d.cfg.Budget > 0 {
			remaining := d.cfg.Budget - d.now().Sub(r.started)
			if remaining <= 0 {
				break
			}
			timeout = min(timeout, remaining)
		}

		r.polls++
		next, err := d.poll(ctx, req.Handle, jobID, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return r.fail(StatusFailed, fmt.Errorf("poll loop cancelled: %w", ctx.Err()))
			}
			r.log.Warn("Job poll failed", "job_id", jobID, "poll", r.polls, "error", err)
		} else {
			switch next {
			case StatusCompleted:
				return d.complete(ctx, r)
			case StatusFailed:
				return r.fail(StatusFailed, domain.ErrJobFailed)
			default:
				r.transition(next)
			}
		}

		if d.cfg.Budget > 0 && d.now().Sub(r.started) >= d.cfg.Budget {
			break
		}
	}

	return r.fail(StatusTimedOut, fmt.Errorf("%w after %d poll(s)", domain.ErrUpstreamTimeout, r.polls))
}

func (d *Driver) poll(ctx context.Context, handle domain.ConversationHandle, jobID string, timeout time.Duration) (Status, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.backend.PollJob(pollCtx, handle, jobID)
}

func (d *Driver) complete(ctx context.Context, r *run) Result {
	fetchCtx, cancel := context.WithTimeout(ctx, d.cfg.PollTimeout)
	texts, err := d.backend.FetchReply(fetchCtx, r.req.Handle, r.jobID)
	cancel()
	if err != nil {
		return r.fail(StatusFailed, fmt.Errorf("%w: fetch result: %w", domain.ErrJobFailed, err))
	}

	reply := joinReply(texts)
	if reply == "" {
		return r.fail(StatusFailed, domain.ErrUpstreamEmptyResult)
	}
	r.transition(StatusCompleted)

	if d.history != nil {
		if err := d.history.AppendExchange(ctx, r.req.ParticipantID, r.req.Prompt, reply); err != nil {
			return r.finish(reply, false, fmt.Errorf("record exchange: %w", err))
		}
	}
	return r.finish(reply, false, nil)
}

func joinReply(texts []string) string {
	parts := make([]string, 0, len(texts))
	for _, t := range texts {
		if t = strings.TrimSpace(t); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// IsTimeout reports whether res ended because the poll ceiling was reached.
func (res Result) IsTimeout() bool {
	return errors.Is(res.Err, domain.ErrUpstreamTimeout)
}
