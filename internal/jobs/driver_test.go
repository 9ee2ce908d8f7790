package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/artefact-relay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu        sync.Mutex
	submitErr error
	jobID     string
	startErr  error
	statuses  []Status
	pollErrs  map[int]error
	reply     []string
	replyErr  error
	polls     int
	submitted []string
}

func (f *fakeBackend) SubmitPrompt(_ context.Context, _ domain.ConversationHandle, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, text)
	return f.submitErr
}

func (f *fakeBackend) StartJob(context.Context, domain.ConversationHandle) (string, error) {
	return f.jobID, f.startErr
}

func (f *fakeBackend) PollJob(context.Context, domain.ConversationHandle, string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if err := f.pollErrs[f.polls]; err != nil {
		return "", err
	}
	if f.polls-1 < len(f.statuses) {
		return f.statuses[f.polls-1], nil
	}
	return StatusRunning, nil
}

func (f *fakeBackend) FetchReply(context.Context, domain.ConversationHandle, string) ([]string, error) {
	return f.reply, f.replyErr
}

type fakeHistory struct {
	mu        sync.Mutex
	exchanges [][2]string
	err       error
}

func (h *fakeHistory) AppendExchange(_ context.Context, _, prompt, reply string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.exchanges = append(h.exchanges, [2]string{prompt, reply})
	return nil
}

// fakeClock advances by the requested duration on every sleep.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func newTestDriver(b Backend, h History, cfg Config, clock *fakeClock) *Driver {
	return NewDriver(b, h, cfg, WithSleep(clock.Sleep), WithClock(clock.Now))
}

func baseRequest() Request {
	return Request{
		ParticipantID: "p1",
		Handle:        "thread_1",
		Prompt:        "Describe the Vase",
		Fallback:      "A Greek vase.",
		Flow:          "description",
	}
}

func TestRunCompletesAfterPolling(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{
		jobID:    "run_1",
		statuses: []Status{StatusRunning, StatusCompleted},
		reply:    []string{"An adapted vase description."},
	}
	history := &fakeHistory{}
	clock := newFakeClock()
	d := newTestDriver(backend, history, DefaultConfig(), clock)

	var seen []Status
	req := baseRequest()
	req.Observer = func(tr Transition) { seen = append(seen, tr.To) }

	res := d.Run(context.Background(), req)

	require.NoError(t, res.Err)
	assert.False(t, res.Fallback)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "An adapted vase description.", res.Text)
	assert.Equal(t, 2, res.Polls)
	assert.Equal(t, "run_1", res.JobID)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, clock.sleeps)
	assert.Equal(t, []Status{StatusSubmitted, StatusRunning, StatusCompleted}, seen)
	require.Len(t, history.exchanges, 1)
	assert.Equal(t, [2]string{"Describe the Vase", "An adapted vase description."}, history.exchanges[0])
}

func TestRunTimesOutAtPollCeiling(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{jobID: "run_1"}
	history := &fakeHistory{}
	clock := newFakeClock()
	d := newTestDriver(backend, history, Config{PollInterval: time.Second, MaxPolls: 4}, clock)

	res := d.Run(context.Background(), baseRequest())

	require.ErrorIs(t, res.Err, domain.ErrUpstreamTimeout)
	assert.True(t, res.IsTimeout())
	assert.True(t, res.Fallback)
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Equal(t, "A Greek vase.", res.Text)
	assert.Equal(t, 4, res.Polls)
	assert.Equal(t, 4, backend.polls)
	assert.Empty(t, history.exchanges)
}

func TestRunStopsAtWallClockBudget(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{jobID: "run_1"}
	clock := newFakeClock()
	d := newTestDriver(backend, nil, Config{PollInterval: 3 * time.Second, MaxPolls: 100, Budget: 10 * time.Second}, clock)

	res := d.Run(context.Background(), baseRequest())

	// Polls at 3s, 6s and 9s; the wait to 12s exhausts the budget.
	require.ErrorIs(t, res.Err, domain.ErrUpstreamTimeout)
	assert.Equal(t, 3, res.Polls)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}, clock.sleeps)
}

// hangingBackend never answers a poll before its context ends.
type hangingBackend struct {
	fakeBackend
}

func (h *hangingBackend) PollJob(ctx context.Context, _ domain.ConversationHandle, _ string) (Status, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRunPollDeadlineRespectsBudget(t *testing.T) {
	t.Parallel()
	backend := &hangingBackend{fakeBackend{jobID: "run_1"}}
	d := NewDriver(backend, nil, Config{
		PollInterval: time.Millisecond,
		PollTimeout:  time.Minute,
		MaxPolls:     10,
		Budget:       100 * time.Millisecond,
	})

	start := time.Now()
	res := d.Run(context.Background(), baseRequest())

	require.ErrorIs(t, res.Err, domain.ErrUpstreamTimeout)
	assert.True(t, res.Fallback)
	assert.Less(t, time.Since(start), 5*time.Second)
}

// orderedBackend hands out one job per prompt and lets the test decide when
// the first job may finish.
type orderedBackend struct {
	mu        sync.Mutex
	runs      int
	submitted []string
	started   chan struct{}
	release   chan struct{}
}

func (o *orderedBackend) SubmitPrompt(_ context.Context, _ domain.ConversationHandle, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.submitted = append(o.submitted, text)
	return nil
}

func (o *orderedBackend) StartJob(context.Context, domain.ConversationHandle) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs++
	if o.runs == 1 {
		close(o.started)
	}
	return fmt.Sprintf("run_%d", o.runs), nil
}

func (o *orderedBackend) PollJob(ctx context.Context, _ domain.ConversationHandle, jobID string) (Status, error) {
	if jobID == "run_1" {
		select {
		case <-o.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return StatusCompleted, nil
}

func (o *orderedBackend) FetchReply(_ context.Context, _ domain.ConversationHandle, jobID string) ([]string, error) {
	return []string{"reply " + jobID}, nil
}

func (o *orderedBackend) submissions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.submitted)
}

func TestRunSerializesParticipantHistory(t *testing.T) {
	t.Parallel()
	backend := &orderedBackend{started: make(chan struct{}), release: make(chan struct{})}
	history := &fakeHistory{}
	d := NewDriver(backend, history, Config{PollInterval: time.Millisecond, PollTimeout: time.Minute, MaxPolls: 3},
		WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))

	reqA, reqB := baseRequest(), baseRequest()
	reqA.Prompt, reqB.Prompt = "prompt A", "prompt B"

	var wg sync.WaitGroup
	results := make([]Result, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = d.Run(context.Background(), reqA)
	}()
	<-backend.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = d.Run(context.Background(), reqB)
	}()

	// B must not reach the conversation while A's job is active.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, backend.submissions())

	close(backend.release)
	wg.Wait()

	for _, res := range results {
		require.NoError(t, res.Err)
	}
	assert.Equal(t, [][2]string{{"prompt A", "reply run_1"}, {"prompt B", "reply run_2"}}, history.exchanges)
	assert.Zero(t, d.turns.len())
}

func TestRunDoesNotSerializeAcrossParticipants(t *testing.T) {
	t.Parallel()
	backend := &orderedBackend{started: make(chan struct{}), release: make(chan struct{})}
	history := &fakeHistory{}
	d := NewDriver(backend, history, Config{PollInterval: time.Millisecond, PollTimeout: time.Minute, MaxPolls: 3},
		WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))

	reqA, reqB := baseRequest(), baseRequest()
	reqB.ParticipantID, reqB.Handle = "p2", "thread_2"

	done := make(chan Result, 1)
	go func() { done <- d.Run(context.Background(), reqA) }()
	<-backend.started

	res := d.Run(context.Background(), reqB)
	require.NoError(t, res.Err)
	assert.Equal(t, "reply run_2", res.Text)

	close(backend.release)
	require.NoError(t, (<-done).Err)
}

func TestKeyedLockHonoursContext(t *testing.T) {
	t.Parallel()
	l := newKeyedLock()
	unlock, err := l.Lock(context.Background(), "p1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "p1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, l.len())

	unlock()
	assert.Zero(t, l.len())
}

func TestRunFailedJobStopsImmediately(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{jobID: "run_1", statuses: []Status{StatusQueued, StatusFailed, StatusCompleted}}
	history := &fakeHistory{}
	d := newTestDriver(backend, history, DefaultConfig(), newFakeClock())

	res := d.Run(context.Background(), baseRequest())

	require.ErrorIs(t, res.Err, domain.ErrJobFailed)
	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.Fallback)
	assert.Equal(t, 2, backend.polls)
	assert.Empty(t, history.exchanges)
}

func TestRunEmptyReplyIsFailure(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{jobID: "run_1", statuses: []Status{StatusCompleted}, reply: []string{"", "   "}}
	history := &fakeHistory{}
	d := newTestDriver(backend, history, DefaultConfig(), newFakeClock())

	res := d.Run(context.Background(), baseRequest())

	require.ErrorIs(t, res.Err, domain.ErrUpstreamEmptyResult)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "A Greek vase.", res.Text)
	assert.Empty(t, history.exchanges)
}

func TestRunSubmitFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		backend *fakeBackend
	}{
		{name: "add message fails", backend: &fakeBackend{submitErr: errors.New("boom"), jobID: "run_1"}},
		{name: "start fails", backend: &fakeBackend{startErr: errors.New("boom")}},
		{name: "no job id", backend: &fakeBackend{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := newTestDriver(tt.backend, nil, DefaultConfig(), newFakeClock())
			res := d.Run(context.Background(), baseRequest())

			require.ErrorIs(t, res.Err, domain.ErrUpstreamSubmitFailed)
			assert.True(t, res.Fallback)
			assert.Equal(t, "A Greek vase.", res.Text)
			assert.Zero(t, tt.backend.polls)
		})
	}
}

func TestRunSurvivesTransientPollError(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{
		jobID:    "run_1",
		statuses: []Status{StatusRunning, StatusRunning, StatusCompleted},
		pollErrs: map[int]error{1: errors.New("connection reset")},
		reply:    []string{"ok"},
	}
	d := newTestDriver(backend, &fakeHistory{}, DefaultConfig(), newFakeClock())

	res := d.Run(context.Background(), baseRequest())

	require.NoError(t, res.Err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, 3, res.Polls)
}

func TestRunCancelledContextReturnsFallback(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{jobID: "run_1"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newTestDriver(backend, nil, DefaultConfig(), newFakeClock())
	res := d.Run(ctx, baseRequest())

	require.ErrorIs(t, res.Err, context.Canceled)
	assert.True(t, res.Fallback)
	assert.Equal(t, "A Greek vase.", res.Text)
	assert.Zero(t, backend.polls)
}

func TestRunHistoryFailureKeepsReply(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{jobID: "run_1", statuses: []Status{StatusCompleted}, reply: []string{"reply"}}
	history := &fakeHistory{err: domain.ErrStoreUnavailable}
	d := newTestDriver(backend, history, DefaultConfig(), newFakeClock())

	res := d.Run(context.Background(), baseRequest())

	require.ErrorIs(t, res.Err, domain.ErrStoreUnavailable)
	assert.False(t, res.Fallback)
	assert.Equal(t, "reply", res.Text)
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusTimedOut.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusSubmitted.Terminal())
}
