package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/artefact-relay/internal/domain"
	"github.com/ashureev/artefact-relay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCreator struct {
	calls  atomic.Int32
	err    error
	before func(n int32)
}

func (c *countingCreator) CreateConversation(context.Context) (domain.ConversationHandle, error) {
	n := c.calls.Add(1)
	if c.before != nil {
		c.before(n)
	}
	if c.err != nil {
		return "", c.err
	}
	return domain.ConversationHandle(fmt.Sprintf("thread_%d", n)), nil
}

func newTestRepo(t *testing.T) *store.SQLiteStore {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newTestService(t *testing.T, repo store.Repository, creator ConversationCreator) *Service {
	t.Helper()
	svc, err := NewService(repo, creator, 16, nil)
	require.NoError(t, err)
	return svc
}

func TestGetOrCreateReusesHandle(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	creator := &countingCreator{}
	svc := newTestService(t, repo, creator)
	ctx := context.Background()

	first, err := svc.GetOrCreate(ctx, "p1")
	require.NoError(t, err)
	second, err := svc.GetOrCreate(ctx, "p1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), creator.calls.Load())

	// A fresh service over the same store reads the persisted handle.
	other := newTestService(t, repo, creator)
	third, err := other.GetOrCreate(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, first, third)
	assert.Equal(t, int32(1), creator.calls.Load())
}

func TestGetOrCreateConcurrentCallersShareHandle(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	svc := newTestService(t, repo, &countingCreator{})

	const callers = 20
	handles := make([]domain.ConversationHandle, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			h, err := svc.GetOrCreate(context.Background(), "p1")
			handles[i] = h
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, h := range handles {
		assert.Equal(t, handles[0], h)
	}
	sess, err := repo.GetSession(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, handles[0], sess.ConversationHandle)
}

func TestGetOrCreateLoserDiscardsItsHandle(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	creator := &countingCreator{}
	// Another process wins the race while this one is creating.
	creator.before = func(int32) {
		_, err := repo.SetConversationHandle(context.Background(), "p1", "thread_winner")
		assert.NoError(t, err)
	}
	svc := newTestService(t, repo, creator)

	h, err := svc.GetOrCreate(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationHandle("thread_winner"), h)
}

func TestGetOrCreateCreateFailure(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	svc := newTestService(t, repo, &countingCreator{err: errors.New("401")})

	_, err := svc.GetOrCreate(context.Background(), "p1")
	require.ErrorIs(t, err, domain.ErrUpstreamCreateFailed)

	sess, err := repo.GetSession(context.Background(), "p1")
	require.NoError(t, err)
	require.NotNil(t, sess, "the session row exists even when the remote create fails")
	assert.False(t, sess.HasConversation())
}

func TestGetOrCreateStoreFailure(t *testing.T) {
	t.Parallel()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	creator := &countingCreator{}
	svc := newTestService(t, repo, creator)

	_, err = svc.GetOrCreate(context.Background(), "p1")
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.True(t, IsUnavailable(err))
	assert.Zero(t, creator.calls.Load())
}

func TestAppendExchangeConcurrentStaysPaired(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	svc := newTestService(t, repo, &countingCreator{})
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, svc.AppendExchange(ctx, "p1", fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i)))
		}(i)
	}
	wg.Wait()

	sess, err := svc.Session(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2*n)
	for i := 0; i < len(sess.Messages); i += 2 {
		assert.Equal(t, domain.RoleUser, sess.Messages[i].Role)
		assert.Equal(t, domain.RoleAssistant, sess.Messages[i+1].Role)
		assert.Equal(t, "a"+sess.Messages[i].Text[1:], sess.Messages[i+1].Text)
	}
}

func TestUpsertInteractionMergesAndValidates(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	svc := newTestService(t, repo, &countingCreator{})
	ctx := context.Background()

	none, err := svc.FindInteraction(ctx, "p1", "Vase")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = svc.UpsertInteraction(ctx, domain.InteractionDelta{ParticipantID: "p1", Artefact: "Vase", TimeSpentSeconds: 5})
	require.NoError(t, err)
	got, err := svc.UpsertInteraction(ctx, domain.InteractionDelta{ParticipantID: "p1", Artefact: "Vase", TimeSpentSeconds: 7, TellMeMoreClicks: -3})
	require.NoError(t, err)
	assert.InDelta(t, 12.0, got.TimeSpentSeconds, 1e-9)
	assert.Zero(t, got.TellMeMoreClicks)

	_, err = svc.UpsertInteraction(ctx, domain.InteractionDelta{ParticipantID: "p1"})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"artefact"}, verr.Fields)
}

func TestExportAndList(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	svc := newTestService(t, repo, &countingCreator{})
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "p1")
	require.NoError(t, err)
	require.NoError(t, svc.AppendExchange(ctx, "p1", "q", "a"))

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].MessageCount)

	out, err := svc.Export(ctx)
	require.NoError(t, err)
	assert.False(t, out.GeneratedAt.IsZero())
	require.Len(t, out.Sessions, 1)
	assert.Len(t, out.Sessions[0].Messages, 2)
}
