package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

func TestQueryGet_PendingMarkerBridgesSubmitPollRace(t *testing.T) {
	repo := newRepoStub()
	pending := newPendingStub()
	q := NewQueryService(NewStorageService(repo, &eventsStub{}, nil, nil), pending)
	ctx := context.Background()

	_, err := q.Get(ctx, "01HZXRACE")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, pending.Mark(ctx, "01HZXRACE"))
	res, err := q.Get(ctx, "01HZXRACE")
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Equal(t, domain.StatusQueued, res.Evaluation.Status)

	// once the record lands, the stored view wins
	storedEval(repo, domain.StatusRunning)
	res, err = q.Get(ctx, "01HZXSTORED")
	require.NoError(t, err)
	assert.False(t, res.Pending)
	assert.Equal(t, domain.StatusRunning, res.Evaluation.Status)
}

func TestQueryList_ClampsLimit(t *testing.T) {
	repo := newRepoStub()
	q := NewQueryService(NewStorageService(repo, &eventsStub{}, nil, nil), nil)

	_, err := q.List(context.Background(), domain.ListFilter{}, domain.MaxListLimit+100, -5)
	require.NoError(t, err)
}

func TestCancel_QueuedEvaluationEmitsCancelledEvent(t *testing.T) {
	repo := newRepoStub()
	bus := &busStub{}
	revoker := newRevokerStub()
	disp := &dispatcherStub{}
	c := NewCancelService(NewStorageService(repo, &eventsStub{}, nil, nil), revoker, disp, bus)
	storedEval(repo, domain.StatusQueued)

	st, err := c.Cancel(context.Background(), "01HZXSTORED")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, st)
	assert.True(t, revoker.revoked["01HZXSTORED"])
	assert.Equal(t, []string{"01HZXSTORED"}, disp.cancelled)
	require.Len(t, bus.events, 1)
	assert.Equal(t, domain.EventCancelled, bus.events[0].Kind)
	assert.Equal(t, domain.TransitionEventID("01HZXSTORED", domain.EventCancelled), bus.events[0].EventID)
}

func TestCancel_RunningEvaluationLeavesTerminalEventToWorker(t *testing.T) {
	repo := newRepoStub()
	bus := &busStub{}
	c := NewCancelService(NewStorageService(repo, &eventsStub{}, nil, nil), newRevokerStub(), &dispatcherStub{}, bus)
	storedEval(repo, domain.StatusRunning)

	_, err := c.Cancel(context.Background(), "01HZXSTORED")
	require.NoError(t, err)
	assert.Empty(t, bus.events)
}

func TestCancel_TerminalIsIdempotentNoop(t *testing.T) {
	repo := newRepoStub()
	revoker := newRevokerStub()
	c := NewCancelService(NewStorageService(repo, &eventsStub{}, nil, nil), revoker, &dispatcherStub{}, &busStub{})
	storedEval(repo, domain.StatusCompleted)

	st, err := c.Cancel(context.Background(), "01HZXSTORED")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, st)
	assert.False(t, revoker.revoked["01HZXSTORED"])
}

func TestCancel_UnknownEvaluationIsNotFound(t *testing.T) {
	c := NewCancelService(NewStorageService(newRepoStub(), &eventsStub{}, nil, nil), newRevokerStub(), &dispatcherStub{}, &busStub{})
	_, err := c.Cancel(context.Background(), "01HZXNOPE")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
