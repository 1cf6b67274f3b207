package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

func TestEventAppend_IdempotentInsert(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewEventRepo(pool)
	err := repo.Append(context.Background(), domain.EvaluationEvent{
		EventID: "ev_1",
		EvalID:  "eval_1",
		Kind:    domain.EventRunning,
		At:      time.Now().UTC(),
		Payload: map[string]string{"executor": "job-eval-1"},
	})
	require.NoError(t, err)
	assert.Contains(t, pool.lastSQL, "ON CONFLICT (event_id) DO NOTHING")
}

func TestEventAppend_DuplicateIsSilent(t *testing.T) {
	t.Parallel()
	// the conflict clause swallows duplicates; zero rows is still success
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 0")}
	repo := postgres.NewEventRepo(pool)
	err := repo.Append(context.Background(), domain.EvaluationEvent{EventID: "ev_1", EvalID: "eval_1", Kind: domain.EventQueued, At: time.Now()})
	assert.NoError(t, err)
}

func TestEventAppend_ExecErrorWraps(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execErr: errors.New("connection refused")}
	repo := postgres.NewEventRepo(pool)
	err := repo.Append(context.Background(), domain.EvaluationEvent{EventID: "ev_2", EvalID: "eval_1", Kind: domain.EventQueued, At: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=event.append")
}

func TestEventList_OrdersByArrivalWithTiebreak(t *testing.T) {
	t.Parallel()
	pool := &poolStub{queryErr: errors.New("boom")}
	repo := postgres.NewEventRepo(pool)
	_, err := repo.ListByEval(context.Background(), "eval_1", 0, -1)
	require.Error(t, err)
	assert.Contains(t, pool.lastSQL, "ORDER BY at ASC, event_id ASC")
	assert.Equal(t, []any{"eval_1", domain.MaxListLimit, 0}, pool.lastArgs)
}
