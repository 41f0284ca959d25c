package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/caesium-cloud/fleetline/internal/lifecycle"
	"github.com/caesium-cloud/fleetline/internal/logstore"
	"github.com/caesium-cloud/fleetline/internal/metrics"
	metricsutil "github.com/caesium-cloud/fleetline/internal/metrics/testutil"
	"github.com/caesium-cloud/fleetline/internal/models"
	"github.com/caesium-cloud/fleetline/internal/queue"
	"github.com/caesium-cloud/fleetline/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedJob(t *testing.T, db *gorm.DB, state lifecycle.State, updatedAt time.Time) uuid.UUID {
	t.Helper()
	job := &models.Job{
		ID:         uuid.New(),
		Queue:      "q",
		State:      string(state),
		JobData:    map[string]any{"job_queue": "q"},
		ResultData: map[string]any{"job_state": string(state)},
		CreatedAt:  updatedAt,
		UpdatedAt:  updatedAt,
	}
	require.NoError(t, db.Create(job).Error)
	return job.ID
}

func TestNewValidatesInput(t *testing.T) {
	db := testutil.OpenTestDB(t)
	_, err := New(queue.NewStore(db), logstore.NewStore(db), 0, "@every 1h")
	require.Error(t, err)

	_, err = New(queue.NewStore(db), logstore.NewStore(db), time.Hour, "not a schedule")
	require.Error(t, err)

	_, err = New(queue.NewStore(db), logstore.NewStore(db), time.Hour, "0 3 * * *")
	require.NoError(t, err)
}

func TestSweepRemovesExpiredJobsAndLogs(t *testing.T) {
	db := testutil.OpenTestDB(t)
	logs := logstore.NewStore(db)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	expired := seedJob(t, db, lifecycle.StateCompleted, now.Add(-72*time.Hour))
	running := seedJob(t, db, lifecycle.StateTest, now.Add(-72*time.Hour))
	recent := seedJob(t, db, lifecycle.StateCancelled, now.Add(-time.Hour))

	for _, id := range []uuid.UUID{expired, running, recent} {
		require.NoError(t, logs.Append(context.Background(), &models.LogFragment{
			JobID:   id,
			LogType: string(lifecycle.LogTypeOutput),
			Phase:   string(lifecycle.PhaseTest),
			LogData: "hello\n",
		}))
	}

	s, err := New(queue.NewStore(db), logs, 24*time.Hour, "@every 1h")
	require.NoError(t, err)
	s.now = func() time.Time { return now }

	before := metricsutil.SingleCounterValue(t, metrics.RetentionPurgedTotal)
	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, before+1, metricsutil.SingleCounterValue(t, metrics.RetentionPurgedTotal))

	testutil.AssertCount(t, db, &models.Job{}, 2)
	testutil.AssertCount(t, db, &models.LogFragment{}, 2)

	n, err = s.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

type failingPurger struct{}

func (failingPurger) PurgeBefore(context.Context, time.Time) ([]uuid.UUID, error) {
	return nil, errors.New("database is locked")
}

func TestSweepPropagatesErrors(t *testing.T) {
	db := testutil.OpenTestDB(t)
	s, err := New(failingPurger{}, logstore.NewStore(db), time.Hour, "@every 1h")
	require.NoError(t, err)

	_, err = s.Sweep(context.Background())
	require.ErrorContains(t, err, "database is locked")
}

func TestRunStopsWithContext(t *testing.T) {
	db := testutil.OpenTestDB(t)
	s, err := New(queue.NewStore(db), logstore.NewStore(db), time.Hour, "@every 1h")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
