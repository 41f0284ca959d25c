package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/caesium-cloud/fleetline/internal/lifecycle"
	"github.com/caesium-cloud/fleetline/internal/metrics"
	metricsutil "github.com/caesium-cloud/fleetline/internal/metrics/testutil"
	"github.com/caesium-cloud/fleetline/internal/models"
	"github.com/caesium-cloud/fleetline/internal/secrets"
	"github.com/caesium-cloud/fleetline/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestEnqueueSetsWaitingState(t *testing.T) {
	store := NewStore(testutil.OpenTestDB(t))

	id, err := store.Enqueue(context.Background(), map[string]any{
		"job_queue": "rpi4",
		"test_data": map[string]any{"test_cmds": "echo hi"},
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "rpi4", job.Queue)
	require.Equal(t, string(lifecycle.StateWaiting), job.State)
	require.Equal(t, "waiting", job.ResultData["job_state"])
	require.Equal(t, "rpi4", job.JobData["job_queue"])
}

func TestEnqueueValidation(t *testing.T) {
	store := NewStore(testutil.OpenTestDB(t))

	for name, data := range map[string]map[string]any{
		"nil":                  nil,
		"missing queue":        {"test_data": map[string]any{}},
		"blank queue":          {"job_queue": "  "},
		"non-string queue":     {"job_queue": 7},
		"bad parent":           {"job_queue": "q", "parent_job_id": "not-a-uuid"},
		"bad attachments":      {"job_queue": "q", "attachments_status": "pending"},
		"non-object test data": {"job_queue": "q", "test_data": "echo"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := store.Enqueue(context.Background(), data)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestEnqueueRecordsParent(t *testing.T) {
	store := NewStore(testutil.OpenTestDB(t))
	parent := uuid.New()

	id, err := store.Enqueue(context.Background(), map[string]any{
		"job_queue":     "q",
		"parent_job_id": parent.String(),
	})
	require.NoError(t, err)

	children, err := store.Children(context.Background(), parent)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, id, children[0].ID)
}

func TestParseID(t *testing.T) {
	_, err := ParseID("1234")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "job_id", verr.Field)

	id := uuid.New()
	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestDequeueReturnsOldestMatchingJob(t *testing.T) {
	db := testutil.OpenTestDB(t)
	store := NewStore(db)
	now := time.Now().UTC()

	_ = seedJob(t, db, seedJobInput{queue: "other", createdAt: now.Add(-3 * time.Minute)})
	older := seedJob(t, db, seedJobInput{queue: "rpi4", createdAt: now.Add(-2 * time.Minute)})
	_ = seedJob(t, db, seedJobInput{queue: "rpi4", createdAt: now.Add(-1 * time.Minute)})

	before := metricsutil.CounterValue(t, metrics.JobsDequeuedTotal, "agent-oldest")

	job, err := store.Dequeue(context.Background(), "agent-oldest", []string{"rpi4", "nuc"})
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, older.ID, job.ID)
	require.Equal(t, before+1, metricsutil.CounterValue(t, metrics.JobsDequeuedTotal, "agent-oldest"))
	require.Equal(t, string(lifecycle.StateSetup), job.State)
	require.Equal(t, "setup", job.ResultData["job_state"])
	require.Equal(t, "agent-oldest", job.ClaimedBy)
}

func TestDequeueReturnsNilWhenNothingMatches(t *testing.T) {
	db := testutil.OpenTestDB(t)
	store := NewStore(db)
	_ = seedJob(t, db, seedJobInput{queue: "rpi4", state: string(lifecycle.StateTest)})

	job, err := store.Dequeue(context.Background(), "agent-a", []string{"rpi4"})
	require.NoError(t, err)
	require.Nil(t, job)

	job, err = store.Dequeue(context.Background(), "agent-a", nil)
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestDequeueHonoursAttachmentGating(t *testing.T) {
	store := NewStore(testutil.OpenTestDB(t))
	ctx := context.Background()

	id, err := store.Enqueue(ctx, map[string]any{"job_queue": "q", "attachments_status": "waiting"})
	require.NoError(t, err)

	job, err := store.Dequeue(ctx, "agent-a", []string{"q"})
	require.NoError(t, err)
	require.Nil(t, job)

	require.NoError(t, store.CompleteAttachments(ctx, id))

	job, err = store.Dequeue(ctx, "agent-a", []string{"q"})
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
	require.Equal(t, "complete", job.JobData["attachments_status"])

	var verr *ValidationError
	require.ErrorAs(t, store.CompleteAttachments(ctx, id), &verr)
}

func TestConcurrentDequeueNeverHandsOutAJobTwice(t *testing.T) {
	const (
		jobCount   = 20
		agentCount = 6
	)

	store := NewStore(testutil.OpenTestDB(t))
	ctx := context.Background()
	for i := 0; i < jobCount; i++ {
		_, err := store.Enqueue(ctx, map[string]any{"job_queue": "shared"})
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[uuid.UUID]string, jobCount)
		wg   sync.WaitGroup
		errs = make(chan error, agentCount)
	)

	for a := 0; a < agentCount; a++ {
		agentID := uuid.NewString()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := store.Dequeue(ctx, agentID, []string{"shared"})
				if err != nil {
					errs <- err
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, ok := seen[job.ID]; ok {
					mu.Unlock()
					errs <- fmt.Errorf("job %s claimed by %s and %s", job.ID, prev, agentID)
					return
				}
				seen[job.ID] = agentID
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, seen, jobCount)
}

func TestClaimLosesWhenJobNoLongerWaiting(t *testing.T) {
	db := testutil.OpenTestDB(t)
	job := seedJob(t, db, seedJobInput{queue: "q"})

	won, err := claim(db, job, "agent-a")
	require.NoError(t, err)
	require.True(t, won)

	won, err = claim(db, job, "agent-b")
	require.NoError(t, err)
	require.False(t, won)

	var stored models.Job
	require.NoError(t, db.First(&stored, "id = ?", job.ID).Error)
	require.Equal(t, "agent-a", stored.ClaimedBy)

	next, err := NewStore(db).Dequeue(context.Background(), "agent-b", []string{"q"})
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestDequeueResolvesSecretsWithoutPersistingThem(t *testing.T) {
	db := testutil.OpenTestDB(t)
	secretStore := secrets.NewDatabaseStore(db)
	require.NoError(t, secretStore.Write(context.Background(), "client-a", "lab/token", "s3cret"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewStore(db, WithSecrets(secretStore))
	id, err := store.Enqueue(ctx, map[string]any{
		"job_queue": "q",
		"client_id": "client-a",
		"test_data": map[string]any{
			"test_cmds": "echo $TOKEN",
			"secrets":   map[string]any{"TOKEN": "lab/token", "OTHER": "lab/missing"},
		},
	})
	require.NoError(t, err)

	job, err := store.Dequeue(ctx, "agent-a", []string{"q"})
	require.NoError(t, err)
	require.NotNil(t, job)

	testData := job.JobData["test_data"].(map[string]any)
	require.Equal(t, map[string]any{"TOKEN": "s3cret", "OTHER": ""}, testData["secrets"])
	require.Equal(t, "echo $TOKEN", testData["test_cmds"])

	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	storedSecrets := stored.JobData["test_data"].(map[string]any)["secrets"]
	require.Equal(t, map[string]any{"TOKEN": "lab/token", "OTHER": "lab/missing"}, storedSecrets)
}

type failingSecrets struct {
	secrets.Store
	err error
}

func (f failingSecrets) Read(context.Context, string, string) (string, error) {
	return "", f.err
}

func TestDequeueReleasesJobWhenSecretsFail(t *testing.T) {
	db := testutil.OpenTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	unavailable := fmt.Errorf("vault sealed")
	store := NewStore(db, WithSecrets(failingSecrets{err: unavailable}))
	id, err := store.Enqueue(ctx, map[string]any{
		"job_queue": "q",
		"client_id": "client-a",
		"test_data": map[string]any{"secrets": map[string]any{"TOKEN": "lab/token"}},
	})
	require.NoError(t, err)

	job, err := store.Dequeue(ctx, "agent-a", []string{"q"})
	require.ErrorIs(t, err, unavailable)
	require.Nil(t, job)

	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, string(lifecycle.StateWaiting), stored.State)
	require.Equal(t, "waiting", stored.ResultData["job_state"])
	require.Empty(t, stored.ClaimedBy)

	// the next poll can claim it once the store recovers
	retry := NewStore(db)
	job, err = retry.Dequeue(ctx, "agent-b", []string{"q"})
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
}

func TestDequeueSkipsJobClaimedMidTransaction(t *testing.T) {
	db := testutil.OpenTestDB(t)
	store := NewStore(db)
	now := time.Now().UTC()

	first := seedJob(t, db, seedJobInput{queue: "race", createdAt: now.Add(-2 * time.Minute)})
	second := seedJob(t, db, seedJobInput{queue: "race", createdAt: now.Add(-1 * time.Minute)})

	// another agent wins the oldest job between the candidate read and
	// this agent's conditional update
	var once sync.Once
	err := db.Callback().Update().Before("gorm:update").Register("test:steal", func(tx *gorm.DB) {
		once.Do(func() {
			tx.Session(&gorm.Session{NewDB: true}).Exec(
				"UPDATE jobs SET state = ?, claimed_by = ? WHERE id = ?",
				string(lifecycle.StateSetup), "agent-b", first.ID,
			)
		})
	})
	require.NoError(t, err)

	before := metricsutil.CounterValue(t, metrics.DequeueContentionTotal, "agent-a")

	job, err := store.Dequeue(context.Background(), "agent-a", []string{"race"})
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, second.ID, job.ID)
	require.Equal(t, before+1, metricsutil.CounterValue(t, metrics.DequeueContentionTotal, "agent-a"))

	var stolen models.Job
	require.NoError(t, db.First(&stolen, "id = ?", first.ID).Error)
	require.Equal(t, "agent-b", stolen.ClaimedBy)
}

func TestUpdateResultMergesPhaseStatus(t *testing.T) {
	store := NewStore(testutil.OpenTestDB(t))
	ctx := context.Background()
	id, err := store.Enqueue(ctx, map[string]any{"job_queue": "q"})
	require.NoError(t, err)

	require.NoError(t, store.UpdateResult(ctx, id, map[string]any{
		"job_state": "provision",
		"status":    map[string]any{"setup": 0},
	}))
	require.NoError(t, store.UpdateResult(ctx, id, map[string]any{
		"status":      map[string]any{"provision": 1},
		"device_info": map[string]any{"device_ip": "10.0.0.5"},
	}))

	result, err := store.Result(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "provision", result["job_state"])
	require.EqualValues(t, 0, result["status"].(map[string]any)["setup"])
	require.EqualValues(t, 1, result["status"].(map[string]any)["provision"])
	require.Equal(t, "10.0.0.5", result["device_info"].(map[string]any)["device_ip"])

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "provision", job.State)
}

func TestUpdateResultValidation(t *testing.T) {
	store := NewStore(testutil.OpenTestDB(t))
	ctx := context.Background()

	require.ErrorIs(t, store.UpdateResult(ctx, uuid.New(), map[string]any{"status": map[string]any{}}), ErrNotFound)

	id, err := store.Enqueue(ctx, map[string]any{"job_queue": "q"})
	require.NoError(t, err)

	var verr *ValidationError
	require.ErrorAs(t, store.UpdateResult(ctx, id, map[string]any{"job_state": "flying"}), &verr)
}

func TestTerminalStateIsNeverLeft(t *testing.T) {
	store := NewStore(testutil.OpenTestDB(t))
	ctx := context.Background()
	id, err := store.Enqueue(ctx, map[string]any{"job_queue": "q"})
	require.NoError(t, err)

	require.NoError(t, store.Cancel(ctx, id))
	require.ErrorIs(t, store.Cancel(ctx, id), ErrAlreadyTerminal)

	require.NoError(t, store.UpdateResult(ctx, id, map[string]any{"job_state": "test"}))
	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "cancelled", job.State)
	require.Equal(t, "cancelled", job.ResultData["job_state"])

	require.ErrorIs(t, store.Cancel(ctx, uuid.New()), ErrNotFound)
}

func TestPosition(t *testing.T) {
	db := testutil.OpenTestDB(t)
	store := NewStore(db)
	now := time.Now().UTC()

	first := seedJob(t, db, seedJobInput{queue: "q", createdAt: now.Add(-3 * time.Minute)})
	_ = seedJob(t, db, seedJobInput{queue: "other", createdAt: now.Add(-2 * time.Minute)})
	third := seedJob(t, db, seedJobInput{queue: "q", createdAt: now.Add(-1 * time.Minute)})
	running := seedJob(t, db, seedJobInput{queue: "q", state: string(lifecycle.StateTest)})
	_ = seedJob(t, db, seedJobInput{queue: "q", attachments: "waiting", createdAt: now.Add(-150 * time.Second)})

	pos, err := store.Position(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, 0, pos)

	pos, err = store.Position(context.Background(), third.ID)
	require.NoError(t, err)
	require.Equal(t, 1, pos)

	_, err = store.Position(context.Background(), running.ID)
	require.ErrorIs(t, err, ErrNotWaiting)
}

func TestPurgeBeforeRemovesOnlyExpiredTerminalJobs(t *testing.T) {
	db := testutil.OpenTestDB(t)
	store := NewStore(db)
	old := time.Now().UTC().Add(-48 * time.Hour)

	expired := seedJob(t, db, seedJobInput{queue: "q", state: string(lifecycle.StateCompleted), createdAt: old})
	_ = seedJob(t, db, seedJobInput{queue: "q", state: string(lifecycle.StateTest), createdAt: old})
	_ = seedJob(t, db, seedJobInput{queue: "q", state: string(lifecycle.StateCancelled)})

	ids, err := store.PurgeBefore(context.Background(), time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{expired.ID}, ids)
	testutil.AssertCount(t, db, &models.Job{}, 2)
}

type seedJobInput struct {
	queue       string
	state       string
	attachments string
	createdAt   time.Time
}

func seedJob(t *testing.T, db *gorm.DB, in seedJobInput) *models.Job {
	t.Helper()

	if in.createdAt.IsZero() {
		in.createdAt = time.Now().UTC()
	}
	if in.state == "" {
		in.state = string(lifecycle.StateWaiting)
	}

	job := &models.Job{
		ID:                uuid.New(),
		Queue:             in.queue,
		State:             in.state,
		AttachmentsStatus: in.attachments,
		JobData:           map[string]any{"job_queue": in.queue},
		ResultData:        map[string]any{"job_state": in.state},
		CreatedAt:         in.createdAt,
		UpdatedAt:         in.createdAt,
	}
	require.NoError(t, db.Create(job).Error)
	return job
}
