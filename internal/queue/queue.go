package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caesium-cloud/fleetline/internal/lifecycle"
	"github.com/caesium-cloud/fleetline/internal/metrics"
	"github.com/caesium-cloud/fleetline/internal/models"
	"github.com/caesium-cloud/fleetline/internal/secrets"
	"github.com/caesium-cloud/fleetline/pkg/jsonmap"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	attachmentsWaiting  = "waiting"
	attachmentsComplete = "complete"

	candidateBatch = 64
)

// Store is the persistent job queue.
type Store struct {
	db       *gorm.DB
	secrets  secrets.Store
	validate *validator.Validate
}

// Option configures a Store.
type Option func(*Store)

// WithSecrets resolves test_data.secrets references against store on dequeue.
func WithSecrets(store secrets.Store) Option {
	return func(s *Store) {
		s.secrets = store
	}
}

// NewStore returns a queue persisting jobs in db.
func NewStore(db *gorm.DB, opts ...Option) *Store {
	if db == nil {
		panic("job queue requires db")
	}

	s := &Store{db: db, validate: newValidator()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Enqueue validates and stores a new job, returning its id.
func (s *Store) Enqueue(ctx context.Context, data map[string]any) (uuid.UUID, error) {
	sub, err := decodeSubmission(s.validate, data)
	if err != nil {
		return uuid.Nil, err
	}

	job := &models.Job{
		ID:                uuid.New(),
		Queue:             sub.JobQueue,
		State:             string(lifecycle.StateWaiting),
		AttachmentsStatus: sub.AttachmentsStatus,
		JobData:           jsonmap.Merge(nil, data),
		ResultData:        datatypes.JSONMap{"job_state": string(lifecycle.StateWaiting)},
	}
	if sub.ParentJobID != "" {
		parent := uuid.MustParse(sub.ParentJobID)
		job.ParentJobID = &parent
	}

	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return uuid.Nil, err
	}

	metrics.JobsSubmittedTotal.WithLabelValues(job.Queue).Inc()
	return job.ID, nil
}

// Dequeue hands the oldest eligible waiting job in one of queues to
// agentID, moving it to the setup state. It returns nil when there is
// nothing to do. Concurrent callers never receive the same job: the claim
// is a conditional update on the waiting state and a caller whose update
// matches no row has lost the job to another agent.
//
// Secrets are resolved after the claim commits. If resolution fails the
// job is released back to waiting and the error is returned.
func (s *Store) Dequeue(ctx context.Context, agentID string, queues []string) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(queues) == 0 {
		return nil, nil
	}
	if strings.TrimSpace(agentID) == "" {
		agentID = "unknown-agent"
	}

	var claimed *models.Job

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []models.Job
		err := tx.
			Where(
				"state = ? AND queue IN ? AND attachments_status <> ?",
				string(lifecycle.StateWaiting),
				queues,
				attachmentsWaiting,
			).
			Order("created_at ASC").
			Limit(candidateBatch).
			Find(&candidates).Error
		if err != nil {
			return err
		}

		for i := range candidates {
			won, err := claim(tx, &candidates[i], agentID)
			if err != nil {
				if isContentionErr(err) {
					metrics.DequeueContentionTotal.WithLabelValues(agentID).Inc()
				}
				return err
			}
			if !won {
				metrics.DequeueContentionTotal.WithLabelValues(agentID).Inc()
				continue
			}

			job := &models.Job{}
			if err := tx.First(job, "id = ?", candidates[i].ID).Error; err != nil {
				return err
			}
			claimed = job
			break
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, nil
	}

	if err := s.resolveSecrets(ctx, claimed); err != nil {
		if rerr := s.release(ctx, claimed.ID, agentID); rerr != nil {
			return nil, fmt.Errorf("%w (release failed: %v)", err, rerr)
		}
		return nil, err
	}

	metrics.JobsDequeuedTotal.WithLabelValues(agentID).Inc()
	return claimed, nil
}

// release returns a job claimed by agentID to the waiting state. A job that
// has moved on since the claim is left alone.
func (s *Store) release(ctx context.Context, id uuid.UUID, agentID string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job := &models.Job{}
		if err := lockForUpdate(tx).First(job, "id = ?", id).Error; err != nil {
			return err
		}
		if job.State != string(lifecycle.StateSetup) || job.ClaimedBy != agentID {
			return nil
		}

		return tx.Model(&models.Job{}).
			Where("id = ? AND state = ? AND claimed_by = ?", id, string(lifecycle.StateSetup), agentID).
			Updates(map[string]interface{}{
				"state":      string(lifecycle.StateWaiting),
				"claimed_by": "",
				"result_data": jsonmap.Merge(job.ResultData, map[string]any{
					"job_state": string(lifecycle.StateWaiting),
				}),
				"updated_at": time.Now().UTC(),
			}).Error
	})
}

// claim moves candidate from waiting to setup on behalf of agentID. It
// reports false when the job is no longer waiting.
func claim(tx *gorm.DB, candidate *models.Job, agentID string) (bool, error) {
	result := jsonmap.Merge(candidate.ResultData, map[string]any{
		"job_state": string(lifecycle.StateSetup),
	})

	update := tx.Model(&models.Job{}).
		Where("id = ? AND state = ?", candidate.ID, string(lifecycle.StateWaiting)).
		Updates(map[string]interface{}{
			"state":       string(lifecycle.StateSetup),
			"claimed_by":  agentID,
			"result_data": result,
			"updated_at":  time.Now().UTC(),
		})
	if update.Error != nil {
		return false, update.Error
	}
	return update.RowsAffected == 1, nil
}

// resolveSecrets replaces the secret paths in test_data.secrets with their
// values on the returned copy only; resolved values are never persisted.
func (s *Store) resolveSecrets(ctx context.Context, job *models.Job) error {
	testData := jsonmap.Object(job.JobData, "test_data")
	refs := jsonmap.Object(testData, "secrets")
	if len(refs) == 0 {
		return nil
	}

	clientID, _ := job.JobData["client_id"].(string)
	resolved, err := secrets.Resolve(ctx, s.secrets, clientID, jsonmap.ToStringMap(refs))
	if err != nil {
		return fmt.Errorf("resolve secrets for job %s: %w", job.ID, err)
	}

	values := make(map[string]any, len(resolved))
	for k, v := range resolved {
		values[k] = v
	}
	job.JobData = jsonmap.Merge(job.JobData, map[string]any{
		"test_data": map[string]any{"secrets": values},
	})
	return nil
}

// Get returns the job with the given id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job := &models.Job{}
	err := s.db.WithContext(ctx).First(job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateResult deep-merges partial into the job's result document. Keys
// not present in partial are left untouched. A job_state key also moves
// the job's state, except that a terminal state is never left.
func (s *Store) UpdateResult(ctx context.Context, id uuid.UUID, partial map[string]any) error {
	var next lifecycle.State
	if raw, ok := partial["job_state"]; ok {
		str, isString := raw.(string)
		if !isString || !lifecycle.State(str).Valid() {
			return &ValidationError{Field: "job_state", Reason: fmt.Sprintf("%v is not a job state", raw)}
		}
		next = lifecycle.State(str)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job := &models.Job{}
		if err := lockForUpdate(tx).First(job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		merged := jsonmap.Merge(job.ResultData, partial)
		updates := map[string]interface{}{"updated_at": time.Now().UTC()}

		current := lifecycle.State(job.State)
		if next != "" {
			if current.Terminal() && next != current {
				merged["job_state"] = string(current)
			} else {
				updates["state"] = string(next)
			}
		}
		updates["result_data"] = merged

		return tx.Model(&models.Job{}).Where("id = ?", id).Updates(updates).Error
	})
}

// Result returns the job's result document.
func (s *Store) Result(ctx context.Context, id uuid.UUID) (datatypes.JSONMap, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.ResultData == nil {
		return datatypes.JSONMap{}, nil
	}
	return job.ResultData, nil
}

// Cancel moves a non-terminal job to the cancelled state.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job := &models.Job{}
		if err := lockForUpdate(tx).First(job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if lifecycle.State(job.State).Terminal() {
			return ErrAlreadyTerminal
		}

		result := tx.Model(&models.Job{}).
			Where("id = ? AND state NOT IN ?", id, []string{string(lifecycle.StateCancelled), string(lifecycle.StateCompleted)}).
			Updates(map[string]interface{}{
				"state": string(lifecycle.StateCancelled),
				"result_data": jsonmap.Merge(job.ResultData, map[string]any{
					"job_state": string(lifecycle.StateCancelled),
				}),
				"updated_at": time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrAlreadyTerminal
		}
		return nil
	})
}

// Position returns how many dequeue-eligible waiting jobs in the same
// queue are ahead of the job. Jobs held for attachments are not counted.
func (s *Store) Position(ctx context.Context, id uuid.UUID) (int, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if job.State != string(lifecycle.StateWaiting) {
		return 0, ErrNotWaiting
	}

	var ahead int64
	err = s.db.WithContext(ctx).Model(&models.Job{}).
		Where(
			"queue = ? AND state = ? AND attachments_status <> ? AND created_at < ?",
			job.Queue,
			string(lifecycle.StateWaiting),
			attachmentsWaiting,
			job.CreatedAt,
		).
		Count(&ahead).Error
	return int(ahead), err
}

// CompleteAttachments makes a job held for attachments eligible for dequeue.
func (s *Store) CompleteAttachments(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job := &models.Job{}
		if err := lockForUpdate(tx).First(job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if job.AttachmentsStatus != attachmentsWaiting {
			return &ValidationError{Field: "attachments_status", Reason: "is not waiting"}
		}

		return tx.Model(&models.Job{}).Where("id = ?", id).Updates(map[string]interface{}{
			"attachments_status": attachmentsComplete,
			"job_data": jsonmap.Merge(job.JobData, map[string]any{
				"attachments_status": attachmentsComplete,
			}),
			"updated_at": time.Now().UTC(),
		}).Error
	})
}

// Children lists the jobs submitted with parentID as their parent.
func (s *Store) Children(ctx context.Context, parentID uuid.UUID) (models.Jobs, error) {
	jobs := make(models.Jobs, 0)
	err := s.db.WithContext(ctx).
		Where("parent_job_id = ?", parentID).
		Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// PurgeBefore deletes terminal jobs last updated before cutoff and returns
// their ids.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		terminal := []string{string(lifecycle.StateCancelled), string(lifecycle.StateCompleted)}
		if err := tx.Model(&models.Job{}).
			Where("state IN ? AND updated_at < ?", terminal, cutoff).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Where("id IN ?", ids).Delete(&models.Job{}).Error
	})
	return ids, err
}

func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func isContentionErr(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
