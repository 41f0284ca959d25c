// Package logstore persists ordered log fragments and reconstructs them
// into per-phase results.
package logstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caesium-cloud/fleetline/internal/lifecycle"
	"github.com/caesium-cloud/fleetline/internal/metrics"
	"github.com/caesium-cloud/fleetline/internal/models"
	"github.com/caesium-cloud/fleetline/pkg/jsonmap"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrInvalidFragment is returned for fragments with an unknown log type or
// phase, or a negative fragment number.
var ErrInvalidFragment = errors.New("invalid log fragment")

// Store is the append-only log fragment store.
type Store struct {
	db *gorm.DB
}

// NewStore returns a store persisting fragments in db.
func NewStore(db *gorm.DB) *Store {
	if db == nil {
		panic("log store requires db")
	}
	return &Store{db: db}
}

// Append stores a fragment. Fragments are never deduplicated; a repeated
// fragment number is stored alongside the earlier one.
func (s *Store) Append(ctx context.Context, fragment *models.LogFragment) error {
	if fragment == nil {
		return fmt.Errorf("%w: nil fragment", ErrInvalidFragment)
	}
	if _, ok := lifecycle.ParseLogType(fragment.LogType); !ok {
		return fmt.Errorf("%w: log type %q", ErrInvalidFragment, fragment.LogType)
	}
	if _, ok := lifecycle.ParsePhase(fragment.Phase); !ok {
		return fmt.Errorf("%w: phase %q", ErrInvalidFragment, fragment.Phase)
	}
	if fragment.FragmentNumber < 0 {
		return fmt.Errorf("%w: fragment number %d", ErrInvalidFragment, fragment.FragmentNumber)
	}
	if fragment.Timestamp.IsZero() {
		fragment.Timestamp = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(fragment).Error; err != nil {
		return err
	}

	metrics.LogFragmentsTotal.WithLabelValues(fragment.LogType).Inc()
	return nil
}

// Query selects the fragments of one job, log type and phase.
type Query struct {
	JobID          uuid.UUID
	LogType        lifecycle.LogType
	Phase          lifecycle.Phase
	StartFragment  int
	StartTimestamp *time.Time
}

// Retrieve returns the matching fragments ordered by fragment number.
// Fragments sharing a number keep the order they were appended in.
func (s *Store) Retrieve(ctx context.Context, q Query) (models.LogFragments, error) {
	tx := s.db.WithContext(ctx).
		Where("job_id = ? AND log_type = ? AND phase = ? AND fragment_number >= ?",
			q.JobID, string(q.LogType), string(q.Phase), q.StartFragment)
	if q.StartTimestamp != nil {
		tx = tx.Where("timestamp >= ?", q.StartTimestamp.UTC())
	}

	fragments := make(models.LogFragments, 0)
	err := tx.Order("fragment_number ASC").Order("seq ASC").Find(&fragments).Error
	return fragments, err
}

// Reconstruct flattens a job's result document and its fragments into a
// single map. Each phase/log type pair with fragments yields a
// "<phase>_<label>" key holding the concatenated text; each phase status
// yields a "<phase>_status" key.
func (s *Store) Reconstruct(ctx context.Context, jobID uuid.UUID, resultData map[string]any) (map[string]any, error) {
	out := make(map[string]any)
	for key, value := range resultData {
		if key == "status" {
			continue
		}
		out[key] = value
	}

	for phase, code := range jsonmap.Object(resultData, "status") {
		out[phase+"_status"] = code
	}

	for _, phase := range lifecycle.Phases {
		for _, logType := range []lifecycle.LogType{lifecycle.LogTypeOutput, lifecycle.LogTypeSerial} {
			fragments, err := s.Retrieve(ctx, Query{JobID: jobID, LogType: logType, Phase: phase})
			if err != nil {
				return nil, err
			}
			if len(fragments) == 0 {
				continue
			}
			out[string(phase)+"_"+logType.Label()] = Join(fragments)
		}
	}

	return out, nil
}

// Join concatenates fragment text in slice order.
func Join(fragments models.LogFragments) string {
	var b strings.Builder
	for _, f := range fragments {
		b.WriteString(f.LogData)
	}
	return b.String()
}

// Delete removes every fragment belonging to the given jobs.
func (s *Store) Delete(ctx context.Context, jobIDs []uuid.UUID) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Where("job_id IN ?", jobIDs).Delete(&models.LogFragment{})
	return result.RowsAffected, result.Error
}
