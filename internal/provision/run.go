package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/caesium-cloud/fleetline/internal/lifecycle"
	"github.com/caesium-cloud/fleetline/internal/metrics"
	"github.com/caesium-cloud/fleetline/pkg/log"
)

// ErrorRecord describes a failed stage in the error record file.
type ErrorRecord struct {
	Name    string  `json:"exception_name"`
	Message string  `json:"exception_message"`
	Cause   *string `json:"exception_cause"`
}

// ErrorRecordKey is the key a phase's record is stored under.
func ErrorRecordKey(phase lifecycle.Phase) string {
	return string(phase) + "_exception_info"
}

// Run executes the stage for phase and returns its exit code. On failure
// the error is recorded in errorFile when it is set.
func Run(ctx context.Context, d Driver, phase lifecycle.Phase, stage *Stage, errorFile string) int {
	code, _ := Invoke(ctx, d, phase, stage, errorFile)
	return code
}

// Invoke is Run for callers that also need the stage error.
func Invoke(ctx context.Context, d Driver, phase lifecycle.Phase, stage *Stage, errorFile string) (code int, err error) {
	start := time.Now()
	defer func() {
		metrics.StageExitsTotal.WithLabelValues(string(phase), strconv.Itoa(code)).Inc()
		metrics.StageDurationSeconds.WithLabelValues(string(phase)).Observe(time.Since(start).Seconds())
	}()

	fn, err := StageFunc(d, phase)
	if err != nil {
		err = NewProvisioningError("invalid stage", err)
	} else {
		err = call(ctx, fn, stage)
	}

	code = ExitCode(err)
	if err == nil {
		return code, nil
	}

	var exit *ExitError
	if errors.As(err, &exit) {
		log.Info("stage commands exited non-zero", "phase", phase, "exit_code", code)
		return code, err
	}

	log.Error("stage failed", "phase", phase, "exit_code", code, "error", err)
	if errorFile != "" {
		if werr := WriteErrorRecord(errorFile, phase, err); werr != nil {
			log.Error("failed to write error record", "path", errorFile, "error", werr)
		}
	}
	return code, err
}

func call(ctx context.Context, fn func(context.Context, *Stage) error, stage *Stage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewProvisioningError("stage panicked", fmt.Errorf("%v", r))
		}
	}()
	return fn(ctx, stage)
}

// NewErrorRecord describes err.
func NewErrorRecord(err error) ErrorRecord {
	record := ErrorRecord{Name: errorName(err), Message: err.Error()}
	if cause := errors.Unwrap(err); cause != nil {
		msg := cause.Error()
		record.Cause = &msg
	}
	return record
}

func errorName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}

// WriteErrorRecord adds the record for phase to the JSON object in path,
// creating the file when needed.
func WriteErrorRecord(path string, phase lifecycle.Phase, err error) error {
	records, rerr := ReadErrorRecords(path)
	if rerr != nil {
		return rerr
	}
	records[ErrorRecordKey(phase)] = NewErrorRecord(err)

	buf, merr := json.MarshalIndent(records, "", "  ")
	if merr != nil {
		return fmt.Errorf("encode error record: %w", merr)
	}
	return os.WriteFile(path, buf, 0o644)
}

// ReadErrorRecords loads the records in path. A missing file yields an
// empty set.
func ReadErrorRecords(path string) (map[string]ErrorRecord, error) {
	records := make(map[string]ErrorRecord)
	buf, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return records, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read error record: %w", err)
	}
	if len(buf) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(buf, &records); err != nil {
		return nil, fmt.Errorf("decode error record %s: %w", path, err)
	}
	return records, nil
}
