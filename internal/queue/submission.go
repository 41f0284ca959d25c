package queue

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// submission is the typed view of the job_data fields the queue itself
// depends on. Everything else in job_data is opaque to the queue.
type submission struct {
	JobQueue          string `json:"job_queue" validate:"required"`
	ParentJobID       string `json:"parent_job_id" validate:"omitempty,uuid"`
	AttachmentsStatus string `json:"attachments_status" validate:"omitempty,oneof=waiting complete"`
	JobStatusWebhook  string `json:"job_status_webhook" validate:"omitempty,url"`
	ClientID          string `json:"client_id"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func decodeSubmission(v *validator.Validate, data map[string]any) (*submission, error) {
	if data == nil {
		return nil, &ValidationError{Reason: "job data is required"}
	}

	sub := &submission{}
	fields := map[string]*string{
		"job_queue":          &sub.JobQueue,
		"parent_job_id":      &sub.ParentJobID,
		"attachments_status": &sub.AttachmentsStatus,
		"job_status_webhook": &sub.JobStatusWebhook,
		"client_id":          &sub.ClientID,
	}
	for key, dst := range fields {
		raw, ok := data[key]
		if !ok || raw == nil {
			continue
		}
		str, ok := raw.(string)
		if !ok {
			return nil, &ValidationError{Field: key, Reason: fmt.Sprintf("must be a string, got %T", raw)}
		}
		*dst = strings.TrimSpace(str)
	}

	for _, key := range []string{"provision_data", "firmware_update_data", "test_data", "allocate_data", "reserve_data"} {
		if raw, ok := data[key]; ok && raw != nil {
			if _, isMap := raw.(map[string]any); !isMap {
				return nil, &ValidationError{Field: key, Reason: "must be an object"}
			}
		}
	}

	if err := v.Struct(sub); err != nil {
		return nil, fromValidator(err)
	}
	return sub, nil
}
