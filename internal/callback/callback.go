// Package callback forwards job lifecycle events to the status webhook a
// job was submitted with.
package callback

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/caesium-cloud/fleetline/internal/event"
	"github.com/caesium-cloud/fleetline/internal/models"
	"github.com/caesium-cloud/fleetline/pkg/log"
	"github.com/google/uuid"
)

const userAgent = "fleetline-webhook"

// StatusUpdate is the webhook payload.
type StatusUpdate struct {
	JobID    uuid.UUID     `json:"job_id"`
	JobQueue string        `json:"job_queue"`
	Events   []event.Event `json:"events"`
}

// JobLookup loads a job by id.
type JobLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// Dispatcher delivers events to job webhooks.
type Dispatcher struct {
	jobs     JobLookup
	notifier *NotificationHandler
	timeout  time.Duration
	attempts uint
	delay    time.Duration
}

// NewDispatcher constructs a Dispatcher that resolves webhooks through jobs.
func NewDispatcher(jobs JobLookup) *Dispatcher {
	if jobs == nil {
		panic("callback dispatcher requires a job lookup")
	}
	return &Dispatcher{
		jobs:     jobs,
		notifier: NewNotificationHandler(nil),
		timeout:  10 * time.Second,
		attempts: 3,
		delay:    time.Second,
	}
}

// WithHTTPClient overrides the HTTP client used for delivery (primarily for tests).
func (d *Dispatcher) WithHTTPClient(client *http.Client) {
	if client == nil {
		return
	}
	d.notifier = NewNotificationHandler(client)
}

// WithRetry overrides delivery retries.
func (d *Dispatcher) WithRetry(attempts uint, delay time.Duration) {
	if attempts > 0 {
		d.attempts = attempts
	}
	d.delay = delay
}

// Run forwards every event published on bus until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, bus event.Bus) error {
	events, err := bus.Subscribe(ctx, event.Filter{})
	if err != nil {
		return fmt.Errorf("subscribe to events: %w", err)
	}

	for e := range events {
		if err := d.Dispatch(ctx, e); err != nil {
			log.Error("failed to deliver job status webhook", "job_id", e.JobID, "event", e.Name, "error", err)
		}
	}
	return nil
}

// Dispatch delivers e to the webhook of its job, if it has one.
func (d *Dispatcher) Dispatch(ctx context.Context, e event.Event) error {
	job, err := d.jobs.Get(ctx, e.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	webhook, _ := job.JobData["job_status_webhook"].(string)
	webhook = strings.TrimSpace(webhook)
	if webhook == "" {
		return nil
	}

	if e.Queue == "" {
		e.Queue = job.Queue
	}
	update := StatusUpdate{
		JobID:    job.ID,
		JobQueue: job.Queue,
		Events:   []event.Event{e},
	}
	cfg := NotificationConfig{URL: webhook, UserAgent: userAgent}

	return retry.Do(
		func() error {
			callCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			return d.notifier.Handle(callCtx, cfg, update)
		},
		retry.Context(ctx),
		retry.Attempts(d.attempts),
		retry.Delay(d.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var status *StatusError
			if errors.As(err, &status) {
				return status.Code >= http.StatusInternalServerError
			}
			return true
		}),
	)
}
