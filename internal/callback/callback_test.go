package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caesium-cloud/fleetline/internal/event"
	"github.com/caesium-cloud/fleetline/internal/lifecycle"
	"github.com/caesium-cloud/fleetline/internal/queue"
	"github.com/caesium-cloud/fleetline/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestDispatchPostsStatusUpdate(t *testing.T) {
	db := testutil.OpenTestDB(t)
	store := queue.NewStore(db)

	received := make(chan StatusUpdate, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() { _ = r.Body.Close() }()
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, userAgent, r.Header.Get("User-Agent"))

		var update StatusUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		received <- update
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	id, err := store.Enqueue(context.Background(), map[string]any{
		"job_queue":          "rpi4",
		"job_status_webhook": server.URL,
	})
	require.NoError(t, err)

	d := NewDispatcher(store)
	require.NoError(t, d.Dispatch(context.Background(), event.Event{
		Name:      lifecycle.PhaseProvision.Success(),
		JobID:     id,
		Timestamp: time.Now().UTC(),
	}))

	update := <-received
	require.Equal(t, id, update.JobID)
	require.Equal(t, "rpi4", update.JobQueue)
	require.Len(t, update.Events, 1)
	require.Equal(t, lifecycle.Event("provision_success"), update.Events[0].Name)
	require.Equal(t, "rpi4", update.Events[0].Queue)
}

func TestDispatchWithoutWebhookIsNoop(t *testing.T) {
	db := testutil.OpenTestDB(t)
	store := queue.NewStore(db)

	id, err := store.Enqueue(context.Background(), map[string]any{"job_queue": "rpi4"})
	require.NoError(t, err)

	require.NoError(t, NewDispatcher(store).Dispatch(context.Background(), event.Event{Name: lifecycle.EventJobStart, JobID: id}))
}

func TestDispatchUnknownJob(t *testing.T) {
	db := testutil.OpenTestDB(t)
	err := NewDispatcher(queue.NewStore(db)).Dispatch(context.Background(), event.Event{Name: lifecycle.EventJobStart, JobID: uuid.New()})
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestDispatchRetriesServerErrors(t *testing.T) {
	db := testutil.OpenTestDB(t)
	store := queue.NewStore(db)

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	id, err := store.Enqueue(context.Background(), map[string]any{"job_queue": "q", "job_status_webhook": server.URL})
	require.NoError(t, err)

	d := NewDispatcher(store)
	d.WithRetry(3, time.Millisecond)
	require.NoError(t, d.Dispatch(context.Background(), event.Event{Name: lifecycle.EventJobEnd, JobID: id}))
	require.EqualValues(t, 2, calls.Load())
}

func TestDispatchDoesNotRetryClientErrors(t *testing.T) {
	db := testutil.OpenTestDB(t)
	store := queue.NewStore(db)

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "gone", http.StatusGone)
	}))
	defer server.Close()

	id, err := store.Enqueue(context.Background(), map[string]any{"job_queue": "q", "job_status_webhook": server.URL})
	require.NoError(t, err)

	d := NewDispatcher(store)
	d.WithRetry(3, time.Millisecond)
	err = d.Dispatch(context.Background(), event.Event{Name: lifecycle.EventJobEnd, JobID: id})

	var status *StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusGone, status.Code)
	require.EqualValues(t, 1, calls.Load())
}

func TestRunForwardsBusEvents(t *testing.T) {
	db := testutil.OpenTestDB(t)
	store := queue.NewStore(db)

	received := make(chan StatusUpdate, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var update StatusUpdate
		_ = json.NewDecoder(r.Body).Decode(&update)
		received <- update
	}))
	defer server.Close()

	id, err := store.Enqueue(context.Background(), map[string]any{"job_queue": "q", "job_status_webhook": server.URL})
	require.NoError(t, err)

	bus := event.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewDispatcher(store).Run(ctx, bus) }()

	require.Eventually(t, func() bool {
		bus.Publish(event.Event{Name: lifecycle.EventJobStart, JobID: id})
		select {
		case update := <-received:
			return update.JobID == id
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
