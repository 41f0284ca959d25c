package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	opts = append([]Option{WithRetry(3, time.Millisecond)}, opts...)
	c, err := New(ts.URL, opts...)
	require.NoError(t, err)
	return c
}

func TestNewRequiresAbsoluteURL(t *testing.T) {
	_, err := New("localhost:8080")
	require.Error(t, err)

	_, err = New("http://localhost:8080")
	require.NoError(t, err)
}

func TestSubmitJob(t *testing.T) {
	id := uuid.New()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/job", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "q1", body["job_queue"])

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": id.String()})
	})

	got, err := c.SubmitJob(context.Background(), map[string]any{"job_queue": "q1"})
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestSubmitJobDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "job_queue is required", http.StatusBadRequest)
	})

	_, err := c.SubmitJob(context.Background(), map[string]any{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "job_queue is required")
	require.EqualValues(t, 1, calls.Load())
}

func TestRetriesServerErrorsOnReads(t *testing.T) {
	var calls atomic.Int32
	id := uuid.New()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"job_state": "test"})
	})

	state, err := c.JobState(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "test", state)
	require.EqualValues(t, 3, calls.Load())
}

// dropFirst closes the first connection without a response, as when the
// server commits and the connection drops before it replies.
func dropFirst(t *testing.T, calls *atomic.Int32, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		h(w, r)
	}
}

func TestSubmitJobIsSentOnce(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, dropFirst(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": uuid.NewString()})
	}))

	_, err := c.SubmitJob(context.Background(), map[string]any{"job_queue": "q1"})
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())
}

func TestPollIsSentOnce(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, dropFirst(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"job_id": uuid.NewString(), "job_queue": "a"})
	}))

	job, err := c.Poll(context.Background(), []string{"a"})
	require.Error(t, err)
	require.Nil(t, job)
	require.EqualValues(t, 1, calls.Load())
}

func TestAppendsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	id := uuid.New()
	ctx := context.Background()

	require.Error(t, c.PostLog(ctx, id, "output", LogFragment{FragmentNumber: 0, Phase: "test", LogData: "x"}))
	require.Error(t, c.PostEvents(ctx, id, []Event{{Name: "job_start", Timestamp: time.Now()}}))
	require.Error(t, c.CancelJob(ctx, id))
	require.EqualValues(t, 3, calls.Load())
}

func TestPoll(t *testing.T) {
	id := uuid.New()
	var empty atomic.Bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/job", r.URL.Path)
		require.Equal(t, []string{"a", "b"}, r.URL.Query()["queue"])
		require.Equal(t, "agent-1", r.Header.Get("X-Agent-ID"))
		if empty.Load() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"job_id": id.String(), "job_queue": "a"})
	}, WithAgentID("agent-1"))

	job, err := c.Poll(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
	require.Equal(t, map[string]any{"job_queue": "a"}, job.Data)

	empty.Store(true)
	job, err = c.Poll(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestCancelJobMapsStatus(t *testing.T) {
	terminal, missing, ok := uuid.New(), uuid.New(), uuid.New()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "cancel", body["action"])

		switch r.URL.Path {
		case "/v1/job/" + terminal.String() + "/action":
			http.Error(w, "job already completed", http.StatusUnprocessableEntity)
		case "/v1/job/" + missing.String() + "/action":
			http.Error(w, "not found", http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})

	require.ErrorIs(t, c.CancelJob(context.Background(), terminal), ErrAlreadyTerminal)
	require.ErrorIs(t, c.CancelJob(context.Background(), missing), ErrNotFound)
	require.NoError(t, c.CancelJob(context.Background(), ok))
}

func TestResultRoundTrip(t *testing.T) {
	id := uuid.New()
	var posted map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/result/"+id.String(), r.URL.Path)
		if r.Method == http.MethodPost {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
			_ = json.NewEncoder(w).Encode("OK")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"job_state": "allocated", "device_info": map[string]any{"device_ip": "10.0.0.1"}})
	})

	require.NoError(t, c.PostResult(context.Background(), id, map[string]any{"status": map[string]any{"test": 0}}))
	require.Equal(t, map[string]any{"status": map[string]any{"test": float64(0)}}, posted)

	state, err := c.JobState(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "allocated", state)
}

func TestLogs(t *testing.T) {
	id := uuid.New()
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/result/"+id.String()+"/log/serial", r.URL.Path)
		if r.Method == http.MethodPost {
			var f LogFragment
			require.NoError(t, json.NewDecoder(r.Body).Decode(&f))
			require.Equal(t, 4, f.FragmentNumber)
			require.Equal(t, "provision", f.Phase)
			w.WriteHeader(http.StatusOK)
			return
		}
		require.Equal(t, "provision", r.URL.Query().Get("phase"))
		require.Equal(t, "2", r.URL.Query().Get("start_fragment"))
		require.Equal(t, ts.Format(time.RFC3339Nano), r.URL.Query().Get("start_timestamp"))
		_ = json.NewEncoder(w).Encode([]LogFragment{{FragmentNumber: 2, Phase: "provision", LogData: "boot\n", Timestamp: ts}})
	})

	require.NoError(t, c.PostLog(context.Background(), id, "serial", LogFragment{FragmentNumber: 4, Phase: "provision", LogData: "x", Timestamp: ts}))

	fragments, err := c.GetLogs(context.Background(), id, "serial", LogQuery{Phase: "provision", StartFragment: 2, StartTimestamp: &ts})
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	require.Equal(t, "boot\n", fragments[0].LogData)
}

func TestPing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy","uptime":1000}`))
	})
	require.NoError(t, c.Ping(context.Background()))
}

func TestPostEvents(t *testing.T) {
	id := uuid.New()
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/v1/job/"+id.String()+"/events", r.URL.Path)
		var body struct {
			Events []Event `json:"events"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Events, 1)
		require.Equal(t, "job_start", body.Events[0].Name)
		w.WriteHeader(http.StatusAccepted)
	})

	require.NoError(t, c.PostEvents(context.Background(), id, nil))
	require.EqualValues(t, 0, calls.Load())
	require.NoError(t, c.PostEvents(context.Background(), id, []Event{{Name: "job_start", Timestamp: time.Now()}}))
	require.EqualValues(t, 1, calls.Load())
}
