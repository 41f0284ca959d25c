package job

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitReadsYAMLFromStdin(t *testing.T) {
	id := uuid.New()
	var received map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/job", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": id.String()})
	}))
	defer server.Close()

	var out bytes.Buffer
	Cmd.SetOut(&out)
	Cmd.SetIn(strings.NewReader("job_queue: rpi4\ntest_data:\n  test_cmds: |\n    uname -a\n"))
	Cmd.SetArgs([]string{"submit", "-", "--server", server.URL})

	require.NoError(t, Cmd.Execute())
	assert.Equal(t, id.String()+"\n", out.String())
	assert.Equal(t, "rpi4", received["job_queue"])
	assert.Equal(t, map[string]any{"test_cmds": "uname -a\n"}, received["test_data"])
}

func TestCancelAlreadyFinished(t *testing.T) {
	id := uuid.New()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "job is already in a terminal state", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	var out bytes.Buffer
	Cmd.SetOut(&out)
	Cmd.SetArgs([]string{"cancel", id.String(), "--server", server.URL})

	require.NoError(t, Cmd.Execute())
	assert.Contains(t, out.String(), "already finished")
}
