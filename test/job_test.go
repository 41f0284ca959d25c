//go:build integration

package test

import (
	"context"

	"github.com/caesium-cloud/fleetline/pkg/client"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *IntegrationTestSuite) TestSubmitAndCancel() {
	ctx := context.Background()
	queue := "integration-" + uuid.NewString()

	id, err := s.client.SubmitJob(ctx, map[string]any{
		"job_queue": queue,
		"test_data": map[string]any{"test_cmds": "echo hello"},
	})
	require.NoError(s.T(), err)

	state, err := s.client.JobState(ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "waiting", state)

	pos, err := s.client.Position(ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0, pos)

	require.NoError(s.T(), s.client.CancelJob(ctx, id))
	require.ErrorIs(s.T(), s.client.CancelJob(ctx, id), client.ErrAlreadyTerminal)

	job, err := s.client.Poll(ctx, []string{queue})
	require.NoError(s.T(), err)
	assert.Nil(s.T(), job)
}

func (s *IntegrationTestSuite) TestPollClaimsOnce() {
	ctx := context.Background()
	queue := "integration-" + uuid.NewString()

	id, err := s.client.SubmitJob(ctx, map[string]any{"job_queue": queue})
	require.NoError(s.T(), err)

	job, err := s.client.Poll(ctx, []string{queue})
	require.NoError(s.T(), err)
	require.NotNil(s.T(), job)
	assert.Equal(s.T(), id, job.ID)

	again, err := s.client.Poll(ctx, []string{queue})
	require.NoError(s.T(), err)
	assert.Nil(s.T(), again)

	require.NoError(s.T(), s.client.PostResult(ctx, id, map[string]any{"job_state": "completed"}))
}
