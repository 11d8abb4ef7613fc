package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omrchecker/omrd/app/store/enums"
)

func TestJobRepo_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := makeOperator(t, s)
	job := makeJob(t, s, op.ID, 3)

	got, err := s.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, op.ID, got.OperatorID)
	assert.Equal(t, enums.JobPending, got.Status)
	assert.Equal(t, 3, got.TotalSheets)
	assert.Equal(t, 0, got.ProcessedSheets)
	assert.Equal(t, enums.CallbackNotSent, got.CallbackStatus)
	assert.Nil(t, got.CompletedAt)
	assert.WithinDuration(t, job.CreatedAt, got.CreatedAt, time.Second)

	_, err = s.Jobs.Get(ctx, "no-such-job")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobRepo_ListByOperator(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := makeOperator(t, s)
	other := makeOperator(t, s)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Jobs.Create(ctx, ParsingJob{
			ID:             "job_" + string(rune('a'+i)),
			OperatorID:     op.ID,
			Status:         enums.JobPending,
			CallbackStatus: enums.CallbackNotSent,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}
	makeJob(t, s, other.ID, 1)

	jobs, err := s.Jobs.ListByOperator(ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	// newest first
	assert.Equal(t, "job_c", jobs[0].ID)
	assert.Equal(t, "job_b", jobs[1].ID)
	assert.Equal(t, "job_a", jobs[2].ID)
}

func TestJobRepo_UpdateStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := makeOperator(t, s)
	job := makeJob(t, s, op.ID, 1)

	require.NoError(t, s.Jobs.UpdateStatus(ctx, job.ID, enums.JobProcessing, nil))
	got, err := s.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobProcessing, got.Status)
	assert.Nil(t, got.CompletedAt)

	completed := time.Now().UTC()
	require.NoError(t, s.Jobs.UpdateStatus(ctx, job.ID, enums.JobCompleted, &completed))
	got, err = s.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, completed, *got.CompletedAt, time.Second)

	assert.ErrorIs(t, s.Jobs.UpdateStatus(ctx, "no-such-job", enums.JobFailed, nil), ErrNotFound)
}

func TestJobRepo_IncrementProcessed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := makeOperator(t, s)
	job := makeJob(t, s, op.ID, 2)

	count, err := s.Jobs.IncrementProcessed(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = s.Jobs.IncrementProcessed(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = s.Jobs.IncrementProcessed(ctx, "no-such-job")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobRepo_IncrementProcessedConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := makeOperator(t, s)
	job := makeJob(t, s, op.ID, 50)

	// no lost updates regardless of how many contexts bump the counter
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Jobs.IncrementProcessed(ctx, job.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.ProcessedSheets)
}

func TestJobRepo_PendingCallbacks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := makeOperator(t, s)

	base := time.Now().UTC()
	mk := func(id string, status enums.JobStatus, cb enums.CallbackStatus, completedOffset time.Duration) {
		job := ParsingJob{
			ID: id, OperatorID: op.ID, Status: enums.JobPending,
			CallbackStatus: enums.CallbackNotSent, CreatedAt: base,
		}
		require.NoError(t, s.Jobs.Create(ctx, job))
		var completedAt *time.Time
		if status.Terminal() {
			ts := base.Add(completedOffset)
			completedAt = &ts
		}
		require.NoError(t, s.Jobs.UpdateStatus(ctx, id, status, completedAt))
		require.NoError(t, s.Jobs.UpdateCallbackStatus(ctx, id, cb))
	}

	mk("job_newer", enums.JobCompleted, enums.CallbackNotSent, 2*time.Hour)
	mk("job_older", enums.JobCompleted, enums.CallbackNotSent, time.Hour)
	mk("job_sent", enums.JobCompleted, enums.CallbackSent, time.Hour)
	mk("job_failed_status", enums.JobFailed, enums.CallbackNotSent, time.Hour)
	mk("job_running", enums.JobProcessing, enums.CallbackNotSent, 0)

	pending, err := s.Jobs.PendingCallbacks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	// oldest completion first
	assert.Equal(t, "job_older", pending[0].ID)
	assert.Equal(t, "job_newer", pending[1].ID)
}

func TestJobRepo_ListByCallbackStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := makeOperator(t, s)

	job := makeJob(t, s, op.ID, 1)
	require.NoError(t, s.Jobs.UpdateCallbackStatus(ctx, job.ID, enums.CallbackFailed))
	makeJob(t, s, op.ID, 1)

	failed, err := s.Jobs.ListByCallbackStatus(ctx, enums.CallbackFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, job.ID, failed[0].ID)
}

func TestJobRepo_Update(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := makeOperator(t, s)
	job := makeJob(t, s, op.ID, 2)

	job.Status = enums.JobProcessing
	job.ProcessedSheets = 1
	require.NoError(t, s.Jobs.Update(ctx, job))

	got, err := s.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.JobProcessing, got.Status)
	assert.Equal(t, 1, got.ProcessedSheets)
}
