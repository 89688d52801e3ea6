package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merlab/mer-backend/pkg/models"
)

// runStoreSuite exercises behaviour every backend must share
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("SubmitAndGet", func(t *testing.T) {
		testSubmitAndGet(t, newStore(t))
	})
	t.Run("Dedup", func(t *testing.T) {
		testDedup(t, newStore(t))
	})
	t.Run("Quota", func(t *testing.T) {
		testQuota(t, newStore(t))
	})
	t.Run("Transition", func(t *testing.T) {
		testTransition(t, newStore(t))
	})
	t.Run("ChildRecords", func(t *testing.T) {
		testChildRecords(t, newStore(t))
	})
	t.Run("Purge", func(t *testing.T) {
		testPurge(t, newStore(t))
	})
	t.Run("DeleteJob", func(t *testing.T) {
		testDeleteJob(t, newStore(t))
	})
	t.Run("ConcurrentSubmit", func(t *testing.T) {
		testConcurrentSubmit(t, newStore(t))
	})
}

var anon = models.Submitter{IP: "1.2.3.4"}

func testSubmitAndGet(t *testing.T, s Store) {
	ctx := context.Background()

	job, err := s.Submit(ctx, "abc123", anon, "https://www.youtube.com/watch?v=abc123")
	require.NoError(t, err)
	assert.NotZero(t, job.ID)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	got, err := s.GetJobByExternalID(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, anon, got.Submitter)
	assert.Nil(t, got.Classification)

	byID, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc123", byID.ExternalID)

	_, err = s.GetJobByExternalID(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = s.Submit(ctx, "other1", models.Submitter{}, "")
	assert.ErrorIs(t, err, ErrInvalidSubmitter)
	_, err = s.Submit(ctx, "other1", models.Submitter{UserID: "u", IP: "1.1.1.1"}, "")
	assert.ErrorIs(t, err, ErrInvalidSubmitter)
}

func testDedup(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Submit(ctx, "X", models.Submitter{UserID: "A"}, "")
	require.NoError(t, err)

	_, err = s.Submit(ctx, "X", models.Submitter{UserID: "B"}, "")
	require.Error(t, err)
	assert.True(t, IsDuplicate(err), "expected duplicate error, got %v", err)

	jobs, err := s.ListJobs(ctx, models.JobStatusQueued, models.JobStatusProcessing)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	// Once terminal, the same song may be submitted again
	changed, err := s.Transition(ctx, "X", models.JobStatusError, nil)
	require.NoError(t, err)
	require.True(t, changed)

	again, err := s.Submit(ctx, "X", models.Submitter{UserID: "B"}, "")
	require.NoError(t, err)

	latest, err := s.GetJobByExternalID(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, again.ID, latest.ID)
}

func testQuota(t *testing.T, s Store) {
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		_, err := s.Submit(ctx, id, anon, "")
		require.NoError(t, err)
	}

	_, err := s.Submit(ctx, "s4", anon, "")
	require.Error(t, err)
	assert.True(t, IsQuota(err), "expected quota error, got %v", err)

	// Failed jobs still count until they are purged
	_, err = s.Transition(ctx, "s2", models.JobStatusError, nil)
	require.NoError(t, err)
	_, err = s.Submit(ctx, "s4", anon, "")
	require.Error(t, err)
	var qerr *QuotaError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, 3, qerr.Active)

	// Processed jobs no longer count against the quota
	_, err = s.Transition(ctx, "s1", models.JobStatusProcessed, nil)
	require.NoError(t, err)
	_, err = s.Submit(ctx, "s4", anon, "")
	require.NoError(t, err)

	// Authenticated callers get a larger allowance
	user := models.Submitter{UserID: "42"}
	for i, id := range []string{"u1", "u2", "u3", "u4", "u5", "u6"} {
		_, err := s.Submit(ctx, id, user, "")
		require.NoError(t, err, "submission %d", i)
	}
	_, err = s.Submit(ctx, "u7", user, "")
	assert.True(t, IsQuota(err))
}

func testTransition(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Submit(ctx, "t1", anon, "")
	require.NoError(t, err)

	changed, err := s.Transition(ctx, "t1", models.JobStatusProcessing, nil)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Transition(ctx, "t1", models.JobStatusProcessing, nil)
	require.NoError(t, err)
	assert.False(t, changed, "second move to processing must be a no-op")

	happy := "Happy"
	changed, err = s.Transition(ctx, "t1", models.JobStatusProcessed, &happy)
	require.NoError(t, err)
	assert.True(t, changed)

	job, err := s.GetJobByExternalID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessed, job.Status)
	require.NotNil(t, job.Classification)
	assert.Equal(t, "Happy", *job.Classification)

	// Terminal jobs never move again
	changed, err = s.Transition(ctx, "t1", models.JobStatusError, nil)
	require.NoError(t, err)
	assert.False(t, changed)

	job, err = s.GetJobByExternalID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessed, job.Status)

	changed, err = s.Transition(ctx, "missing", models.JobStatusProcessing, nil)
	require.NoError(t, err)
	assert.False(t, changed)
}

func testChildRecords(t *testing.T, s Store) {
	ctx := context.Background()

	job, err := s.Submit(ctx, "c1", anon, "")
	require.NoError(t, err)

	require.NoError(t, s.AppendLog(ctx, "c1", models.LogEntry{Service: "separator", Stage: "separation", Message: "started"}))
	require.NoError(t, s.AppendLog(ctx, "c1", models.LogEntry{Service: "separator", Message: "done"}))

	require.NoError(t, s.AppendSegment(ctx, "c1", models.Segment{Start: 30, End: 60, Emotion: "Sad"}))
	require.NoError(t, s.AppendSegment(ctx, "c1", models.Segment{Start: 0, End: 30, Emotion: "Happy"}))

	fb, err := s.AddFeedback(ctx, "c1", models.Feedback{Submitter: anon, Agrees: false, SuggestedEmotion: "Calm"})
	require.NoError(t, err)
	assert.NotZero(t, fb.ID)

	logs, err := s.ListLogs(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "separation", logs[0].Stage)
	assert.Equal(t, "done", logs[1].Message)

	segments, err := s.ListSegments(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, segments, 2)

	feedback, err := s.ListFeedback(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, feedback, 1)
	assert.Equal(t, "Calm", feedback[0].SuggestedEmotion)
	assert.Equal(t, anon, feedback[0].Submitter)

	assert.ErrorIs(t, s.AppendLog(ctx, "nope", models.LogEntry{Service: "x", Message: "y"}), ErrJobNotFound)
}

func testPurge(t *testing.T, s Store) {
	ctx := context.Background()

	// Mixed statuses with child rows on the ones being purged
	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := s.Submit(ctx, id, models.Submitter{UserID: id}, "https://youtu.be/"+id)
		require.NoError(t, err)
		require.NoError(t, s.AppendLog(ctx, id, models.LogEntry{Service: "svc", Message: "m"}))
		require.NoError(t, s.AppendSegment(ctx, id, models.Segment{Start: 0, End: 1, Emotion: "Happy"}))
		_, err = s.AddFeedback(ctx, id, models.Feedback{Submitter: anon, Agrees: true})
		require.NoError(t, err)
	}
	_, err := s.Transition(ctx, "p1", models.JobStatusError, nil)
	require.NoError(t, err)
	_, err = s.Transition(ctx, "p2", models.JobStatusError, nil)
	require.NoError(t, err)

	deleted, err := s.Purge(ctx, models.JobStatusError)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	remaining, err := s.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "p3", remaining[0].ExternalID)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[models.JobStatusError])
	assert.Equal(t, 1, counts[models.JobStatusQueued])

	deleted, err = s.Purge(ctx, models.JobStatusCancelled)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	require.NoError(t, s.Vacuum(ctx))
}

func testDeleteJob(t *testing.T, s Store) {
	ctx := context.Background()

	job, err := s.Submit(ctx, "d1", anon, "https://youtu.be/d1")
	require.NoError(t, err)
	require.NoError(t, s.AppendLog(ctx, "d1", models.LogEntry{Service: "svc", Message: "m"}))

	require.NoError(t, s.DeleteJob(ctx, job.ID))
	_, err = s.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, s.DeleteJob(ctx, job.ID), ErrJobNotFound)

	// The slot is free again
	_, err = s.Submit(ctx, "d1", anon, "")
	require.NoError(t, err)
}

func testConcurrentSubmit(t *testing.T, s Store) {
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Submit(ctx, "race", models.Submitter{UserID: string(rune('a' + i))}, "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var ok, dup int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case IsDuplicate(err):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, dup)
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(Config{Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, s.HealthCheck(context.Background()))
	require.NoError(t, s.Close())

	_, err = NewStore(Config{Type: "oracle"})
	assert.ErrorIs(t, err, ErrUnsupportedDatabase)

	_, err = NewStore(Config{Type: "postgres"})
	assert.Error(t, err)
}

func TestQuotaLimit(t *testing.T) {
	q := DefaultQuota()
	assert.Equal(t, 6, q.Limit(models.Submitter{UserID: "u"}))
	assert.Equal(t, 3, q.Limit(models.Submitter{IP: "1.2.3.4"}))
}
