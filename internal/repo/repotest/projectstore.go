// Package repotest — общий набор тестов для реализаций repo.ProjectStore.
package repotest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clock_testing "k8s.io/utils/clock/testing"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/repo"
)

// Factory создаёт пустое хранилище, использующее указанные часы.
type Factory func(t *testing.T, clk clock.PassiveClock) repo.ProjectStore

var epoch = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

// RunProjectStoreTest прогоняет набор тестов, каждый на новом хранилище.
func RunProjectStoreTest(t *testing.T, factory Factory) {
	tests := map[string]func(t *testing.T, store repo.ProjectStore, clk *clock_testing.FakePassiveClock){
		"CreateAndGet":       testCreateAndGet,
		"UpdateStatus":       testUpdateStatus,
		"AppendCost":         testAppendCost,
		"AppendCostParallel": testAppendCostParallel,
		"StageResults":       testStageResults,
		"FailProject":        testFailProject,
		"FailProjectRace":    testFailProjectRace,
		"ListProjects":       testListProjects,
		"ListStale":          testListStale,
		"DeadLetters":        testDeadLetters,
		"UnknownProject":     testUnknownProject,
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			clk := clock_testing.NewFakePassiveClock(epoch)
			test(t, factory(t, clk), clk)
		})
	}
}

func testCreateAndGet(t *testing.T, store repo.ProjectStore, clk *clock_testing.FakePassiveClock) {
	ctx := context.Background()

	created, err := store.CreateProject(ctx, map[string]any{
		"topic":             "Go generics",
		"target_word_count": 1500,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, domain.StatusCreated, created.Status)
	assert.Equal(t, created.ID.String(), created.CorrelationID)

	got, err := store.GetProject(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, domain.StatusCreated, got.Status)
	assert.Equal(t, created.CorrelationID, got.CorrelationID)
	assert.Equal(t, "Go generics", got.Input["topic"])
	assert.EqualValues(t, 1500, got.Input["target_word_count"])
	assert.WithinDuration(t, epoch, got.CreatedAt, time.Millisecond)
	assert.WithinDuration(t, epoch, got.UpdatedAt, time.Millisecond)
	assert.Empty(t, got.StageResults)
	assert.Empty(t, got.Costs)
	assert.Empty(t, got.Errors)

	// Пустой input сохраняется как пустой объект.
	empty, err := store.CreateProject(ctx, nil)
	require.NoError(t, err)
	got, err = store.GetProject(ctx, empty.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.Input)
	assert.Empty(t, got.Input)
}

func testUpdateStatus(t *testing.T, store repo.ProjectStore, clk *clock_testing.FakePassiveClock) {
	ctx := context.Background()

	p, err := store.CreateProject(ctx, map[string]any{"topic": "x"})
	require.NoError(t, err)

	steps := []struct {
		status  domain.Status
		changed bool
	}{
		{domain.StatusResearch, true},
		{domain.StatusResearch, false},
		{domain.StatusEditing, true},
		{domain.StatusGenerating, false},
		{domain.StatusSEOOptimization, true},
		{domain.StatusCompleted, true},
		{domain.StatusFailed, false},
		{domain.StatusCompleted, false},
	}
	for _, s := range steps {
		clk.SetTime(clk.Now().Add(time.Second))
		changed, err := store.UpdateStatus(ctx, p.ID, s.status)
		require.NoError(t, err, s.status)
		assert.Equal(t, s.changed, changed, s.status)
	}

	got, err := store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	// updated_at сдвигается только реальными переходами.
	assert.WithinDuration(t, epoch.Add(6*time.Second), got.UpdatedAt, time.Millisecond)

	_, err = store.UpdateStatus(ctx, p.ID, domain.StatusCreated)
	require.ErrorIs(t, err, repo.ErrInvalidState)
	_, err = store.UpdateStatus(ctx, p.ID, domain.Status("PUBLISHING"))
	require.ErrorIs(t, err, repo.ErrInvalidState)

	// FAILED поглощает последующие этапы.
	q, err := store.CreateProject(ctx, nil)
	require.NoError(t, err)
	changed, err := store.UpdateStatus(ctx, q.ID, domain.StatusGenerating)
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = store.UpdateStatus(ctx, q.ID, domain.StatusFailed)
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = store.UpdateStatus(ctx, q.ID, domain.StatusEditing)
	require.NoError(t, err)
	assert.False(t, changed)
	changed, err = store.UpdateStatus(ctx, q.ID, domain.StatusFailed)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err = store.GetProject(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
}

func testAppendCost(t *testing.T, store repo.ProjectStore, clk *clock_testing.FakePassiveClock) {
	ctx := context.Background()

	p, err := store.CreateProject(ctx, nil)
	require.NoError(t, err)

	applied, err := store.AppendCost(ctx, p.ID, domain.StatusResearch, 0.5, "msg-1")
	require.NoError(t, err)
	assert.True(t, applied)

	clk.SetTime(epoch.Add(time.Minute))
	applied, err = store.AppendCost(ctx, p.ID, domain.StatusResearch, 0.5, "msg-1")
	require.NoError(t, err)
	assert.False(t, applied, "same dedup key must not be applied twice")

	applied, err = store.AppendCost(ctx, p.ID, domain.StatusResearch, 0.25, "msg-2")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.AppendCost(ctx, p.ID, domain.StatusGenerating, 1, "msg-3")
	require.NoError(t, err)
	assert.True(t, applied)

	// Пустой ключ не дедуплицируется.
	for range 2 {
		applied, err = store.AppendCost(ctx, p.ID, domain.StatusEditing, 0.125, "")
		require.NoError(t, err)
		assert.True(t, applied)
	}

	_, err = store.AppendCost(ctx, p.ID, domain.StatusEditing, -1, "msg-4")
	require.ErrorIs(t, err, repo.ErrInvalidArgument)

	got, err := store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got.Costs[domain.StatusResearch], 1e-9)
	assert.InDelta(t, 1.0, got.Costs[domain.StatusGenerating], 1e-9)
	assert.InDelta(t, 0.25, got.Costs[domain.StatusEditing], 1e-9)
	assert.InDelta(t, 2.0, got.TotalCost(), 1e-9)
	assert.WithinDuration(t, epoch.Add(time.Minute), got.UpdatedAt, time.Millisecond)
}

func testAppendCostParallel(t *testing.T, store repo.ProjectStore, clk *clock_testing.FakePassiveClock) {
	ctx := context.Background()

	p, err := store.CreateProject(ctx, nil)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var appliedDup int
	errs := make(chan error, 2*n)

	for i := range n {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := store.AppendCost(ctx, p.ID, domain.StatusResearch, 1, fmt.Sprintf("msg-%d", i))
			errs <- err
		}()
		go func() {
			defer wg.Done()
			applied, err := store.AppendCost(ctx, p.ID, domain.StatusGenerating, 1, "dup")
			if applied {
				mu.Lock()
				appliedDup++
				mu.Unlock()
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	got, err := store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, float64(n), got.Costs[domain.StatusResearch], 1e-9)
	assert.InDelta(t, 1.0, got.Costs[domain.StatusGenerating], 1e-9)
	assert.Equal(t, 1, appliedDup)
}

func testStageResults(t *testing.T, store repo.ProjectStore, clk *clock_testing.FakePassiveClock) {
	ctx := context.Background()

	p, err := store.CreateProject(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, store.SaveStageResult(ctx, p.ID, domain.StatusResearch, map[string]any{"sources": []any{"a"}}))
	require.NoError(t, store.SaveStageResult(ctx, p.ID, domain.StatusGenerating, map[string]any{"draft": "v1"}))
	require.NoError(t, store.SaveStageResult(ctx, p.ID, domain.StatusGenerating, map[string]any{"draft": "v2"}))

	got, err := store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sources": []any{"a"}}, got.StageResults[domain.StatusResearch])
	assert.Equal(t, map[string]any{"draft": "v2"}, got.StageResults[domain.StatusGenerating])

	// Статус не менялся, но результаты говорят, что GENERATING завершён.
	assert.Equal(t, domain.StatusCreated, got.Status)
	assert.Equal(t, domain.StatusGenerating, got.EffectiveStatus())
}

func testFailProject(t *testing.T, store repo.ProjectStore, clk *clock_testing.FakePassiveClock) {
	ctx := context.Background()

	p, err := store.CreateProject(ctx, nil)
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, p.ID, domain.StatusResearch)
	require.NoError(t, err)

	clk.SetTime(epoch.Add(time.Second))
	changed, err := store.FailProject(ctx, p.ID, domain.StatusGenerating, "upstream rejected draft")
	require.NoError(t, err)
	assert.True(t, changed)

	// Повтор для уже упавшего проекта ничего не пишет.
	changed, err = store.FailProject(ctx, p.ID, domain.StatusGenerating, "again")
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "upstream rejected draft", got.Errors[0].Message)
	assert.Equal(t, domain.StatusGenerating, got.Errors[0].Stage)
	assert.WithinDuration(t, epoch.Add(time.Second), got.Errors[0].Timestamp, time.Millisecond)
	assert.WithinDuration(t, epoch.Add(time.Second), got.UpdatedAt, time.Millisecond)
	assert.Equal(t, "upstream rejected draft", got.LastError().Message)

	// Завершённый проект не переводится в FAILED и ошибок не получает.
	done, err := store.CreateProject(ctx, nil)
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, done.ID, domain.StatusCompleted)
	require.NoError(t, err)

	changed, err = store.FailProject(ctx, done.ID, domain.StatusSEOOptimization, "late cancel")
	require.NoError(t, err)
	assert.False(t, changed)

	got, err = store.GetProject(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Empty(t, got.Errors)
}

// testFailProjectRace: отмена против завершения последнего этапа.
// Ошибки остаются только у проекта, который стал FAILED.
func testFailProjectRace(t *testing.T, store repo.ProjectStore, clk *clock_testing.FakePassiveClock) {
	ctx := context.Background()

	for range 20 {
		p, err := store.CreateProject(ctx, nil)
		require.NoError(t, err)
		_, err = store.UpdateStatus(ctx, p.ID, domain.StatusSEOOptimization)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var failed, completed bool
		var failErr, completeErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			failed, failErr = store.FailProject(ctx, p.ID, domain.StatusSEOOptimization, "cancelled")
		}()
		go func() {
			defer wg.Done()
			completed, completeErr = store.UpdateStatus(ctx, p.ID, domain.StatusCompleted)
		}()
		wg.Wait()
		require.NoError(t, failErr)
		require.NoError(t, completeErr)

		// Побеждает ровно один.
		assert.NotEqual(t, failed, completed)

		got, err := store.GetProject(ctx, p.ID)
		require.NoError(t, err)
		if got.Status == domain.StatusFailed {
			assert.True(t, failed)
			assert.Len(t, got.Errors, 1)
		} else {
			assert.Equal(t, domain.StatusCompleted, got.Status)
			assert.Empty(t, got.Errors)
		}
	}
}

func testListProjects(t *testing.T, store repo.ProjectStore, clk *clock_testing.FakePassiveClock) {
	ctx := context.Background()

	var ids []uuid.UUID
	for i := range 3 {
		clk.SetTime(epoch.Add(time.Duration(i) * time.Minute))
		p, err := store.CreateProject(ctx, map[string]any{"n": i})
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	_, err := store.UpdateStatus(ctx, ids[1], domain.StatusResearch)
	require.NoError(t, err)

	all, err := store.ListProjects(ctx, repo.ProjectFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []uuid.UUID{ids[2], ids[1], ids[0]}, projectIDs(all))

	research, err := store.ListProjects(ctx, repo.ProjectFilter{Status: domain.StatusResearch})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ids[1]}, projectIDs(research))

	paged, err := store.ListProjects(ctx, repo.ProjectFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ids[1]}, projectIDs(paged))

	// Список возвращает проект целиком.
	require.NoError(t, store.SaveStageResult(ctx, ids[0], domain.StatusResearch, map[string]any{"ok": true}))
	oldest, err := store.ListProjects(ctx, repo.ProjectFilter{Limit: 1, Offset: 2})
	require.NoError(t, err)
	require.Len(t, oldest, 1)
	assert.Equal(t, true, oldest[0].StageResults[domain.StatusResearch]["ok"])
}

func testListStale(t *testing.T, store repo.ProjectStore, clk *clock_testing.FakePassiveClock) {
	ctx := context.Background()

	a, err := store.CreateProject(ctx, nil)
	require.NoError(t, err)

	clk.SetTime(epoch.Add(time.Minute))
	b, err := store.CreateProject(ctx, nil)
	require.NoError(t, err)

	clk.SetTime(epoch.Add(2 * time.Minute))
	c, err := store.CreateProject(ctx, nil)
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, c.ID, domain.StatusFailed)
	require.NoError(t, err)

	clk.SetTime(epoch.Add(12 * time.Minute))
	cutoff := epoch.Add(7 * time.Minute)

	stale, err := store.ListStale(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.ID, b.ID}, projectIDs(stale))

	_, err = store.UpdateStatus(ctx, a.ID, domain.StatusResearch)
	require.NoError(t, err)

	stale, err = store.ListStale(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b.ID}, projectIDs(stale))

	stale, err = store.ListStale(ctx, clk.Now().Add(time.Second), 1)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b.ID}, projectIDs(stale))
}

func testDeadLetters(t *testing.T, store repo.ProjectStore, clk *clock_testing.FakePassiveClock) {
	ctx := context.Background()

	first := &domain.DeadLetterRecord{
		ID:                domain.DeadLetterID("research-complete-sub", "m-1"),
		OriginalMessageID: "m-1",
		Subscription:      "research-complete-sub",
		Topic:             "research-complete",
		ProjectID:         "p-1",
		Stage:             "GENERATING",
		Data:              `{"project_id":"p-1"}`,
		Attributes:        map[string]string{"message_type": "research-complete"},
		Reason:            "model refused",
		Attempts:          5,
		FailedAt:          epoch,
	}
	second := &domain.DeadLetterRecord{
		ID:                domain.DeadLetterID("editing-complete-sub", "m-2"),
		OriginalMessageID: "m-2",
		Subscription:      "editing-complete-sub",
		Topic:             "editing-complete",
		Data:              `garbage`,
		Reason:            "invalid message",
		Attempts:          1,
		FailedAt:          epoch.Add(time.Minute),
	}

	require.NoError(t, store.SaveDeadLetter(ctx, first))
	require.NoError(t, store.SaveDeadLetter(ctx, second))

	dup := *first
	dup.Reason = "again"
	require.NoError(t, store.SaveDeadLetter(ctx, &dup))

	records, err := store.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second.ID, records[0].ID)
	assert.Equal(t, first.ID, records[1].ID)

	got := records[1]
	assert.Equal(t, "model refused", got.Reason)
	assert.Equal(t, "p-1", got.ProjectID)
	assert.Equal(t, "GENERATING", got.Stage)
	assert.Equal(t, first.Data, got.Data)
	assert.Equal(t, first.Attributes, got.Attributes)
	assert.Equal(t, 5, got.Attempts)
	assert.WithinDuration(t, epoch, got.FailedAt, time.Millisecond)

	limited, err := store.ListDeadLetters(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testUnknownProject(t *testing.T, store repo.ProjectStore, clk *clock_testing.FakePassiveClock) {
	ctx := context.Background()
	id := uuid.New()

	_, err := store.GetProject(ctx, id)
	require.ErrorIs(t, err, repo.ErrNotFound)

	_, err = store.UpdateStatus(ctx, id, domain.StatusResearch)
	require.ErrorIs(t, err, repo.ErrNotFound)

	_, err = store.AppendCost(ctx, id, domain.StatusResearch, 1, "k")
	require.ErrorIs(t, err, repo.ErrNotFound)

	_, err = store.FailProject(ctx, id, domain.StatusResearch, "x")
	require.ErrorIs(t, err, repo.ErrNotFound)
	require.ErrorIs(t, store.SaveStageResult(ctx, id, domain.StatusResearch, nil), repo.ErrNotFound)
}

func projectIDs(projects []domain.Project) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(projects))
	for _, p := range projects {
		out = append(out, p.ID)
	}
	return out
}
