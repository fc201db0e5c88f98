package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/mq"
	"github.com/shaiso/Scribe/internal/stages"
	"github.com/shaiso/Scribe/internal/workflow"
)

type spyExecutor struct {
	calls   atomic.Int32
	payload map[string]any
	result  stages.Result
	err     error
}

func (s *spyExecutor) Execute(ctx context.Context, projectID string, payload map[string]any) (stages.Result, error) {
	s.calls.Add(1)
	s.payload = payload
	return s.result, s.err
}

func mustStep(t *testing.T, stage domain.Status) workflow.Step {
	t.Helper()
	step, err := workflow.StepFor(stage)
	require.NoError(t, err)
	return step
}

func TestHandleStage_ExecutesAndAdvances(t *testing.T) {
	spy := &spyExecutor{result: stages.Result{Output: map[string]any{"draft": "hello"}, Cost: 0.25}}
	h := newHarness(t, map[domain.Status]stages.Executor{domain.StatusGenerating: spy})
	h.setupTopology()
	ctx := context.Background()

	p := h.newProject(domain.StatusResearch)
	id := p.ID.String()

	err := h.orch.handleStage(mustStep(t, domain.StatusGenerating))(ctx,
		delivery(t, id, domain.StatusGenerating, map[string]any{"sources": []any{"a"}}))
	require.NoError(t, err)

	assert.EqualValues(t, 1, spy.calls.Load())
	assert.Equal(t, []any{"a"}, spy.payload["sources"])
	assert.Equal(t, p.Input, spy.payload[stages.ProjectInputKey])

	got := h.project(p.ID)
	assert.Equal(t, domain.StatusGenerating, got.Status)
	assert.Equal(t, map[string]any{"draft": "hello"}, got.StageResults[domain.StatusGenerating])
	assert.InDelta(t, 0.25, got.Costs[domain.StatusGenerating], 1e-9)

	published := h.broker.Published(workflow.TopicContentGenerated)
	require.Len(t, published, 1)
	assert.Equal(t, workflow.MessageID(id, domain.StatusEditing), published[0].ID)

	msg := decode(t, published[0])
	assert.Equal(t, string(domain.StatusEditing), msg.Stage)
	assert.Equal(t, "hello", msg.Payload["draft"])
	assert.NotContains(t, msg.Payload, stages.ProjectInputKey)
}

func TestHandleStage_LastStageCompletes(t *testing.T) {
	h := newHarness(t, nil)
	h.setupTopology()

	p := h.newProject(domain.StatusEditing)
	id := p.ID.String()

	err := h.orch.handleStage(mustStep(t, domain.StatusSEOOptimization))(context.Background(),
		delivery(t, id, domain.StatusSEOOptimization, map[string]any{}))
	require.NoError(t, err)

	got := h.project(p.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Contains(t, got.StageResults, domain.StatusSEOOptimization)

	published := h.broker.Published(workflow.TopicSEOOptimized)
	require.Len(t, published, 1)
	assert.Equal(t, string(domain.StatusCompleted), decode(t, published[0]).Stage)
}

func TestHandleStage_Redelivery(t *testing.T) {
	spy := &spyExecutor{result: stages.Result{Output: map[string]any{"draft": "x"}, Cost: 0.25}}
	h := newHarness(t, map[domain.Status]stages.Executor{domain.StatusGenerating: spy})
	h.setupTopology()
	ctx := context.Background()

	p := h.newProject(domain.StatusResearch)
	d := delivery(t, p.ID.String(), domain.StatusGenerating, map[string]any{})
	handler := h.orch.handleStage(mustStep(t, domain.StatusGenerating))

	require.NoError(t, handler(ctx, d))
	d.Attempt = 2
	require.NoError(t, handler(ctx, d))

	// Повтор не вызывает executor, но продолжение публикуется снова
	// с тем же ID.
	assert.EqualValues(t, 1, spy.calls.Load())
	got := h.project(p.ID)
	assert.InDelta(t, 0.25, got.Costs[domain.StatusGenerating], 1e-9)
	assert.InDelta(t, 0.25, got.TotalCost(), 1e-9)

	published := h.broker.Published(workflow.TopicContentGenerated)
	require.Len(t, published, 2)
	assert.Equal(t, published[0].ID, published[1].ID)
}

func TestHandleStage_CostAlreadyApplied(t *testing.T) {
	spy := &spyExecutor{result: stages.Result{Output: map[string]any{"draft": "x"}, Cost: 0.25}}
	h := newHarness(t, map[domain.Status]stages.Executor{domain.StatusGenerating: spy})
	h.setupTopology()
	ctx := context.Background()

	p := h.newProject(domain.StatusResearch)
	d := delivery(t, p.ID.String(), domain.StatusGenerating, map[string]any{})

	// Падение после записи стоимости, до записи результата.
	applied, err := h.store.AppendCost(ctx, p.ID, domain.StatusGenerating, 0.5, d.ID)
	require.NoError(t, err)
	require.True(t, applied)

	require.NoError(t, h.orch.handleStage(mustStep(t, domain.StatusGenerating))(ctx, d))

	got := h.project(p.ID)
	assert.EqualValues(t, 1, spy.calls.Load())
	assert.InDelta(t, 0.5, got.Costs[domain.StatusGenerating], 1e-9)
	assert.Equal(t, domain.StatusGenerating, got.Status)
}

func TestHandleStage_CommittedButStatusBehind(t *testing.T) {
	spy := &spyExecutor{}
	h := newHarness(t, map[domain.Status]stages.Executor{domain.StatusGenerating: spy})
	h.setupTopology()
	ctx := context.Background()

	// Результат записан, статус и публикация не успели.
	p := h.newProject(domain.StatusResearch)
	require.NoError(t, h.store.SaveStageResult(ctx, p.ID, domain.StatusGenerating, map[string]any{"draft": "saved"}))

	err := h.orch.handleStage(mustStep(t, domain.StatusGenerating))(ctx,
		delivery(t, p.ID.String(), domain.StatusGenerating, map[string]any{}))
	require.NoError(t, err)

	assert.Zero(t, spy.calls.Load())
	assert.Equal(t, domain.StatusGenerating, h.project(p.ID).Status)

	published := h.broker.Published(workflow.TopicContentGenerated)
	require.Len(t, published, 1)
	assert.Equal(t, workflow.MessageID(p.ID.String(), domain.StatusEditing), published[0].ID)
	assert.Equal(t, "saved", decode(t, published[0]).Payload["draft"])
}

func TestHandleStage_Skipped(t *testing.T) {
	tests := map[string]struct {
		status domain.Status
		stage  domain.Status
	}{
		"completed project":    {status: domain.StatusCompleted, stage: domain.StatusEditing},
		"stage already passed": {status: domain.StatusGenerating, stage: domain.StatusResearch},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			spy := &spyExecutor{}
			h := newHarness(t, map[domain.Status]stages.Executor{tt.stage: spy})
			h.setupTopology()

			p := h.newProject(tt.status)
			step := mustStep(t, tt.stage)

			err := h.orch.handleStage(step)(context.Background(), delivery(t, p.ID.String(), tt.stage, map[string]any{}))
			require.NoError(t, err)

			assert.Zero(t, spy.calls.Load())
			assert.Empty(t, h.broker.Published(step.CompletionTopic))
			assert.Equal(t, tt.status, h.project(p.ID).Status)
		})
	}
}

func TestHandleStage_OutOfOrderIsTransient(t *testing.T) {
	spy := &spyExecutor{}
	h := newHarness(t, map[domain.Status]stages.Executor{domain.StatusEditing: spy})
	h.setupTopology()

	p := h.newProject(domain.StatusCreated)

	err := h.orch.handleStage(mustStep(t, domain.StatusEditing))(context.Background(),
		delivery(t, p.ID.String(), domain.StatusEditing, map[string]any{}))
	require.ErrorIs(t, err, ErrStageOutOfOrder)
	assert.False(t, stages.IsPermanent(err))
	assert.Zero(t, spy.calls.Load())
	assert.Equal(t, domain.StatusCreated, h.project(p.ID).Status)
}

func TestHandleStage_PermanentRejections(t *testing.T) {
	h := newHarness(t, nil)
	h.setupTopology()
	step := mustStep(t, domain.StatusResearch)

	failed := h.newProject(domain.StatusFailed)

	malformed := delivery(t, uuid.NewString(), domain.StatusResearch, nil)
	malformed.Data = []byte(`{`)

	badID := delivery(t, "not-a-uuid", domain.StatusResearch, nil)

	tests := map[string]struct {
		delivery *mq.Delivery
		want     error
	}{
		"malformed body":  {delivery: malformed, want: mq.ErrInvalidMessage},
		"invalid id":      {delivery: badID, want: mq.ErrInvalidMessage},
		"unknown project": {delivery: delivery(t, uuid.NewString(), domain.StatusResearch, nil), want: ErrProjectNotFound},
		"failed project":  {delivery: delivery(t, failed.ID.String(), domain.StatusResearch, nil), want: ErrProjectFailed},
		"wrong stage":     {delivery: delivery(t, failed.ID.String(), domain.StatusEditing, nil), want: ErrStageMismatch},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := h.orch.handleStage(step)(context.Background(), tt.delivery)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, stages.IsPermanent(err))
		})
	}

	// Отклонения не трогают проект.
	got := h.project(failed.ID)
	assert.Empty(t, got.Errors)
	assert.Empty(t, h.broker.Published(workflow.TopicTaskFailed))
}

func TestHandleStage_ExecutorErrors(t *testing.T) {
	t.Run("transient", func(t *testing.T) {
		spy := &spyExecutor{err: stages.Transient(errors.New("timeout"))}
		h := newHarness(t, map[domain.Status]stages.Executor{domain.StatusResearch: spy})
		h.setupTopology()

		p := h.newProject(domain.StatusCreated)
		err := h.orch.handleStage(mustStep(t, domain.StatusResearch))(context.Background(),
			delivery(t, p.ID.String(), domain.StatusResearch, nil))
		require.Error(t, err)
		assert.False(t, stages.IsPermanent(err))

		got := h.project(p.ID)
		assert.Equal(t, domain.StatusCreated, got.Status)
		assert.Empty(t, got.Errors)
		assert.Empty(t, got.Costs)
	})

	t.Run("permanent", func(t *testing.T) {
		spy := &spyExecutor{err: stages.Permanentf("bad topic")}
		h := newHarness(t, map[domain.Status]stages.Executor{domain.StatusResearch: spy})
		h.setupTopology()

		p := h.newProject(domain.StatusCreated)
		err := h.orch.handleStage(mustStep(t, domain.StatusResearch))(context.Background(),
			delivery(t, p.ID.String(), domain.StatusResearch, nil))
		require.Error(t, err)
		assert.True(t, stages.IsPermanent(err))

		got := h.project(p.ID)
		assert.Equal(t, domain.StatusFailed, got.Status)
		require.Len(t, got.Errors, 1)
		assert.Equal(t, domain.StatusResearch, got.Errors[0].Stage)

		failed := h.broker.Published(workflow.TopicTaskFailed)
		require.Len(t, failed, 1)
		assert.Equal(t, p.ID.String(), failed[0].Attributes[mq.AttrProjectID])
		assert.Empty(t, h.broker.Published(workflow.TopicResearchComplete))
	})
}

func TestOnExhausted(t *testing.T) {
	h := newHarness(t, nil)
	h.setupTopology()
	ctx := context.Background()
	onExhausted := h.orch.onExhausted(mustStep(t, domain.StatusGenerating))

	p := h.newProject(domain.StatusResearch)
	d := delivery(t, p.ID.String(), domain.StatusGenerating, nil)
	d.Attempt = 5

	require.NoError(t, onExhausted(ctx, d, errors.New("quota exceeded")))

	got := h.project(p.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, domain.StatusGenerating, got.Errors[0].Stage)
	assert.Equal(t, "delivery attempts exhausted after 5 attempts: quota exceeded", got.Errors[0].Message)

	// Терминальный проект не трогается.
	require.NoError(t, onExhausted(ctx, d, errors.New("again")))
	assert.Len(t, h.project(p.ID).Errors, 1)
	assert.Len(t, h.broker.Published(workflow.TopicTaskFailed), 1)

	// Битое сообщение и неизвестный проект.
	bad := delivery(t, p.ID.String(), domain.StatusGenerating, nil)
	bad.Data = []byte(`nope`)
	require.NoError(t, onExhausted(ctx, bad, errors.New("x")))
	require.NoError(t, onExhausted(ctx, delivery(t, uuid.NewString(), domain.StatusGenerating, nil), errors.New("x")))
}

func TestHandleTaskFailed(t *testing.T) {
	h := newHarness(t, nil)
	h.setupTopology()
	ctx := context.Background()

	notice := func(t *testing.T, projectID string, payload map[string]any) *mq.Delivery {
		t.Helper()
		msg := mq.NewWorkflowMessage(projectID, string(domain.StatusFailed), projectID, payload, time.Now())
		out, err := msg.Encode(workflow.TopicTaskFailed, workflow.FailureMessageID(projectID))
		require.NoError(t, err)
		return &mq.Delivery{ID: out.ID, Topic: workflow.TopicTaskFailed, Data: out.Data, Attempt: 1}
	}

	t.Run("failed project", func(t *testing.T) {
		p := h.newProject(domain.StatusEditing)
		_, err := h.store.FailProject(ctx, p.ID, domain.StatusEditing, "boom")
		require.NoError(t, err)

		err = h.orch.handleTaskFailed(ctx, notice(t, p.ID.String(), workflow.FailurePayload(domain.StatusEditing, "boom")))
		assert.NoError(t, err)
	})

	t.Run("project completed first", func(t *testing.T) {
		p := h.newProject(domain.StatusCompleted)

		err := h.orch.handleTaskFailed(ctx, notice(t, p.ID.String(), workflow.FailurePayload(domain.StatusSEOOptimization, "late")))
		assert.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, h.project(p.ID).Status)
	})

	t.Run("malformed payload", func(t *testing.T) {
		err := h.orch.handleTaskFailed(ctx, notice(t, uuid.NewString(), map[string]any{"error": 42}))
		assert.True(t, stages.IsPermanent(err))
	})
}

func TestHandleDeadLetter(t *testing.T) {
	h := newHarness(t, nil)
	h.setupTopology()
	ctx := context.Background()

	sub := h.orch.subs[workflow.SubscriptionName(workflow.TopicEditingComplete)]
	source := delivery(t, uuid.NewString(), domain.StatusSEOOptimization, nil)
	record := h.orch.deadLetters.Record(sub, source, stages.Permanentf("boom"))
	require.NoError(t, h.orch.deadLetters.Wrap(sub, func(context.Context, *mq.Delivery) error {
		return stages.Permanentf("boom")
	}, nil)(ctx, source))

	published := h.broker.Published(workflow.TopicDLQ)
	require.Len(t, published, 1)
	assert.Equal(t, record.ID, decodeRecord(t, published[0]).ID)

	d := &mq.Delivery{ID: published[0].ID, Data: published[0].Data, Attempt: 1}
	require.NoError(t, h.orch.handleDeadLetter(ctx, d))
	require.NoError(t, h.orch.handleDeadLetter(ctx, d))

	records := h.deadLetters()
	require.Len(t, records, 1)
	assert.Equal(t, record.ID, records[0].ID)
	assert.Equal(t, string(domain.StatusSEOOptimization), records[0].Stage)
	assert.Contains(t, records[0].Reason, "boom")

	err := h.orch.handleDeadLetter(ctx, &mq.Delivery{ID: "x", Data: []byte(`{}`)})
	require.ErrorIs(t, err, mq.ErrInvalidMessage)
	assert.True(t, stages.IsPermanent(err))
}
