package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/shaiso/Scribe/internal/deadletter"
	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/mq"
	"github.com/shaiso/Scribe/internal/repo"
	"github.com/shaiso/Scribe/internal/stages"
	"github.com/shaiso/Scribe/internal/workflow"
)

var testTopology = workflow.TopologyConfig{
	AckDeadline:         5 * time.Second,
	MinBackoff:          5 * time.Millisecond,
	MaxBackoff:          20 * time.Millisecond,
	MaxDeliveryAttempts: 5,
}

type harness struct {
	t        *testing.T
	broker   *mq.MemoryBroker
	store    *repo.MemProjectRepo
	orch     *Orchestrator
	launcher *Launcher
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	clock      clock.PassiveClock
	wrapBroker func(mq.Broker) mq.Broker
	wrapStore  func(repo.ProjectStore) repo.ProjectStore
}

func withClock(c clock.PassiveClock) harnessOption {
	return func(cfg *harnessConfig) { cfg.clock = c }
}

// withBroker подменяет брокер оркестратора и launcher'а обёрткой над
// MemoryBroker. h.broker остаётся исходным брокером.
func withBroker(wrap func(mq.Broker) mq.Broker) harnessOption {
	return func(cfg *harnessConfig) { cfg.wrapBroker = wrap }
}

// withStore подменяет хранилище оркестратора и launcher'а обёрткой.
func withStore(wrap func(repo.ProjectStore) repo.ProjectStore) harnessOption {
	return func(cfg *harnessConfig) { cfg.wrapStore = wrap }
}

// flakyBroker отклоняет первые failures публикаций в topic.
type flakyBroker struct {
	mq.Broker
	topic string

	mu       sync.Mutex
	failures int
}

func (b *flakyBroker) Publish(ctx context.Context, topic string, msg *mq.OutgoingMessage) (string, error) {
	b.mu.Lock()
	if topic == b.topic && b.failures > 0 {
		b.failures--
		b.mu.Unlock()
		return "", mq.ErrBrokerUnavailable
	}
	b.mu.Unlock()
	return b.Broker.Publish(ctx, topic, msg)
}

func failPublishes(topic string, n int) harnessOption {
	return withBroker(func(b mq.Broker) mq.Broker {
		return &flakyBroker{Broker: b, topic: topic, failures: n}
	})
}

// newHarness собирает оркестратор на памяти. Этапы без executor'а
// получают EchoExecutor со стоимостью 0.001.
func newHarness(t *testing.T, executors map[domain.Status]stages.Executor, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	broker := mq.NewMemoryBroker(mq.WithLogger(logger))
	t.Cleanup(func() { _ = broker.Close() })

	store := repo.NewMemProjectRepo(repo.WithClock(cfg.clock))

	var orchBroker mq.Broker = broker
	if cfg.wrapBroker != nil {
		orchBroker = cfg.wrapBroker(broker)
	}
	var orchStore repo.ProjectStore = store
	if cfg.wrapStore != nil {
		orchStore = cfg.wrapStore(store)
	}

	registry := stages.NewRegistry()
	for _, step := range workflow.Pipeline() {
		executor := executors[step.Stage]
		if executor == nil {
			executor = &stages.EchoExecutor{Stage: step.Stage, Cost: 0.001}
		}
		require.NoError(t, registry.Register(step.Stage, executor, step.Next))
	}
	registry.Freeze()

	orch := New(Config{
		Store:    orchStore,
		Broker:   orchBroker,
		Registry: registry,
		Topology: testTopology,
		Setup:    mq.SetupOptions{InitialDelay: time.Millisecond},
		Recovery: RecoveryConfig{Disabled: true, StaleAfter: 30 * time.Minute},
		Logger:   logger,
		Clock:    cfg.clock,
	})

	launcher := NewLauncher(LauncherConfig{
		Store:  orchStore,
		Broker: orchBroker,
		Logger: logger,
		Clock:  cfg.clock,
	})

	return &harness{t: t, broker: broker, store: store, orch: orch, launcher: launcher}
}

// start запускает все подписки.
func (h *harness) start() {
	h.t.Helper()

	require.NoError(h.t, h.orch.Start(context.Background()))
	h.t.Cleanup(h.orch.Stop)
}

// setupTopology создаёт топики без запуска подписок.
func (h *harness) setupTopology() {
	h.t.Helper()
	require.NoError(h.t, mq.SetupTopology(context.Background(), h.broker, h.orch.Topology(), mq.SetupOptions{}))
}

func (h *harness) project(id uuid.UUID) *domain.Project {
	h.t.Helper()

	p, err := h.store.GetProject(context.Background(), id)
	require.NoError(h.t, err)
	return p
}

func (h *harness) waitStatus(id uuid.UUID, status domain.Status) {
	h.t.Helper()

	require.Eventually(h.t, func() bool {
		p, err := h.store.GetProject(context.Background(), id)
		return err == nil && p.Status == status
	}, 5*time.Second, 5*time.Millisecond, "project never reached %s", status)
}

func (h *harness) waitIdle() {
	h.t.Helper()
	require.Eventually(h.t, h.broker.Idle, 5*time.Second, 5*time.Millisecond)
}

func (h *harness) deadLetters() []domain.DeadLetterRecord {
	h.t.Helper()

	records, err := h.store.ListDeadLetters(context.Background(), 0)
	require.NoError(h.t, err)
	return records
}

// newProject создаёт проект в заданном статусе с результатами всех
// этапов до него включительно.
func (h *harness) newProject(status domain.Status) *domain.Project {
	h.t.Helper()
	ctx := context.Background()

	p, err := h.store.CreateProject(ctx, map[string]any{"topic": "Go concurrency"})
	require.NoError(h.t, err)

	for _, stage := range domain.Stages() {
		if stage.Rank() > status.Rank() || status == domain.StatusFailed {
			break
		}
		require.NoError(h.t, h.store.SaveStageResult(ctx, p.ID, stage, map[string]any{"done": string(stage)}))
	}
	if status != domain.StatusCreated {
		_, err = h.store.UpdateStatus(ctx, p.ID, status)
		require.NoError(h.t, err)
	}
	return h.project(p.ID)
}

// delivery строит доставку сообщения этапу stage.
func delivery(t *testing.T, projectID string, stage domain.Status, payload map[string]any) *mq.Delivery {
	t.Helper()

	step, err := workflow.StepFor(stage)
	require.NoError(t, err)

	msg := mq.NewWorkflowMessage(projectID, string(stage), projectID, payload, time.Now())
	out, err := msg.Encode(step.InputTopic, workflow.MessageID(projectID, stage))
	require.NoError(t, err)

	return &mq.Delivery{
		ID:           out.ID,
		Subscription: step.Subscription,
		Topic:        step.InputTopic,
		Data:         out.Data,
		Attributes:   out.Attributes,
		Attempt:      1,
	}
}

func decode(t *testing.T, out mq.OutgoingMessage) *mq.WorkflowMessage {
	t.Helper()

	msg, err := mq.DecodeWorkflowMessage(out.Data)
	require.NoError(t, err)
	return msg
}

func decodeRecord(t *testing.T, out mq.OutgoingMessage) *domain.DeadLetterRecord {
	t.Helper()

	record, err := deadletter.DecodeRecord(out.Data)
	require.NoError(t, err)
	return record
}
