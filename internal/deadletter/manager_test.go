package deadletter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock_testing "k8s.io/utils/clock/testing"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/mq"
	"github.com/shaiso/Scribe/internal/stages"
)

var now = time.Date(2026, time.April, 2, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Manager, *mq.MemoryBroker, mq.SubscriptionConfig) {
	t.Helper()

	ctx := context.Background()
	broker := mq.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })

	_, err := broker.CreateTopic(ctx, "content-generated")
	require.NoError(t, err)
	_, err = broker.CreateTopic(ctx, "dlq")
	require.NoError(t, err)

	sub := mq.SubscriptionConfig{
		Name:       "content-generated-sub",
		Topic:      "content-generated",
		DeadLetter: &mq.DeadLetterPolicy{Topic: "dlq", MaxDeliveryAttempts: 5},
	}

	m := New(Config{Broker: broker, Clock: clock_testing.NewFakePassiveClock(now)})
	return m, broker, sub
}

func delivery(t *testing.T, attempt int) *mq.Delivery {
	t.Helper()

	msg := mq.NewWorkflowMessage("p-1", "EDITING", "c-1", map[string]any{"draft": "x"}, now)
	out, err := msg.Encode("content-generated", "m-1")
	require.NoError(t, err)

	return &mq.Delivery{
		ID:           out.ID,
		Subscription: "content-generated-sub",
		Topic:        "content-generated",
		Data:         out.Data,
		Attributes:   out.Attributes,
		Attempt:      attempt,
	}
}

func failing(err error) mq.Handler {
	return func(context.Context, *mq.Delivery) error { return err }
}

func TestWrap_Success(t *testing.T) {
	m, broker, sub := setup(t)

	h := m.Wrap(sub, failing(nil), nil)
	require.NoError(t, h(context.Background(), delivery(t, 1)))
	assert.Empty(t, broker.Published("dlq"))
}

func TestWrap_TransientIsRedelivered(t *testing.T) {
	m, broker, sub := setup(t)
	cause := errors.New("connection reset")

	h := m.Wrap(sub, failing(cause), func(context.Context, *mq.Delivery, error) error {
		t.Fatal("onExhausted must not be called before the last attempt")
		return nil
	})

	for attempt := 1; attempt < 5; attempt++ {
		require.ErrorIs(t, h(context.Background(), delivery(t, attempt)), cause)
	}
	assert.Empty(t, broker.Published("dlq"))
}

func TestWrap_Exhausted(t *testing.T) {
	m, broker, sub := setup(t)

	var exhausted []error
	h := m.Wrap(sub, failing(errors.New("quota exceeded")), func(_ context.Context, d *mq.Delivery, cause error) error {
		assert.Equal(t, "m-1", d.ID)
		exhausted = append(exhausted, cause)
		return nil
	})

	require.NoError(t, h(context.Background(), delivery(t, 5)))
	require.Len(t, exhausted, 1)
	assert.EqualError(t, exhausted[0], "quota exceeded")

	published := broker.Published("dlq")
	require.Len(t, published, 1)

	record, err := DecodeRecord(published[0].Data)
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterID("content-generated-sub", "m-1"), record.ID)
	assert.Equal(t, record.ID.String(), published[0].ID)
	assert.Equal(t, "m-1", record.OriginalMessageID)
	assert.Equal(t, "content-generated", record.Topic)
	assert.Equal(t, "p-1", record.ProjectID)
	assert.Equal(t, "EDITING", record.Stage)
	assert.Equal(t, "quota exceeded", record.Reason)
	assert.Equal(t, 5, record.Attempts)
	assert.Equal(t, now, record.FailedAt)
	assert.Equal(t, "content-generated", record.Attributes[mq.AttrMessageType])
}

func TestWrap_PermanentIsDeadLettered(t *testing.T) {
	m, broker, sub := setup(t)

	h := m.Wrap(sub, failing(stages.Permanentf("invalid draft")), nil)

	require.NoError(t, h(context.Background(), delivery(t, 1)))
	require.NoError(t, h(context.Background(), delivery(t, 1)))

	published := broker.Published("dlq")
	require.Len(t, published, 2)
	// Повторная доставка того же сообщения даёт ту же запись.
	assert.Equal(t, published[0].ID, published[1].ID)
}

func TestWrap_PermanentWithoutPolicy(t *testing.T) {
	m, broker, sub := setup(t)
	sub.DeadLetter = nil

	h := m.Wrap(sub, failing(stages.Permanentf("bad record")), nil)
	require.NoError(t, h(context.Background(), delivery(t, 9)))
	assert.Empty(t, broker.Published("dlq"))
}

func TestWrap_DeadLetterPublishFails(t *testing.T) {
	m, _, sub := setup(t)
	sub.DeadLetter = &mq.DeadLetterPolicy{Topic: "missing", MaxDeliveryAttempts: 5}

	called := false
	h := m.Wrap(sub, failing(errors.New("boom")), func(context.Context, *mq.Delivery, error) error {
		called = true
		return nil
	})

	err := h(context.Background(), delivery(t, 5))
	require.ErrorIs(t, err, mq.ErrTopicNotFound)
	assert.False(t, called)
}

func TestWrap_ExhaustionHandlerFails(t *testing.T) {
	m, _, sub := setup(t)
	storeErr := errors.New("store unavailable")

	h := m.Wrap(sub, failing(errors.New("boom")), func(context.Context, *mq.Delivery, error) error {
		return storeErr
	})

	require.ErrorIs(t, h(context.Background(), delivery(t, 6)), storeErr)
}

func TestRecord_Malformed(t *testing.T) {
	m, _, sub := setup(t)

	d := &mq.Delivery{
		ID:         "m-2",
		Data:       []byte("{"),
		Attributes: map[string]string{mq.AttrProjectID: "p-9"},
		Attempt:    1,
	}
	record := m.Record(sub, d, stages.Permanentf("malformed"))

	assert.Equal(t, "p-9", record.ProjectID)
	assert.Empty(t, record.Stage)
	assert.Equal(t, "content-generated", record.Topic)
	assert.Equal(t, "{", record.Data)
}

func TestDecodeRecord_Invalid(t *testing.T) {
	_, err := DecodeRecord([]byte(`{"error":"x"}`))
	require.ErrorIs(t, err, mq.ErrInvalidMessage)

	_, err = DecodeRecord([]byte(`nope`))
	require.ErrorIs(t, err, mq.ErrInvalidMessage)
}
