package mq

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowMessage_EncodeDecode(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 500_000_000, time.UTC)
	msg := NewWorkflowMessage("p-1", "RESEARCH", "corr-1", map[string]any{"topic": "go"}, now)

	out, err := msg.Encode("project-created", "msg-1")
	require.NoError(t, err)

	assert.Equal(t, "msg-1", out.ID)
	assert.Equal(t, "project-created", out.Attributes[AttrMessageType])
	assert.Equal(t, "p-1", out.Attributes[AttrProjectID])
	assert.Equal(t, "corr-1", out.Attributes[AttrCorrelationID])

	var wire map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &wire))
	assert.ElementsMatch(t,
		[]string{"project_id", "stage", "payload", "timestamp", "correlation_id"},
		keys(wire),
	)

	decoded, err := DecodeWorkflowMessage(out.Data)
	require.NoError(t, err)
	assert.Equal(t, "p-1", decoded.ProjectID)
	assert.Equal(t, "RESEARCH", decoded.Stage)
	assert.Equal(t, "go", decoded.Payload["topic"])
	assert.WithinDuration(t, now, decoded.Time(), time.Millisecond)
}

func TestDecodeWorkflowMessage_Invalid(t *testing.T) {
	tests := map[string]string{
		"not json":      `{`,
		"no project id": `{"stage":"RESEARCH","payload":{}}`,
		"no stage":      `{"project_id":"p-1","payload":{}}`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeWorkflowMessage([]byte(body))
			require.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestDecodeWorkflowMessage_NilPayload(t *testing.T) {
	msg, err := DecodeWorkflowMessage([]byte(`{"project_id":"p-1","stage":"EDITING"}`))
	require.NoError(t, err)
	assert.NotNil(t, msg.Payload)
}

func TestParsePayload(t *testing.T) {
	type research struct {
		Sources []string `json:"sources"`
	}

	msg := &WorkflowMessage{Payload: map[string]any{"sources": []any{"a", "b"}}}

	got, err := ParsePayload[research](msg)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Sources)
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
