package orchestrator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/shaiso/Scribe/internal/domain"
)

func TestBuildReport(t *testing.T) {
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	p := domain.NewProject(map[string]any{"topic": "Go testing"}, now)
	p.Status = domain.StatusGenerating
	p.StageResults[domain.StatusResearch] = map[string]any{}
	p.StageResults[domain.StatusGenerating] = map[string]any{}
	p.Costs[domain.StatusResearch] = 0.01
	p.Costs[domain.StatusGenerating] = 0.02

	r := BuildReport(p)
	assert.Equal(t, p.ID, r.ProjectID)
	assert.Equal(t, "Go testing", r.Topic)
	assert.Equal(t, domain.StatusEditing, r.CurrentStage)
	assert.Equal(t, []domain.Status{domain.StatusResearch, domain.StatusGenerating}, r.CompletedStages)
	assert.InDelta(t, 0.5, r.Progress, 1e-9)
	assert.InDelta(t, 0.03, r.TotalCost, 1e-9)
	assert.Equal(t, now, r.CreatedAt)
}

func TestBuildReport_CurrentStage(t *testing.T) {
	tests := []struct {
		status  domain.Status
		results []domain.Status
		want    domain.Status
	}{
		{status: domain.StatusCreated, want: domain.StatusResearch},
		{status: domain.StatusResearch, results: []domain.Status{domain.StatusResearch}, want: domain.StatusGenerating},
		// Результат записан раньше статуса.
		{status: domain.StatusResearch, results: []domain.Status{domain.StatusResearch, domain.StatusGenerating}, want: domain.StatusEditing},
		{status: domain.StatusSEOOptimization, results: domain.Stages(), want: domain.StatusSEOOptimization},
		{status: domain.StatusCompleted, results: domain.Stages(), want: domain.StatusCompleted},
		{status: domain.StatusFailed, results: []domain.Status{domain.StatusResearch}, want: domain.StatusFailed},
	}

	for _, tt := range tests {
		p := domain.NewProject(nil, time.Now())
		p.Status = tt.status
		for _, stage := range tt.results {
			p.StageResults[stage] = map[string]any{}
		}
		assert.Equal(t, tt.want, BuildReport(p).CurrentStage, "status %s", tt.status)
	}
}

func TestBuildReport_Empty(t *testing.T) {
	p := &domain.Project{ID: uuid.New(), Status: domain.StatusCreated}

	r := BuildReport(p)
	assert.NotNil(t, r.CompletedStages)
	assert.NotNil(t, r.Costs)
	assert.Zero(t, r.Progress)
	assert.Empty(t, r.Topic)
}

func TestReport_Encoding(t *testing.T) {
	p := domain.NewProject(map[string]any{"topic": "encoding"}, time.Now())
	p.Status = domain.StatusResearch
	p.StageResults[domain.StatusResearch] = map[string]any{}
	p.Costs[domain.StatusResearch] = 0.5

	body, err := json.Marshal(BuildReport(p))
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(body, &wire))
	assert.Equal(t, "GENERATING", wire["current_stage"])
	assert.Equal(t, map[string]any{"RESEARCH": 0.5}, wire["costs"])
	assert.Equal(t, []any{"RESEARCH"}, wire["completed_stages"])
	assert.NotContains(t, wire, "errors")

	out, err := yaml.Marshal(BuildReport(p))
	require.NoError(t, err)
	assert.Contains(t, string(out), "current_stage: GENERATING")
	assert.Contains(t, string(out), "RESEARCH: 0.5")
}
