package api

import (
	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/orchestrator"
)

// Project DTOs

// CreateProjectRequest — запрос на создание проекта.
type CreateProjectRequest struct {
	Topic           string `json:"topic"`
	Tone            string `json:"tone,omitempty"`
	TargetWordCount *int   `json:"target_word_count,omitempty"`
	PrimaryKeyword  string `json:"primary_keyword,omitempty"`
}

// Input возвращает параметры проекта без пустых полей.
func (r CreateProjectRequest) Input() map[string]any {
	input := map[string]any{"topic": r.Topic}
	if r.Tone != "" {
		input["tone"] = r.Tone
	}
	if r.TargetWordCount != nil {
		input["target_word_count"] = *r.TargetWordCount
	}
	if r.PrimaryKeyword != "" {
		input["primary_keyword"] = r.PrimaryKeyword
	}
	return input
}

// CancelProjectRequest — запрос на отмену проекта. Тело необязательно.
type CancelProjectRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ProjectResponse — проект со сводкой и результатами этапов.
type ProjectResponse struct {
	orchestrator.Report

	Input        map[string]any                   `json:"input,omitempty"`
	StageResults map[domain.Status]map[string]any `json:"stage_results,omitempty"`
}

// ProjectFromDomain конвертирует domain.Project в ProjectResponse.
func ProjectFromDomain(p *domain.Project) ProjectResponse {
	return ProjectResponse{
		Report:       orchestrator.BuildReport(p),
		Input:        p.Input,
		StageResults: p.StageResults,
	}
}
