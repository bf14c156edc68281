package dto

import "github.com/noah-isme/sma-risk-analytics/internal/models"

// RiskQuery requests the analytic record of one subject.
type RiskQuery struct {
	SubjectType  string `json:"subject_type" validate:"required,subject_type"`
	SubjectID    string `json:"subject_id" validate:"required,max=64"`
	AnalysisType string `json:"analysis_type" validate:"omitempty,analysis_type"`
	Period       string `json:"period" validate:"omitempty,period"`
	Refresh      bool   `json:"refresh"`
}

// RosterQuery lists stored records at or above a risk level.
type RosterQuery struct {
	SubjectType  string `json:"subject_type" validate:"omitempty,subject_type"`
	AnalysisType string `json:"analysis_type" validate:"omitempty,analysis_type"`
	Period       string `json:"period" validate:"omitempty,period"`
	MinLevel     string `json:"min_level" validate:"omitempty,oneof=none low medium high critical"`
	Limit        int    `json:"limit" validate:"omitempty,min=1,max=500"`
}

// RecomputeRequest schedules a batch recompute over every active subject of a kind.
type RecomputeRequest struct {
	SubjectType  string `json:"subject_type" validate:"required,subject_type"`
	AnalysisType string `json:"analysis_type" validate:"required,analysis_type"`
	Period       string `json:"period" validate:"required,period"`
	TermID       string `json:"term_id" validate:"omitempty,max=64"`
}

// RecomputeResponse acknowledges a queued batch.
type RecomputeResponse struct {
	JobID string               `json:"job_id"`
	State models.BatchJobState `json:"state"`
}

// RiskRosterResponse wraps roster listings.
type RiskRosterResponse struct {
	Items []models.AnalyticRecord `json:"items"`
	Count int                     `json:"count"`
}
