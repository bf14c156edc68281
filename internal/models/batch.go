package models

import "time"

// BatchFailure records one subject that could not be recomputed.
type BatchFailure struct {
	SubjectID string `json:"subject_id"`
	Error     string `json:"error"`
}

// BatchResult is the aggregate outcome of a recompute-all run.
type BatchResult struct {
	JobID        string         `json:"job_id,omitempty"`
	SubjectType  SubjectType    `json:"subject_type"`
	AnalysisType AnalysisType   `json:"analysis_type"`
	Period       string         `json:"period"`
	Attempted    int            `json:"attempted"`
	Succeeded    int            `json:"succeeded"`
	Failed       int            `json:"failed"`
	Skipped      int            `json:"skipped"`
	Cancelled    bool           `json:"cancelled"`
	Failures     []BatchFailure `json:"failures"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
}

// BatchJobState tracks an asynchronous batch through the queue.
type BatchJobState string

const (
	BatchJobQueued   BatchJobState = "QUEUED"
	BatchJobRunning  BatchJobState = "RUNNING"
	BatchJobFinished BatchJobState = "FINISHED"
	BatchJobFailed   BatchJobState = "FAILED"
)

// BatchJob describes a queued recompute-all request and its latest result.
type BatchJob struct {
	ID           string        `json:"id"`
	SubjectType  SubjectType   `json:"subject_type"`
	AnalysisType AnalysisType  `json:"analysis_type"`
	Period       string        `json:"period"`
	TermID       string        `json:"term_id,omitempty"`
	RequestedBy  string        `json:"requested_by,omitempty"`
	State        BatchJobState `json:"state"`
	Result       *BatchResult  `json:"result,omitempty"`
	Error        string        `json:"error,omitempty"`
	EnqueuedAt   time.Time     `json:"enqueued_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
