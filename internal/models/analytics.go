package models

import (
	"time"
)

// SubjectType enumerates the kinds of entity the risk engine can score.
type SubjectType string

const (
	SubjectEnrollment SubjectType = "ENROLLMENT"
	SubjectGroup      SubjectType = "GROUP"
)

// Valid reports whether the subject type is supported.
func (t SubjectType) Valid() bool {
	switch t {
	case SubjectEnrollment, SubjectGroup:
		return true
	default:
		return false
	}
}

// Subject identifies a scored entity: an enrollment or a class group.
type Subject struct {
	Type SubjectType `json:"subject_type"`
	ID   string      `json:"subject_id"`
}

func (s Subject) String() string {
	return string(s.Type) + ":" + s.ID
}

// AnalysisType names the pipeline that produced a record.
type AnalysisType string

const (
	AnalysisRiskPrediction AnalysisType = "risk_prediction"
	AnalysisProgress       AnalysisType = "progress"
	AnalysisPerformance    AnalysisType = "performance"
	AnalysisAttendance     AnalysisType = "attendance"
)

// AnalysisTypes lists every supported analysis type.
var AnalysisTypes = []AnalysisType{AnalysisRiskPrediction, AnalysisProgress, AnalysisPerformance, AnalysisAttendance}

// Valid reports whether the analysis type is supported.
func (a AnalysisType) Valid() bool {
	for _, t := range AnalysisTypes {
		if a == t {
			return true
		}
	}
	return false
}

// Dimension is one scoring axis of the composite score.
type Dimension string

const (
	DimensionAcademic   Dimension = "academic"
	DimensionAttendance Dimension = "attendance"
	DimensionFinancial  Dimension = "financial"
	DimensionEngagement Dimension = "engagement"
	DimensionBehavioral Dimension = "behavioral"
)

// Dimensions is the canonical enumeration order, used for deterministic tie-breaks.
var Dimensions = []Dimension{
	DimensionAcademic,
	DimensionAttendance,
	DimensionFinancial,
	DimensionEngagement,
	DimensionBehavioral,
}

// Index returns the position of the dimension in Dimensions, or -1.
func (d Dimension) Index() int {
	for i, dim := range Dimensions {
		if dim == d {
			return i
		}
	}
	return -1
}

// RecordKey is the four-part identity of an AnalyticRecord.
type RecordKey struct {
	SubjectType  SubjectType
	SubjectID    string
	AnalysisType AnalysisType
	Period       string
}

// Subject returns the subject half of the key.
func (k RecordKey) Subject() Subject {
	return Subject{Type: k.SubjectType, ID: k.SubjectID}
}

// NewRecordKey builds a key for the subject.
func NewRecordKey(subject Subject, analysisType AnalysisType, period string) RecordKey {
	return RecordKey{SubjectType: subject.Type, SubjectID: subject.ID, AnalysisType: analysisType, Period: period}
}

// AnalyticRecord is the cached result of one scoring run.
type AnalyticRecord struct {
	ID                 string                 `json:"id"`
	SubjectType        SubjectType            `json:"subject_type"`
	SubjectID          string                 `json:"subject_id"`
	AnalysisType       AnalysisType           `json:"analysis_type"`
	Period             string                 `json:"period"`
	Score              float64                `json:"score"`
	Rate               float64                `json:"rate"`
	RiskLevel          RiskLevel              `json:"risk_level"`
	TotalEvents        int                    `json:"total_events"`
	CompletedEvents    int                    `json:"completed_events"`
	ComponentScores    map[Dimension]float64  `json:"component_scores"`
	DegradedDimensions []Dimension            `json:"degraded_dimensions,omitempty"`
	Triggers           []string               `json:"triggers"`
	Recommendations    []string               `json:"recommendations"`
	Trends             map[string]interface{} `json:"trends,omitempty"`
	Patterns           map[string]interface{} `json:"patterns,omitempty"`
	Comparisons        map[string]interface{} `json:"comparisons,omitempty"`
	CalculatedAt       time.Time              `json:"calculated_at"`
	CreatedAt          time.Time              `json:"created_at"`
}

// Key returns the composite key of the record.
func (r *AnalyticRecord) Key() RecordKey {
	return RecordKey{SubjectType: r.SubjectType, SubjectID: r.SubjectID, AnalysisType: r.AnalysisType, Period: r.Period}
}

// Degraded reports whether any dimension was scored without data.
func (r *AnalyticRecord) Degraded() bool {
	return len(r.DegradedDimensions) > 0
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (r *AnalyticRecord) Clone() *AnalyticRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.ComponentScores != nil {
		clone.ComponentScores = make(map[Dimension]float64, len(r.ComponentScores))
		for k, v := range r.ComponentScores {
			clone.ComponentScores[k] = v
		}
	}
	if r.DegradedDimensions != nil {
		clone.DegradedDimensions = append(make([]Dimension, 0, len(r.DegradedDimensions)), r.DegradedDimensions...)
	}
	clone.Triggers = cloneStrings(r.Triggers)
	clone.Recommendations = cloneStrings(r.Recommendations)
	clone.Trends = cloneSummary(r.Trends)
	clone.Patterns = cloneSummary(r.Patterns)
	clone.Comparisons = cloneSummary(r.Comparisons)
	return &clone
}

func cloneStrings(src []string) []string {
	if src == nil {
		return nil
	}
	return append(make([]string, 0, len(src)), src...)
}

func cloneSummary(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// AnalyticRecordFilter scopes roster queries over stored records.
type AnalyticRecordFilter struct {
	SubjectType  SubjectType
	AnalysisType AnalysisType
	Period       string
	MinLevel     RiskLevel
	Limit        int
}

// AnalyticsSystemMetrics represents system level analytics captured from instrumentation.
type AnalyticsSystemMetrics struct {
	CacheHitRatio            float64   `json:"cache_hit_ratio"`
	CacheHits                uint64    `json:"cache_hits"`
	CacheMisses              uint64    `json:"cache_misses"`
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	DBQueryCount             uint64    `json:"db_query_count"`
	AverageDBQueryDurationMs float64   `json:"average_db_query_duration_ms"`
	RiskComputations         uint64    `json:"risk_computations"`
	RiskComputationFailures  uint64    `json:"risk_computation_failures"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}
