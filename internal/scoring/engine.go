package scoring

import (
	"fmt"

	"github.com/noah-isme/sma-risk-analytics/internal/models"
)

// Result is the output of one pipeline run, ready to be stored.
type Result struct {
	ComponentScores    map[models.Dimension]float64
	DegradedDimensions []models.Dimension
	Score              float64
	Rate               float64
	RiskLevel          models.RiskLevel
	TotalEvents        int
	CompletedEvents    int
	Triggers           []string
	Recommendations    []string
	Patterns           map[string]interface{}
	Comparisons        map[string]interface{}
}

// Engine runs scorer → calculator → classifier → trigger generator.
type Engine struct {
	cfg         Config
	scorer      *Scorer
	calculator  *Calculator
	classifiers map[models.AnalysisType]*Classifier
	generator   *Generator
}

// NewEngine validates the configuration once; an invalid config never yields an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scorer, err := NewScorer(cfg)
	if err != nil {
		return nil, err
	}
	calculator, err := NewCalculator(cfg.Weights)
	if err != nil {
		return nil, err
	}
	generator, err := NewGenerator(cfg)
	if err != nil {
		return nil, err
	}
	classifiers := make(map[models.AnalysisType]*Classifier, len(cfg.Bands))
	for t, b := range cfg.Bands {
		c, err := NewClassifier(b)
		if err != nil {
			return nil, err
		}
		classifiers[t] = c
	}
	return &Engine{cfg: cfg, scorer: scorer, calculator: calculator, classifiers: classifiers, generator: generator}, nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config {
	return e.cfg
}

// Classifier returns the classifier used for an analysis type.
func (e *Engine) Classifier(t models.AnalysisType) (*Classifier, bool) {
	c, ok := e.classifiers[t]
	return c, ok
}

// Evaluate scores one subject's aggregates for the analysis type.
func (e *Engine) Evaluate(analysisType models.AnalysisType, raw models.RawAggregates) (*Result, error) {
	classifier, ok := e.classifiers[analysisType]
	if !ok {
		return nil, fmt.Errorf("unsupported analysis type %q", analysisType)
	}

	scores, degraded := e.scorer.ScoreAll(raw)
	score, err := e.calculator.Compute(scores)
	if err != nil {
		return nil, err
	}
	total, completed := events(analysisType, raw)
	triggers, recommendations := e.generator.Generate(scores, raw)

	return &Result{
		ComponentScores:    scores,
		DegradedDimensions: degraded,
		Score:              score,
		Rate:               e.calculator.Rate(analysisType, score, total, completed),
		RiskLevel:          classifier.Classify(score),
		TotalEvents:        total,
		CompletedEvents:    completed,
		Triggers:           triggers,
		Recommendations:    recommendations,
		Patterns:           patterns(scores, degraded),
		Comparisons:        map[string]interface{}{"weighted_contributions": e.calculator.Contributions(scores)},
	}, nil
}

// events picks the denominator/numerator each pipeline counts; completed never exceeds total.
func events(analysisType models.AnalysisType, raw models.RawAggregates) (int, int) {
	var total, completed int
	switch analysisType {
	case models.AnalysisRiskPrediction, models.AnalysisAttendance:
		if a := raw.Attendance; a != nil {
			total, completed = a.TotalSessions, a.AttendedSessions
		}
	case models.AnalysisProgress:
		if a := raw.Academic; a != nil {
			total, completed = a.AssessmentsDue, len(a.Grades)
		}
	case models.AnalysisPerformance:
		if a := raw.Academic; a != nil {
			total, completed = len(a.Grades), a.Passed()
		}
	}
	if total < 0 {
		total = 0
	}
	if completed < 0 {
		completed = 0
	}
	if completed > total {
		completed = total
	}
	return total, completed
}

func patterns(scores map[models.Dimension]float64, degraded []models.Dimension) map[string]interface{} {
	weakest, strongest := models.Dimensions[0], models.Dimensions[0]
	for _, d := range models.Dimensions[1:] {
		if scores[d] < scores[weakest] {
			weakest = d
		}
		if scores[d] > scores[strongest] {
			strongest = d
		}
	}
	out := map[string]interface{}{
		"weakest_dimension":   string(weakest),
		"strongest_dimension": string(strongest),
		"degraded":            len(degraded) > 0,
	}
	if len(degraded) > 0 {
		names := make([]string, len(degraded))
		for i, d := range degraded {
			names[i] = string(d)
		}
		out["degraded_dimensions"] = names
	}
	return out
}
