// Package scoring turns raw academic signals into component scores, a weighted
// composite, a risk classification and an ordered list of triggers.
//
// Everything in this package is pure: no I/O, no shared mutable state. An Engine
// built from a valid Config may be used concurrently.
package scoring

import (
	"fmt"
	"math"

	"github.com/noah-isme/sma-risk-analytics/internal/models"
	"github.com/noah-isme/sma-risk-analytics/pkg/config"
	appErrors "github.com/noah-isme/sma-risk-analytics/pkg/errors"
)

const weightEpsilon = 1e-6

// Bands are the lower-inclusive cut-points of the risk ladder.
// When Inverted is set the score is read as health and classified on 100-score.
type Bands struct {
	Low      float64 `json:"low"`
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
	Inverted bool    `json:"inverted"`
}

// DefaultBands is the risk_prediction ladder: 20/40/60/80.
var DefaultBands = Bands{Low: 20, Medium: 40, High: 60, Critical: 80}

// Validate checks the cut-points are strictly increasing inside [0,100].
func (b Bands) Validate() error {
	cuts := []float64{b.Low, b.Medium, b.High, b.Critical}
	prev := math.Inf(-1)
	for _, c := range cuts {
		if math.IsNaN(c) || c < 0 || c > 100 {
			return appErrors.Clone(appErrors.ErrInvalidRiskBands, fmt.Sprintf("cut-point %v outside [0,100]", c))
		}
		if c <= prev {
			return appErrors.Clone(appErrors.ErrInvalidRiskBands, "cut-points must be strictly increasing")
		}
		prev = c
	}
	return nil
}

// Guards are the thresholds at which triggers fire.
type Guards struct {
	AcademicBelow      float64
	FailedRatioAbove   float64
	AttendanceBelow    float64
	FinancialBelow     float64
	OverduePaymentDays int
	EngagementBelow    float64
	BehavioralBelow    float64
}

// Config is the single source of scoring thresholds.
type Config struct {
	Weights      map[models.Dimension]float64
	Bands        map[models.AnalysisType]Bands
	NeutralScore float64

	AbsenceStreakThreshold int
	AbsencePenalty         float64
	PaymentGraceDays       int
	PaymentOverdueDays     int
	EngagementStaleDays    int
	BehaviorSignalPenalty  float64
	// AcademicPassBlend is the share of the academic score taken from the pass ratio.
	AcademicPassBlend float64

	Guards Guards
}

// DefaultConfig returns equal weights and the standard ladder.
func DefaultConfig() Config {
	weights := make(map[models.Dimension]float64, len(models.Dimensions))
	for _, d := range models.Dimensions {
		weights[d] = 0.2
	}
	return Config{
		Weights:                weights,
		Bands:                  bandsFor(DefaultBands),
		NeutralScore:           50,
		AbsenceStreakThreshold: 3,
		AbsencePenalty:         5,
		PaymentGraceDays:       30,
		PaymentOverdueDays:     90,
		EngagementStaleDays:    30,
		BehaviorSignalPenalty:  20,
		AcademicPassBlend:      0.3,
		Guards:                 defaultGuards(30),
	}
}

func defaultGuards(graceDays int) Guards {
	return Guards{
		AcademicBelow:      50,
		FailedRatioAbove:   0.5,
		AttendanceBelow:    50,
		FinancialBelow:     50,
		OverduePaymentDays: graceDays,
		EngagementBelow:    40,
		BehavioralBelow:    60,
	}
}

// bandsFor uses risk as given for risk_prediction and inverts the ladder for the
// health-style pipelines, where a high score means a healthy subject.
func bandsFor(risk Bands) map[models.AnalysisType]Bands {
	health := risk
	health.Inverted = true
	return map[models.AnalysisType]Bands{
		models.AnalysisRiskPrediction: risk,
		models.AnalysisProgress:       health,
		models.AnalysisPerformance:    health,
		models.AnalysisAttendance:     health,
	}
}

// FromSettings builds a scoring Config from environment settings.
func FromSettings(s config.AnalyticsConfig) Config {
	cfg := DefaultConfig()
	if len(s.Weights) > 0 {
		cfg.Weights = make(map[models.Dimension]float64, len(s.Weights))
		for name, w := range s.Weights {
			cfg.Weights[models.Dimension(name)] = w
		}
	}
	if len(s.RiskBands) > 0 {
		var b Bands
		if len(s.RiskBands) == 4 {
			b = Bands{Low: s.RiskBands[0], Medium: s.RiskBands[1], High: s.RiskBands[2], Critical: s.RiskBands[3]}
		} else {
			// fails Validate
			b = Bands{Low: -1}
		}
		cfg.Bands = bandsFor(b)
	}
	if s.NeutralScore != nil {
		cfg.NeutralScore = *s.NeutralScore
	}
	if s.AbsenceStreakThreshold > 0 {
		cfg.AbsenceStreakThreshold = s.AbsenceStreakThreshold
	}
	if s.AbsencePenalty > 0 {
		cfg.AbsencePenalty = s.AbsencePenalty
	}
	if s.PaymentGraceDays > 0 {
		cfg.PaymentGraceDays = s.PaymentGraceDays
	}
	if s.PaymentOverdueDays > 0 {
		cfg.PaymentOverdueDays = s.PaymentOverdueDays
	}
	if s.EngagementStaleDays > 0 {
		cfg.EngagementStaleDays = s.EngagementStaleDays
	}
	if s.BehaviorSignalPenalty > 0 {
		cfg.BehaviorSignalPenalty = s.BehaviorSignalPenalty
	}
	if s.AcademicPassBlend > 0 {
		cfg.AcademicPassBlend = s.AcademicPassBlend
	}
	cfg.Guards = defaultGuards(cfg.PaymentGraceDays)
	return cfg
}

// ValidateWeights checks that every dimension has a non-negative weight and that they sum to 1.
func ValidateWeights(weights map[models.Dimension]float64) error {
	if len(weights) != len(models.Dimensions) {
		return appErrors.Clone(appErrors.ErrInvalidWeights, fmt.Sprintf("expected %d weights, got %d", len(models.Dimensions), len(weights)))
	}
	var total float64
	for _, d := range models.Dimensions {
		w, ok := weights[d]
		if !ok {
			return appErrors.Clone(appErrors.ErrInvalidWeights, fmt.Sprintf("missing weight for %s", d))
		}
		if math.IsNaN(w) || w < 0 {
			return appErrors.Clone(appErrors.ErrInvalidWeights, fmt.Sprintf("weight for %s must be non-negative", d))
		}
		total += w
	}
	if math.Abs(total-1) > weightEpsilon {
		return appErrors.Clone(appErrors.ErrInvalidWeights, fmt.Sprintf("weights must sum to 1.0, got %.4f", total))
	}
	return nil
}

// Validate reports the first configuration error, if any.
func (c Config) Validate() error {
	if err := ValidateWeights(c.Weights); err != nil {
		return err
	}
	for _, t := range models.AnalysisTypes {
		b, ok := c.Bands[t]
		if !ok {
			return appErrors.Clone(appErrors.ErrInvalidRiskBands, fmt.Sprintf("missing bands for %s", t))
		}
		if err := b.Validate(); err != nil {
			return err
		}
	}
	switch {
	case c.NeutralScore < 0 || c.NeutralScore > 100:
		return appErrors.Clone(appErrors.ErrInvalidConfiguration, "neutral score must be within [0,100]")
	case c.AbsenceStreakThreshold < 0 || c.AbsencePenalty < 0:
		return appErrors.Clone(appErrors.ErrInvalidConfiguration, "absence thresholds must be non-negative")
	case c.PaymentGraceDays < 0 || c.PaymentOverdueDays <= c.PaymentGraceDays:
		return appErrors.Clone(appErrors.ErrInvalidConfiguration, "payment overdue horizon must exceed the grace period")
	case c.EngagementStaleDays <= 0:
		return appErrors.Clone(appErrors.ErrInvalidConfiguration, "engagement stale threshold must be positive")
	case c.BehaviorSignalPenalty < 0:
		return appErrors.Clone(appErrors.ErrInvalidConfiguration, "behavior penalty must be non-negative")
	case c.AcademicPassBlend < 0 || c.AcademicPassBlend > 1:
		return appErrors.Clone(appErrors.ErrInvalidConfiguration, "academic pass blend must be within [0,1]")
	}
	return nil
}
