package scoring

import "github.com/noah-isme/sma-risk-analytics/internal/models"

// Classifier maps a composite score onto the risk ladder.
type Classifier struct {
	bands Bands
}

// NewClassifier rejects overlapping or out-of-range bands.
func NewClassifier(bands Bands) (*Classifier, error) {
	if err := bands.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{bands: bands}, nil
}

// Bands returns the ladder in use.
func (c *Classifier) Bands() Bands {
	return c.bands
}

// Classify returns the risk level; lower bounds are inclusive.
func (c *Classifier) Classify(score float64) models.RiskLevel {
	v := Clamp(score)
	if c.bands.Inverted {
		v = 100 - v
	}
	switch {
	case v >= c.bands.Critical:
		return models.RiskCritical
	case v >= c.bands.High:
		return models.RiskHigh
	case v >= c.bands.Medium:
		return models.RiskMedium
	case v >= c.bands.Low:
		return models.RiskLow
	default:
		return models.RiskNone
	}
}
