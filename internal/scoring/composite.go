package scoring

import (
	"fmt"
	"math"

	"github.com/noah-isme/sma-risk-analytics/internal/models"
)

// Calculator combines component scores into the weighted composite.
type Calculator struct {
	weights map[models.Dimension]float64
}

// NewCalculator fails fast when the weights are invalid.
func NewCalculator(weights map[models.Dimension]float64) (*Calculator, error) {
	if err := ValidateWeights(weights); err != nil {
		return nil, err
	}
	copied := make(map[models.Dimension]float64, len(weights))
	for d, w := range weights {
		copied[d] = w
	}
	return &Calculator{weights: copied}, nil
}

// Weight returns the configured weight of a dimension.
func (c *Calculator) Weight(d models.Dimension) float64 {
	return c.weights[d]
}

// Compute returns Σ weight·score clamped to [0,100]. Every weighted dimension must be scored.
func (c *Calculator) Compute(scores map[models.Dimension]float64) (float64, error) {
	var total float64
	for _, d := range models.Dimensions {
		score, ok := scores[d]
		if !ok {
			return 0, fmt.Errorf("missing component score for %s", d)
		}
		total += c.weights[d] * score
	}
	return Clamp(total), nil
}

// Contributions returns each dimension's weighted share of the composite.
func (c *Calculator) Contributions(scores map[models.Dimension]float64) map[string]interface{} {
	out := make(map[string]interface{}, len(scores))
	for _, d := range models.Dimensions {
		if score, ok := scores[d]; ok {
			out[string(d)] = round2(c.weights[d] * score)
		}
	}
	return out
}

// Rate derives the pipeline-specific rate. For risk_prediction it is the dropout
// probability, decreasing with the composite; otherwise the completion ratio.
func (c *Calculator) Rate(analysisType models.AnalysisType, score float64, total, completed int) float64 {
	if analysisType == models.AnalysisRiskPrediction {
		return Clamp(100 - score)
	}
	if total <= 0 {
		return 0
	}
	return Clamp(float64(completed) / float64(total) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
