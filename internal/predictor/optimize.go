package predictor

import (
	"fmt"
	"math"
	"time"
)

// ModelScore is the hold-out accuracy of one resource model.
type ModelScore struct {
	MAE      float64 `json:"mae"`
	MAPE     float64 `json:"mape"`
	Accuracy float64 `json:"accuracy"`
}

// Performance trains a fresh model per resource on all but the last 24
// samples and scores it on those 24.
func (f *Forecaster) Performance() (map[Resource]ModelScore, error) {
	f.mu.Lock()
	samples := append([]Sample(nil), f.samples...)
	f.mu.Unlock()

	if len(samples) < 2*holdOut {
		return nil, fmt.Errorf("%w for performance evaluation: %d samples", ErrInsufficientData, len(samples))
	}

	split := len(samples) - holdOut
	x := make([][]float64, len(samples))
	for i, s := range samples {
		x[i] = features(s.Timestamp)
	}

	out := make(map[Resource]ModelScore, len(Resources))
	for _, r := range Resources {
		y := make([]float64, len(samples))
		for i, s := range samples {
			y[i] = s.value(r)
		}
		m := f.newRegressor()
		if err := m.Fit(x[:split], y[:split]); err != nil {
			return nil, fmt.Errorf("failed to train %s model: %w", r, err)
		}
		predicted := predictAll(m, x[split:])
		actual := y[split:]

		mape := 0.0
		for i := range actual {
			mape += math.Abs(actual[i]-predicted[i]) / math.Max(actual[i], 1)
		}
		mape = mape / float64(len(actual)) * 100
		out[r] = ModelScore{
			MAE:      mae(actual, predicted),
			MAPE:     mape,
			Accuracy: math.Max(0, 100-mape),
		}
	}
	return out, nil
}

type Recommendation struct {
	Type             string `json:"type"`
	Resource         string `json:"resource"`
	CurrentUsage     string `json:"current_usage"`
	Recommendation   string `json:"recommendation"`
	PotentialSavings string `json:"potential_savings,omitempty"`
	Urgency          string `json:"urgency,omitempty"`
}

type Optimization struct {
	Recommendations []Recommendation `json:"recommendations"`
	GeneratedAt     time.Time        `json:"generated_at"`
	EfficiencyScore float64          `json:"cluster_efficiency_score"`
}

// defaultEfficiency is reported when there is less than a day of samples.
const defaultEfficiency = 50.0

// Optimize turns the last 24 samples into scaling recommendations and an
// efficiency score.
func (f *Forecaster) Optimize() Optimization {
	f.mu.Lock()
	samples := append([]Sample(nil), f.samples...)
	f.mu.Unlock()

	opt := Optimization{Recommendations: []Recommendation{}, GeneratedAt: f.now(), EfficiencyScore: defaultEfficiency}
	if len(samples) == 0 {
		return opt
	}
	cpu, memory, storage := recentMean(samples, CPU), recentMean(samples, Memory), recentMean(samples, Storage)

	switch {
	case cpu < 30:
		opt.Recommendations = append(opt.Recommendations, Recommendation{
			Type: "scale_down", Resource: "CPU", CurrentUsage: pct(cpu),
			Recommendation:   "Consider reducing CPU requests or scaling down replicas",
			PotentialSavings: "20-30% cost reduction",
		})
	case cpu > 80:
		opt.Recommendations = append(opt.Recommendations, Recommendation{
			Type: "scale_up", Resource: "CPU", CurrentUsage: pct(cpu),
			Recommendation: "Consider adding nodes or increasing CPU limits",
			Urgency:        "high",
		})
	}
	switch {
	case memory < 40:
		opt.Recommendations = append(opt.Recommendations, Recommendation{
			Type: "optimize", Resource: "Memory", CurrentUsage: pct(memory),
			Recommendation:   "Memory is underutilized. Review memory requests and limits",
			PotentialSavings: "15-25% cost reduction",
		})
	case memory > 85:
		opt.Recommendations = append(opt.Recommendations, Recommendation{
			Type: "scale_up", Resource: "Memory", CurrentUsage: pct(memory),
			Recommendation: "Memory pressure detected. Consider adding memory or nodes",
			Urgency:        "medium",
		})
	}
	if storage > 75 {
		opt.Recommendations = append(opt.Recommendations, Recommendation{
			Type: "cleanup", Resource: "Storage", CurrentUsage: pct(storage),
			Recommendation: "Storage usage is high. Consider cleanup or expansion",
			Urgency:        "medium",
		})
	}

	if len(samples) >= holdOut {
		opt.EfficiencyScore = EfficiencyScore(cpu, memory)
	}
	return opt
}

func recentMean(samples []Sample, r Resource) float64 {
	recent := samples
	if len(recent) > holdOut {
		recent = recent[len(recent)-holdOut:]
	}
	sum := 0.0
	for _, s := range recent {
		sum += s.value(r)
	}
	return sum / float64(len(recent))
}

func pct(v float64) string { return fmt.Sprintf("%.1f%%", v) }

// EfficiencyScore rates utilization against a 60-70% optimum. Falling short
// costs 2 points per percent and overshooting 3; cpu weighs 0.6 and memory
// 0.4. The result has one decimal.
func EfficiencyScore(cpu, memory float64) float64 {
	score := utilizationScore(cpu)*0.6 + utilizationScore(memory)*0.4
	return math.Round(score*10) / 10
}

func utilizationScore(usage float64) float64 {
	switch {
	case usage < 60:
		return math.Max(0, 100-(60-usage)*2)
	case usage > 70:
		return math.Max(0, 100-(usage-70)*3)
	}
	return 100
}
