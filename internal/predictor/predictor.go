// Package predictor forecasts cluster resource usage from hourly samples.
package predictor

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"k8s-ai-assistant/internal/store"
)

type Resource string

const (
	CPU     Resource = "cpu"
	Memory  Resource = "memory"
	Storage Resource = "storage"
)

var Resources = []Resource{CPU, Memory, Storage}

const (
	// MaxSamples keeps thirty days of hourly samples.
	MaxSamples = 720
	// RetrainEvery is the number of new samples between retrains.
	RetrainEvery = 24
	// minTrainingSamples is the first sample count a model is trained at.
	minTrainingSamples = 25
	historyContext     = 48
	holdOut            = 24

	historicalFile = "historical_data.json"
	forecastFile   = "latest_forecast.json"
)

var (
	ErrUnknownResource  = errors.New("unknown resource type")
	ErrInsufficientData = errors.New("insufficient data")
)

func ParseResource(s string) (Resource, error) {
	for _, r := range Resources {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownResource, s)
}

// Sample is one hourly utilization reading, in percent.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	CPU       float64   `json:"cpu_usage"`
	Memory    float64   `json:"memory_usage"`
	Storage   float64   `json:"storage_usage"`
}

func (s Sample) value(r Resource) float64 {
	switch r {
	case CPU:
		return s.CPU
	case Memory:
		return s.Memory
	}
	return s.Storage
}

type dataset struct {
	Samples []Sample `json:"samples"`
}

type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	// Type is "historical" or "forecast".
	Type string `json:"type"`
}

// PeakPeriod is a run of consecutive forecast hours at or above the 90th
// percentile. Indexes count hours from the forecast start.
type PeakPeriod struct {
	StartIndex int       `json:"start_index"`
	EndIndex   int       `json:"end_index"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

type Insights struct {
	MaxUsage    float64      `json:"max_usage"`
	MinUsage    float64      `json:"min_usage"`
	AvgUsage    float64      `json:"avg_usage"`
	PeakPeriods []PeakPeriod `json:"peak_periods"`
	// Trend classifies the forecast slope in percent per day.
	Trend           string   `json:"trend"`
	SlopePerDay     float64  `json:"slope_per_day"`
	Recommendations []string `json:"recommendations"`
}

type Forecast struct {
	Resource    Resource  `json:"resource_type"`
	Days        int       `json:"forecast_days"`
	Data        []Point   `json:"data"`
	Insights    Insights  `json:"insights"`
	GeneratedAt time.Time `json:"generated_at"`
}

type Option func(*Forecaster)

// WithRegressor replaces the default ridge model.
func WithRegressor(newRegressor func() Regressor) Option {
	return func(f *Forecaster) { f.newRegressor = newRegressor }
}

func WithClock(now func() time.Time) Option { return func(f *Forecaster) { f.now = now } }

// WithSeed fixes the random source used for synthetic data.
func WithSeed(seed int64) Option {
	return func(f *Forecaster) { f.rng = rand.New(rand.NewSource(seed)) }
}

// Forecaster keeps a bounded window of samples, one model per resource, and
// the latest forecast. Persistence is best effort.
type Forecaster struct {
	dataPath     string
	logger       *zap.Logger
	newRegressor func() Regressor
	now          func() time.Time
	rng          *rand.Rand

	mu         sync.Mutex
	samples    []Sample
	models     map[Resource]Regressor
	sinceTrain int
	latest     *Forecast
}

// New loads the sample history from dataPath. When there is none, thirty
// days of synthetic hourly samples are generated so forecasts work at once.
func New(dataPath string, logger *zap.Logger, opts ...Option) *Forecaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Forecaster{
		dataPath:     dataPath,
		logger:       logger.Named("predictor"),
		newRegressor: NewRidge,
		now:          time.Now,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(f)
	}

	var ds dataset
	found, err := store.Load(f.path(historicalFile), &ds)
	switch {
	case err != nil:
		f.logger.Warn("ignoring unreadable historical data", zap.Error(err))
		f.samples = f.synthetic()
		f.save()
	case !found:
		f.samples = f.synthetic()
		f.save()
		f.logger.Info("generated sample historical data", zap.Int("samples", len(f.samples)))
	default:
		f.samples = trim(ds.Samples)
		f.logger.Info("loaded historical data", zap.Int("samples", len(f.samples)))
	}

	if len(f.samples) >= minTrainingSamples {
		f.train()
	}
	return f
}

func (f *Forecaster) path(name string) string { return filepath.Join(f.dataPath, name) }

func trim(s []Sample) []Sample {
	if len(s) > MaxSamples {
		return append([]Sample(nil), s[len(s)-MaxSamples:]...)
	}
	return s
}

// synthetic builds thirty days of hourly samples with a business hours
// pattern for cpu and memory and a slow linear climb for storage.
func (f *Forecaster) synthetic() []Sample {
	start := f.now().Add(-30 * 24 * time.Hour).Truncate(time.Hour)
	out := make([]Sample, 0, MaxSamples)
	for i := 0; i < MaxSamples; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		factor := businessFactor(ts)
		noise := 1 + f.rng.NormFloat64()*0.1
		out = append(out, Sample{
			Timestamp: ts,
			CPU:       clamp(30*factor*noise, 5, 95),
			Memory:    clamp(40*factor*noise, 10, 90),
			Storage:   clamp(25+float64(i)/MaxSamples*10, 15, 85),
		})
	}
	return out
}

func businessFactor(ts time.Time) float64 {
	if weekday(ts) >= 5 {
		return 0.7
	}
	h := ts.Hour()
	switch {
	case h >= 9 && h <= 17:
		return 1.5
	case h >= 6 && h <= 21:
		return 1.2
	}
	return 1.0
}

// weekday counts from Monday = 0.
func weekday(ts time.Time) int { return (int(ts.Weekday()) + 6) % 7 }

func features(ts time.Time) []float64 {
	h := float64(ts.Hour())
	wd := float64(weekday(ts))
	return []float64{
		h,
		wd,
		float64(ts.Day()),
		float64(ts.Month()),
		math.Sin(2 * math.Pi * h / 24),
		math.Cos(2 * math.Pi * h / 24),
		math.Sin(2 * math.Pi * wd / 7),
		math.Cos(2 * math.Pi * wd / 7),
	}
}

func clamp(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }

// train fits one model per resource on the whole window. Callers hold mu
// or own f exclusively.
func (f *Forecaster) train() {
	x := make([][]float64, len(f.samples))
	for i, s := range f.samples {
		x[i] = features(s.Timestamp)
	}
	models := make(map[Resource]Regressor, len(Resources))
	for _, r := range Resources {
		y := make([]float64, len(f.samples))
		for i, s := range f.samples {
			y[i] = s.value(r)
		}
		m := f.newRegressor()
		if err := m.Fit(x, y); err != nil {
			f.logger.Warn("model training failed", zap.String("resource", string(r)), zap.Error(err))
			continue
		}
		models[r] = m
		f.logger.Debug("trained model", zap.String("resource", string(r)), zap.Float64("mae", mae(y, predictAll(m, x))))
	}
	f.models = models
	f.sinceTrain = 0
}

func predictAll(m Regressor, x [][]float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = m.Predict(v)
	}
	return out
}

// AddSample appends a reading, keeps the window bounded and retrains every
// RetrainEvery samples.
func (f *Forecaster) AddSample(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = f.now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.samples = trim(append(f.samples, s))
	f.sinceTrain++
	if len(f.samples) >= minTrainingSamples && (f.models == nil || f.sinceTrain >= RetrainEvery) {
		f.train()
	}
	f.save()
}

// save writes the sample window. Callers hold mu or own f exclusively.
func (f *Forecaster) save() {
	if err := store.Save(f.path(historicalFile), dataset{Samples: f.samples}); err != nil {
		f.logger.Warn("could not save historical data", zap.Error(err))
	}
}

func (f *Forecaster) Samples() []Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sample(nil), f.samples...)
}

// Latest returns the most recent forecast.
func (f *Forecaster) Latest() (Forecast, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return Forecast{}, false
	}
	return *f.latest, true
}

// Generate predicts days*24 hourly values from now, clamped to [0,100],
// preceded by up to 48 recent samples for context.
func (f *Forecaster) Generate(days int, resource Resource) (Forecast, error) {
	if _, err := ParseResource(string(resource)); err != nil {
		return Forecast{}, err
	}
	if days <= 0 {
		return Forecast{}, fmt.Errorf("forecast days must be positive, got %d", days)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	model, ok := f.models[resource]
	if !ok {
		return Forecast{}, fmt.Errorf("%w: no trained %s model", ErrInsufficientData, resource)
	}

	start := f.now()
	values := make([]float64, days*24)
	points := make([]Point, 0, historyContext+len(values))

	recent := f.samples
	if len(recent) > historyContext {
		recent = recent[len(recent)-historyContext:]
	}
	for _, s := range recent {
		points = append(points, Point{Timestamp: s.Timestamp, Value: s.value(resource), Type: "historical"})
	}
	for i := range values {
		ts := start.Add(time.Duration(i) * time.Hour)
		values[i] = clamp(model.Predict(features(ts)), 0, 100)
		points = append(points, Point{Timestamp: ts, Value: values[i], Type: "forecast"})
	}

	fc := Forecast{
		Resource:    resource,
		Days:        days,
		Data:        points,
		Insights:    insights(values, resource, start),
		GeneratedAt: f.now(),
	}
	f.latest = &fc
	if err := store.Save(f.path(forecastFile), fc); err != nil {
		f.logger.Warn("could not save forecast", zap.Error(err))
	}
	return fc, nil
}

func insights(values []float64, resource Resource, start time.Time) Insights {
	in := Insights{PeakPeriods: []PeakPeriod{}, Recommendations: []string{}}
	if len(values) == 0 {
		return in
	}
	in.MaxUsage, in.MinUsage = values[0], values[0]
	sum := 0.0
	for _, v := range values {
		in.MaxUsage = math.Max(in.MaxUsage, v)
		in.MinUsage = math.Min(in.MinUsage, v)
		sum += v
	}
	in.AvgUsage = sum / float64(len(values))

	threshold := percentile(values, 90)
	for i, v := range values {
		if v < threshold {
			continue
		}
		if n := len(in.PeakPeriods); n > 0 && in.PeakPeriods[n-1].EndIndex == i-1 {
			in.PeakPeriods[n-1].EndIndex = i
			in.PeakPeriods[n-1].End = start.Add(time.Duration(i) * time.Hour)
			continue
		}
		at := start.Add(time.Duration(i) * time.Hour)
		in.PeakPeriods = append(in.PeakPeriods, PeakPeriod{StartIndex: i, EndIndex: i, Start: at, End: at})
	}

	in.SlopePerDay = slope(values) * 24
	in.Trend = classifyTrend(in.SlopePerDay)

	if in.MaxUsage > 85 {
		in.Recommendations = append(in.Recommendations,
			fmt.Sprintf("High %s usage predicted (>85%%). Consider scaling up resources.", resource))
	}
	if len(in.PeakPeriods) > 0 {
		in.Recommendations = append(in.Recommendations,
			fmt.Sprintf("Peak %s usage expected during %d periods. Consider pre-scaling or load balancing.", resource, len(in.PeakPeriods)))
	}
	if in.AvgUsage < 30 {
		in.Recommendations = append(in.Recommendations,
			fmt.Sprintf("Low average %s usage predicted. Consider optimizing resource allocation.", resource))
	}
	return in
}

// percentile interpolates linearly between the closest ranks.
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

// slope is the least squares slope of values against their index.
func slope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sx, sy, sxy, sxx float64
	for i, v := range values {
		x := float64(i)
		sx += x
		sy += v
		sxy += x * v
		sxx += x * x
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

func classifyTrend(perDay float64) string {
	switch {
	case perDay > 5:
		return "RISING_FAST"
	case perDay > 2:
		return "RISING"
	case perDay < -5:
		return "FALLING_FAST"
	case perDay < -2:
		return "FALLING"
	}
	return "STABLE"
}

func mae(actual, predicted []float64) float64 {
	if len(actual) == 0 {
		return 0
	}
	sum := 0.0
	for i := range actual {
		sum += math.Abs(actual[i] - predicted[i])
	}
	return sum / float64(len(actual))
}
