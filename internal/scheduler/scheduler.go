// Package scheduler runs the background monitoring loop: cluster scans,
// unattended remediation of allow-listed issues, forecast sampling and
// storage health refreshes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"k8s-ai-assistant/internal/actions"
	"k8s-ai-assistant/internal/collector"
	"k8s-ai-assistant/internal/config"
	"k8s-ai-assistant/internal/history"
	"k8s-ai-assistant/internal/issue"
	"k8s-ai-assistant/internal/metrics"
	"k8s-ai-assistant/internal/predictor"
	"k8s-ai-assistant/internal/store"
)

var ErrAlreadyRunning = errors.New("scheduler already running")

// Cluster is the read side of the cluster API.
type Cluster interface {
	Scan(ctx context.Context) ([]issue.Record, error)
	Metrics(ctx context.Context) collector.ClusterMetrics
}

type Remediator interface {
	AutoRemediate(ctx context.Context, id string) actions.Result
}

type Forecaster interface {
	AddSample(s predictor.Sample)
	Generate(days int, resource predictor.Resource) (predictor.Forecast, error)
}

type StorageMonitor interface {
	Refresh(ctx context.Context) error
}

type Config struct {
	Tick         time.Duration
	ErrorBackoff time.Duration
	StopTimeout  time.Duration

	ScanInterval     time.Duration
	ForecastInterval time.Duration
	StorageInterval  time.Duration

	ForecastDays     int
	ForecastResource predictor.Resource
	DiskPath         string
	// HistoryFile, when set, receives a snapshot of the issue history after
	// every tick.
	HistoryFile string
}

func DefaultConfig() Config {
	return Config{
		Tick:             10 * time.Second,
		ErrorBackoff:     30 * time.Second,
		StopTimeout:      5 * time.Second,
		ScanInterval:     30 * time.Second,
		ForecastInterval: time.Hour,
		StorageInterval:  5 * time.Minute,
		ForecastDays:     7,
		ForecastResource: predictor.CPU,
		DiskPath:         "/",
	}
}

// FromConfig maps the static configuration onto scheduler settings.
func FromConfig(c *config.Config) Config {
	cfg := DefaultConfig()
	cfg.Tick = c.Scheduler.TickInterval
	cfg.ErrorBackoff = c.Scheduler.ErrorBackoff
	cfg.StopTimeout = c.Scheduler.StopTimeout
	cfg.ScanInterval = c.Kubernetes.MonitoringInterval
	cfg.ForecastInterval = c.Forecasting.Interval
	cfg.StorageInterval = c.GlusterFS.CheckInterval
	cfg.ForecastDays = c.Forecasting.Days
	cfg.ForecastResource = predictor.Resource(c.Forecasting.Resource)
	cfg.DiskPath = c.Host.DiskPath
	cfg.HistoryFile = c.History.PersistFile
	return cfg
}

type Option func(*Scheduler)

func WithForecaster(f Forecaster) Option { return func(s *Scheduler) { s.forecaster = f } }

func WithStorage(m StorageMonitor) Option { return func(s *Scheduler) { s.storage = m } }

func WithHistory(h *history.History) Option { return func(s *Scheduler) { s.history = h } }

func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithDiskUsage replaces the host disk probe used for storage samples.
func WithDiskUsage(fn func(path string) float64) Option {
	return func(s *Scheduler) { s.diskUsage = fn }
}

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

type Scheduler struct {
	cfg        Config
	cluster    Cluster
	remediator Remediator
	source     config.ConfigSource
	forecaster Forecaster
	storage    StorageMonitor
	history    *history.History
	logger     *zap.Logger
	metrics    *metrics.Metrics
	diskUsage  func(string) float64
	now        func() time.Time

	running atomic.Bool
	wake    chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	tickMu       sync.Mutex
	lastScan     time.Time
	lastForecast time.Time
	lastStorage  time.Time
}

func New(cfg Config, cluster Cluster, remediator Remediator, source config.ConfigSource, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:        cfg,
		cluster:    cluster,
		remediator: remediator,
		source:     source,
		logger:     zap.NewNop(),
		diskUsage:  collector.HostDiskPercent,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.Named("scheduler")

	// A runtime change takes effect on the next tick instead of after the
	// current sleep.
	source.Subscribe(func(r config.Runtime) {
		s.logger.Info("runtime configuration changed",
			zap.String("mode", string(r.Mode)),
			zap.String("automation", string(r.Automation)),
			zap.Bool("auto_remediation", r.AutoRemediation))
		select {
		case s.wake <- struct{}{}:
		default:
		}
	})
	return s
}

func (s *Scheduler) Running() bool { return s.running.Load() }

// Start launches the loop in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.logger.Info("scheduler started", zap.Duration("tick", s.cfg.Tick), zap.Duration("error_backoff", s.cfg.ErrorBackoff))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for s.running.Load() {
		wait := s.cfg.Tick
		if err := s.Tick(ctx); err != nil {
			s.logger.Error("monitoring cycle failed", zap.Error(err), zap.Duration("backoff", s.cfg.ErrorBackoff))
			s.metrics.CycleFailed()
			wait = s.cfg.ErrorBackoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Stop clears the running flag and waits up to StopTimeout for the loop to
// exit. It reports whether the loop finished in time.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	if !s.running.CompareAndSwap(true, false) {
		s.mu.Unlock()
		return true
	}
	s.cancel()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return true
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("scheduler did not stop in time", zap.Duration("timeout", s.cfg.StopTimeout))
		return false
	}
}

func due(last, now time.Time, every time.Duration) bool {
	return last.IsZero() || now.Sub(last) >= every
}

// Tick runs one monitoring cycle. Each step checks its own interval, so a
// tick may do nothing at all.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.now()
	rt := s.source.Current()
	var result *multierror.Error

	if due(s.lastScan, now, s.cfg.ScanInterval) {
		s.lastScan = now
		records, err := s.cluster.Scan(ctx)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("scan: %w", err))
		}
		if rt.ContinuousMonitoring {
			s.alert(records)
		}
		if rt.AllowsUnattendedRemediation() {
			s.remediate(ctx, records)
		}
	}

	if s.forecaster != nil && rt.PredictiveAnalysis && due(s.lastForecast, now, s.cfg.ForecastInterval) {
		s.lastForecast = now
		if err := s.refreshForecast(ctx, now); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if s.storage != nil && due(s.lastStorage, now, s.cfg.StorageInterval) {
		s.lastStorage = now
		// storage reports its own unavailability
		_ = s.storage.Refresh(ctx)
	}

	if s.history != nil && s.cfg.HistoryFile != "" {
		if err := store.Save(s.cfg.HistoryFile, s.history.Export()); err != nil {
			s.logger.Warn("could not save issue history", zap.Error(err))
		}
	}
	return result.ErrorOrNil()
}

// alert logs every critical issue of a scan.
func (s *Scheduler) alert(records []issue.Record) {
	for _, r := range records {
		if r.Severity != issue.Critical {
			continue
		}
		s.logger.Warn("critical issue detected",
			zap.String("issue", r.ID),
			zap.String("title", r.Title),
			zap.String("description", r.Description))
	}
}

// remediate acts on critical issues the allow-list marks safe.
func (s *Scheduler) remediate(ctx context.Context, records []issue.Record) {
	for _, r := range records {
		if r.Severity != issue.Critical || !actions.IsSafeToAutoRemediate(r.ID) {
			continue
		}
		res := s.remediator.AutoRemediate(ctx, r.ID)
		s.logger.Info("auto-remediation attempted",
			zap.String("issue", r.ID),
			zap.Bool("success", res.Success),
			zap.String("message", res.Message))
	}
}

func (s *Scheduler) refreshForecast(ctx context.Context, now time.Time) error {
	m := s.cluster.Metrics(ctx)
	if m.UsageAvailable {
		s.forecaster.AddSample(predictor.Sample{
			Timestamp: now,
			CPU:       m.CPUPercent,
			Memory:    m.MemoryPercent,
			Storage:   s.diskUsage(s.cfg.DiskPath),
		})
	} else {
		s.logger.Debug("usage metrics unavailable, skipping forecast sample")
	}

	if _, err := s.forecaster.Generate(s.cfg.ForecastDays, s.cfg.ForecastResource); err != nil {
		if errors.Is(err, predictor.ErrInsufficientData) {
			s.logger.Info("not enough samples to forecast yet")
			return nil
		}
		return fmt.Errorf("forecast: %w", err)
	}
	return nil
}
