package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"k8s-ai-assistant/internal/actions"
	"k8s-ai-assistant/internal/catalog"
	"k8s-ai-assistant/internal/collector"
	"k8s-ai-assistant/internal/config"
	"k8s-ai-assistant/internal/history"
	"k8s-ai-assistant/internal/issue"
	"k8s-ai-assistant/internal/metrics"
	"k8s-ai-assistant/internal/predictor"
	"k8s-ai-assistant/internal/store"
)

type fakeCluster struct {
	records []issue.Record
	err     error
	usage   collector.ClusterMetrics
	block   chan struct{}
	scans   atomic.Int32
}

func (f *fakeCluster) Scan(context.Context) ([]issue.Record, error) {
	f.scans.Add(1)
	if f.block != nil {
		<-f.block
	}
	return f.records, f.err
}

func (f *fakeCluster) Metrics(context.Context) collector.ClusterMetrics { return f.usage }

type fakeRemediator struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeRemediator) AutoRemediate(_ context.Context, id string) actions.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return actions.Result{Success: true, Message: "done"}
}

func (f *fakeRemediator) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type fakeForecaster struct {
	samples []predictor.Sample
	days    int
	res     predictor.Resource
	err     error
}

func (f *fakeForecaster) AddSample(s predictor.Sample) { f.samples = append(f.samples, s) }

func (f *fakeForecaster) Generate(days int, r predictor.Resource) (predictor.Forecast, error) {
	f.days, f.res = days, r
	return predictor.Forecast{}, f.err
}

type fakeStorage struct{ refreshes int }

func (f *fakeStorage) Refresh(context.Context) error {
	f.refreshes++
	return errors.New("gluster: command not found")
}

func record(id string, sev issue.Severity) issue.Record {
	ref, err := issue.Parse(id)
	if err != nil {
		panic(err)
	}
	return issue.NewRecord(ref, sev, id, "", time.Now())
}

func unattended() config.Runtime {
	r := config.ForMode(config.ModeRemediation)
	r.Automation = config.AutomationFullAuto
	return r
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Tick = 10 * time.Millisecond
	cfg.ErrorBackoff = time.Hour
	cfg.StopTimeout = time.Second
	return cfg
}

func TestTickRemediatesOnlyAllowListedCriticalIssues(t *testing.T) {
	cluster := &fakeCluster{records: []issue.Record{
		record("pod-default-myapp-failed", issue.Critical),
		record("pod-default-web-pending", issue.Warning),
		record("container-default-api-app-not-ready", issue.Warning),
		record("node-worker1-notready", issue.Critical),
		record("pv-data-failed", issue.Critical),
	}}
	rem := &fakeRemediator{}
	s := New(testConfig(), cluster, rem, config.NewStaticSource(unattended()))

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, []string{"pod-default-myapp-failed"}, rem.calls())
}

func TestTickWithoutUnattendedRemediationOnlyScans(t *testing.T) {
	cluster := &fakeCluster{records: []issue.Record{record("pod-default-myapp-failed", issue.Critical)}}
	rem := &fakeRemediator{}

	semi := config.ForMode(config.ModeRemediation)
	require.NoError(t, New(testConfig(), cluster, rem, config.NewStaticSource(semi)).Tick(context.Background()))

	debug := unattended()
	debug.Mode = config.ModeDebug
	require.NoError(t, New(testConfig(), cluster, rem, config.NewStaticSource(debug)).Tick(context.Background()))

	assert.Equal(t, int32(2), cluster.scans.Load())
	assert.Empty(t, rem.calls())
}

func TestTickScansWithDefaultRuntime(t *testing.T) {
	cluster := &fakeCluster{records: []issue.Record{record("pod-default-myapp-failed", issue.Critical)}}
	rem := &fakeRemediator{}
	core, logs := observer.New(zap.WarnLevel)
	s := New(testConfig(), cluster, rem, config.NewStaticSource(config.DefaultRuntime()), WithLogger(zap.New(core)))

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, int32(1), cluster.scans.Load())
	assert.Empty(t, rem.calls())
	assert.Zero(t, logs.FilterMessage("critical issue detected").Len())
}

func TestTickAlertsOnCriticalIssuesWhenMonitoring(t *testing.T) {
	cluster := &fakeCluster{records: []issue.Record{
		record("pod-default-myapp-failed", issue.Critical),
		record("pod-default-web-pending", issue.Warning),
	}}
	core, logs := observer.New(zap.WarnLevel)
	s := New(testConfig(), cluster, &fakeRemediator{}, config.NewStaticSource(config.ForMode(config.ModeMonitoring)), WithLogger(zap.New(core)))

	require.NoError(t, s.Tick(context.Background()))
	alerts := logs.FilterMessage("critical issue detected").All()
	require.Len(t, alerts, 1)
	assert.Equal(t, "pod-default-myapp-failed", alerts[0].ContextMap()["issue"])
}

func TestTickHonorsIntervals(t *testing.T) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cluster := &fakeCluster{}
	storage := &fakeStorage{}
	s := New(testConfig(), cluster, &fakeRemediator{}, config.NewStaticSource(unattended()),
		WithClock(c.now), WithStorage(storage))

	require.NoError(t, s.Tick(context.Background()))
	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, int32(1), cluster.scans.Load())
	assert.Equal(t, 1, storage.refreshes)

	c.t = c.t.Add(30 * time.Second)
	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, int32(2), cluster.scans.Load())
	assert.Equal(t, 1, storage.refreshes)

	c.t = c.t.Add(5 * time.Minute)
	require.NoError(t, s.Tick(context.Background()), "storage failures are not cycle failures")
	assert.Equal(t, 2, storage.refreshes)
}

func TestTickScanErrorFailsCycleButStillRemediates(t *testing.T) {
	cluster := &fakeCluster{
		records: []issue.Record{record("pod-default-myapp-failed", issue.Critical)},
		err:     errors.New("failed to list persistentvolumes: boom"),
	}
	rem := &fakeRemediator{}
	s := New(testConfig(), cluster, rem, config.NewStaticSource(unattended()))

	err := s.Tick(context.Background())
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, []string{"pod-default-myapp-failed"}, rem.calls())
}

func TestTickFeedsForecaster(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	cluster := &fakeCluster{usage: collector.ClusterMetrics{UsageAvailable: true, CPUPercent: 42, MemoryPercent: 55}}
	f := &fakeForecaster{}
	cfg := testConfig()
	cfg.ForecastDays = 3
	cfg.ForecastResource = predictor.Memory
	s := New(cfg, cluster, &fakeRemediator{}, config.NewStaticSource(unattended()),
		WithForecaster(f), WithClock(func() time.Time { return now }),
		WithDiskUsage(func(string) float64 { return 61 }))

	require.NoError(t, s.Tick(context.Background()))
	require.Len(t, f.samples, 1)
	assert.Equal(t, predictor.Sample{Timestamp: now, CPU: 42, Memory: 55, Storage: 61}, f.samples[0])
	assert.Equal(t, 3, f.days)
	assert.Equal(t, predictor.Memory, f.res)
}

func TestTickForecastErrors(t *testing.T) {
	f := &fakeForecaster{err: predictor.ErrInsufficientData}
	s := New(testConfig(), &fakeCluster{}, &fakeRemediator{}, config.NewStaticSource(unattended()), WithForecaster(f))
	require.NoError(t, s.Tick(context.Background()))
	assert.Empty(t, f.samples, "no sample without usage metrics")

	f = &fakeForecaster{err: errors.New("disk full")}
	s = New(testConfig(), &fakeCluster{}, &fakeRemediator{}, config.NewStaticSource(unattended()), WithForecaster(f))
	assert.ErrorContains(t, s.Tick(context.Background()), "disk full")

	off := unattended()
	off.PredictiveAnalysis = false
	f = &fakeForecaster{err: errors.New("unused")}
	s = New(testConfig(), &fakeCluster{}, &fakeRemediator{}, config.NewStaticSource(off), WithForecaster(f))
	assert.NoError(t, s.Tick(context.Background()))
}

func TestTickPersistsHistory(t *testing.T) {
	h := history.New()
	h.Record(catalog.Key("kubernetes_pod_crashloop"), "CrashLoopBackOff")

	cfg := testConfig()
	cfg.HistoryFile = filepath.Join(t.TempDir(), "history.json")
	s := New(cfg, &fakeCluster{}, &fakeRemediator{}, config.NewStaticSource(unattended()), WithHistory(h))
	require.NoError(t, s.Tick(context.Background()))

	var snap history.Snapshot
	found, err := store.Load(cfg.HistoryFile, &snap)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, snap.Keys[catalog.Key("kubernetes_pod_crashloop")].Fingerprints, 1)
}

func TestStartStop(t *testing.T) {
	cluster := &fakeCluster{}
	cfg := testConfig()
	cfg.ScanInterval = 0
	s := New(cfg, cluster, &fakeRemediator{}, config.NewStaticSource(unattended()), WithMetrics(metrics.New()))

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Running())
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return cluster.scans.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, s.Stop())
	assert.False(t, s.Running())
	assert.True(t, s.Stop(), "stopping twice is harmless")
}

func TestErrorBacksOff(t *testing.T) {
	cluster := &fakeCluster{err: errors.New("apiserver unreachable")}
	cfg := testConfig()
	cfg.ScanInterval = 0
	s := New(cfg, cluster, &fakeRemediator{}, config.NewStaticSource(unattended()))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return cluster.scans.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), cluster.scans.Load())
}

func TestRuntimeChangeWakesLoop(t *testing.T) {
	cluster := &fakeCluster{}
	cfg := testConfig()
	cfg.Tick = time.Hour
	cfg.ScanInterval = 0
	source := config.NewStaticSource(config.ForMode(config.ModeInteractive))
	s := New(cfg, cluster, &fakeRemediator{}, source)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Eventually(t, func() bool { return cluster.scans.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), cluster.scans.Load())

	require.NoError(t, source.Set(config.ForMode(config.ModeMonitoring)))
	require.Eventually(t, func() bool { return cluster.scans.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestStopIsBounded(t *testing.T) {
	cluster := &fakeCluster{block: make(chan struct{})}
	defer close(cluster.block)
	cfg := testConfig()
	cfg.StopTimeout = 50 * time.Millisecond
	s := New(cfg, cluster, &fakeRemediator{}, config.NewStaticSource(unattended()))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return cluster.scans.Load() == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	assert.False(t, s.Stop())
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, s.Running())
}

func TestFromConfig(t *testing.T) {
	c := &config.Config{}
	c.Scheduler.TickInterval = 10 * time.Second
	c.Scheduler.ErrorBackoff = 30 * time.Second
	c.Kubernetes.MonitoringInterval = time.Minute
	c.Forecasting.Resource = "memory"
	c.Forecasting.Days = 2
	c.History.PersistFile = "/tmp/h.json"

	cfg := FromConfig(c)
	assert.Equal(t, 10*time.Second, cfg.Tick)
	assert.Equal(t, 30*time.Second, cfg.ErrorBackoff)
	assert.Equal(t, time.Minute, cfg.ScanInterval)
	assert.Equal(t, predictor.Memory, cfg.ForecastResource)
	assert.Equal(t, 2, cfg.ForecastDays)
	assert.Equal(t, "/tmp/h.json", cfg.HistoryFile)
}
