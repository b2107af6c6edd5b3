package cli

import (
	"path/filepath"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"k8s-ai-assistant/internal/actions"
	"k8s-ai-assistant/internal/catalog"
	"k8s-ai-assistant/internal/classifier"
	"k8s-ai-assistant/internal/collector"
	"k8s-ai-assistant/internal/config"
	"k8s-ai-assistant/internal/history"
	"k8s-ai-assistant/internal/llm"
	"k8s-ai-assistant/internal/metrics"
	"k8s-ai-assistant/internal/predictor"
	"k8s-ai-assistant/internal/storage"
	"k8s-ai-assistant/internal/store"
)

// app holds the components a command needs. Cluster, storage and
// forecasting parts are only built when asked for.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	source  config.ConfigSource
	watched *config.WatchedSource

	history    *history.History
	classifier *classifier.Classifier
	assistant  *llm.Assistant

	clientset  kubernetes.Interface
	collector  *collector.Collector
	executor   *actions.Executor
	storage    *storage.Monitor
	forecaster *predictor.Forecaster
}

type needs struct {
	cluster  bool
	forecast bool
	llm      bool
}

// classifyMetrics counts classifications by catalog key.
type classifyMetrics struct{ m *metrics.Metrics }

func (o classifyMetrics) Classified(key catalog.Key, matched bool) {
	if !matched {
		key = ""
	}
	o.m.Classified(string(key))
}

func (st *state) build(n needs) (*app, error) {
	a := &app{cfg: st.cfg, logger: st.logger, metrics: metrics.New()}

	if err := a.loadRuntime(st); err != nil {
		return nil, err
	}
	a.loadHistory()
	a.classifier = classifier.New(catalog.Default(), a.history).WithObserver(classifyMetrics{a.metrics})

	if n.llm {
		provider, err := llm.NewProvider(st.cfg.LLM)
		if err != nil {
			return nil, err
		}
		a.assistant = llm.NewAssistant(provider, a.classifier, st.logger,
			llm.WithHealthTimeout(st.cfg.LLM.HealthTimeout),
			llm.WithMetrics(a.metrics))
	}

	if n.forecast {
		a.forecaster = predictor.New(st.cfg.Forecasting.DataPath, st.logger)
	}

	if !n.cluster {
		return a, nil
	}

	// Without a cluster the collector and executor run disconnected: scans
	// are empty and mutations are refused.
	clientset, metricsClient, err := createClients(st.cfg.Kubernetes.Kubeconfig)
	if err != nil {
		st.logger.Warn("cluster unreachable, continuing without cluster access", zap.Error(err))
		clientset, metricsClient = nil, nil
	}
	a.clientset = clientset
	a.collector = collector.New(clientset, metricsClient, collector.DefaultOptions(), st.logger, a.metrics)

	opts := []actions.Option{
		actions.WithResolver(a.collector),
		actions.WithAuditLog(actions.NewAuditLog(actions.AuditCapacity, st.audit)),
		actions.WithLogger(st.logger),
		actions.WithMetrics(a.metrics),
		actions.WithDryRun(st.cfg.Kubernetes.DryRun),
	}
	if st.cfg.GlusterFS.Enabled {
		a.storage = storage.New(st.cfg.GlusterFS.Command, st.logger, storage.WithMetrics(a.metrics))
		opts = append(opts, actions.WithVolumeHealer(a.storage))
	}
	a.executor = actions.New(clientset, opts...)
	return a, nil
}

// loadRuntime reads the runtime settings file, or uses the defaults with
// the command line overrides when no file is configured.
func (a *app) loadRuntime(st *state) error {
	path := st.cfg.Runtime.File
	if path == "" {
		r := st.overrides.Apply(config.DefaultRuntime())
		if err := r.Validate(); err != nil {
			return err
		}
		a.source = config.NewStaticSource(r)
		return nil
	}
	watched, err := config.NewWatchedSource(path, st.overrides, st.logger)
	if err != nil {
		return err
	}
	a.source, a.watched = watched, watched
	return nil
}

// observeLog records a sampled log line in the issue history when it
// matches the catalog and historical learning is on.
func (a *app) observeLog(e collector.LogEntry) {
	if !a.source.Current().HistoricalLearning {
		return
	}
	if res := a.classifier.Classify(e.Message); res.Matched {
		a.classifier.Observe(res.Key, e.Message)
	}
}

func (a *app) loadHistory() {
	a.history = history.New()
	path := a.cfg.History.PersistFile
	if path == "" {
		return
	}
	var snap history.Snapshot
	found, err := store.Load(path, &snap)
	switch {
	case err != nil:
		a.logger.Warn("ignoring unreadable issue history", zap.String("path", path), zap.Error(err))
	case found:
		a.history.Import(snap)
		a.logger.Info("issue history restored", zap.String("path", path), zap.Int("issue_types", len(snap.Keys)))
	}
}

func (a *app) saveHistory() {
	if a.cfg.History.PersistFile == "" {
		return
	}
	if err := store.Save(a.cfg.History.PersistFile, a.history.Export()); err != nil {
		a.logger.Warn("could not save issue history", zap.Error(err))
	}
}

// createClients prefers the in-cluster configuration and falls back to a
// kubeconfig file.
func createClients(kubeconfig string) (kubernetes.Interface, metricsclient.Interface, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfig == "" {
			if home := homedir.HomeDir(); home != "" {
				kubeconfig = filepath.Join(home, ".kube", "config")
			}
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, nil, err
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, nil, err
	}
	metricsClient, err := metricsclient.NewForConfig(restConfig)
	if err != nil {
		return nil, nil, err
	}
	return clientset, metricsClient, nil
}
