package collector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"k8s-ai-assistant/internal/issue"
	"k8s-ai-assistant/internal/metrics"
)

// restartThreshold is the container restart count above which a scan
// reports a restarts issue.
const restartThreshold = 5

type Options struct {
	IncludeNodes   bool
	IncludeVolumes bool
	// MetricsCacheTTL keeps Metrics results for this long. Zero disables the cache.
	MetricsCacheTTL time.Duration
}

func DefaultOptions() Options {
	return Options{IncludeNodes: true, IncludeVolumes: true, MetricsCacheTTL: 10 * time.Second}
}

// Collector produces point-in-time issue lists and aggregate metrics from
// the cluster API. It never mutates cluster state.
type Collector struct {
	clientset     kubernetes.Interface
	metricsClient metricsclient.Interface
	opts          Options
	logger        *zap.Logger
	metrics       *metrics.Metrics
	now           func() time.Time

	mu        sync.RWMutex
	lastScan  []issue.Record
	index     map[string]issue.Ref
	scannedAt time.Time

	cacheMu     sync.Mutex
	cached      ClusterMetrics
	cachedUntil time.Time
}

// New builds a collector. metricsClient may be nil when metrics.k8s.io is
// not installed. A nil clientset gives a disconnected collector whose scans
// are empty.
func New(clientset kubernetes.Interface, metricsClient metricsclient.Interface, opts Options, logger *zap.Logger, m *metrics.Metrics) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		clientset:     clientset,
		metricsClient: metricsClient,
		opts:          opts,
		logger:        logger.Named("collector"),
		metrics:       m,
		now:           time.Now,
		index:         map[string]issue.Ref{},
	}
}

// Connected reports whether the collector has a cluster client.
func (c *Collector) Connected() bool { return c.clientset != nil }

type kindScan struct {
	kind    string
	enabled bool
	fn      func(context.Context, time.Time) ([]issue.Record, error)
}

// Scan lists pods, nodes and persistent volumes and derives issue records.
// A kind the caller may not list is skipped. Other listing failures are
// returned as an aggregate error next to the issues that were derived.
func (c *Collector) Scan(ctx context.Context) ([]issue.Record, error) {
	at := c.now()
	if !c.Connected() {
		c.store(nil, at)
		c.metrics.ScanCompleted("cluster", "disconnected")
		return nil, nil
	}
	kinds := []kindScan{
		{"pods", true, c.scanPods},
		{"nodes", c.opts.IncludeNodes, c.scanNodes},
		{"persistentvolumes", c.opts.IncludeVolumes, c.scanVolumes},
	}

	results := make([][]issue.Record, len(kinds))
	errs := make([]error, len(kinds))

	var g errgroup.Group
	for i, k := range kinds {
		if !k.enabled {
			continue
		}
		g.Go(func() error {
			records, err := k.fn(ctx, at)
			switch {
			case err == nil:
				results[i] = records
				c.metrics.ScanCompleted(k.kind, "ok")
			case apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err):
				c.logger.Warn("not allowed to list resource kind, skipping", zap.String("kind", k.kind), zap.Error(err))
				c.metrics.ScanCompleted(k.kind, "forbidden")
			default:
				errs[i] = fmt.Errorf("failed to list %s: %w", k.kind, err)
				c.metrics.ScanCompleted(k.kind, "error")
			}
			return errs[i]
		})
	}
	_ = g.Wait()

	var all []issue.Record
	for _, r := range results {
		all = append(all, r...)
	}
	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	c.store(all, at)
	counts := issue.CountBySeverity(all)
	c.metrics.SetIssues(string(issue.Critical), counts[issue.Critical])
	c.metrics.SetIssues(string(issue.Warning), counts[issue.Warning])
	c.logger.Debug("scan finished", zap.Int("issues", len(all)), zap.Int("critical", counts[issue.Critical]))

	return all, result.ErrorOrNil()
}

func (c *Collector) store(records []issue.Record, at time.Time) {
	index := make(map[string]issue.Ref, len(records))
	for _, r := range records {
		index[r.ID] = r.Ref
	}
	c.mu.Lock()
	c.lastScan = records
	c.index = index
	c.scannedAt = at
	c.mu.Unlock()
}

// LastScan returns the records of the most recent scan and its time.
func (c *Collector) LastScan() ([]issue.Record, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]issue.Record, len(c.lastScan))
	copy(out, c.lastScan)
	return out, c.scannedAt
}

// Resolve returns the coordinates of an identifier seen by the last scan.
func (c *Collector) Resolve(id string) (issue.Ref, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.index[id]
	return ref, ok
}

func (c *Collector) scanPods(ctx context.Context, at time.Time) ([]issue.Record, error) {
	pods, err := c.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}

	var out []issue.Record
	for i := range pods.Items {
		out = append(out, podIssues(&pods.Items[i], at)...)
	}
	return out, nil
}

func podIssues(pod *corev1.Pod, at time.Time) []issue.Record {
	var out []issue.Record

	switch pod.Status.Phase {
	case corev1.PodFailed:
		ref := issue.Ref{Kind: issue.KindPod, Namespace: pod.Namespace, Name: pod.Name, Condition: issue.CondFailed}
		out = append(out, issue.NewRecord(ref, issue.Critical,
			fmt.Sprintf("Pod %s failed", pod.Name),
			podDescription(pod, "Pod is in Failed phase"), at))
	case corev1.PodPending:
		ref := issue.Ref{Kind: issue.KindPod, Namespace: pod.Namespace, Name: pod.Name, Condition: issue.CondPending}
		out = append(out, issue.NewRecord(ref, issue.Warning,
			fmt.Sprintf("Pod %s pending", pod.Name),
			podDescription(pod, "Pod is waiting to be scheduled or started"), at))
	}

	for _, cs := range pod.Status.ContainerStatuses {
		if !cs.Ready {
			ref := issue.Ref{Kind: issue.KindContainer, Namespace: pod.Namespace, Name: pod.Name, Container: cs.Name}
			out = append(out, issue.NewRecord(ref, issue.Warning,
				fmt.Sprintf("Container %s in pod %s not ready", cs.Name, pod.Name),
				containerDescription(cs), at))
		}
		if cs.RestartCount > restartThreshold {
			ref := issue.Ref{Kind: issue.KindRestarts, Namespace: pod.Namespace, Name: pod.Name, Container: cs.Name}
			out = append(out, issue.NewRecord(ref, issue.Warning,
				fmt.Sprintf("Container %s restarted %d times", cs.Name, cs.RestartCount),
				restartDescription(pod, cs, at), at))
		}
	}
	return out
}

func podDescription(pod *corev1.Pod, fallback string) string {
	parts := []string{}
	if pod.Status.Reason != "" {
		parts = append(parts, pod.Status.Reason)
	}
	if pod.Status.Message != "" {
		parts = append(parts, pod.Status.Message)
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodScheduled && cond.Status == corev1.ConditionFalse && cond.Message != "" {
			parts = append(parts, cond.Message)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return strings.Join(parts, ": ")
}

func containerDescription(cs corev1.ContainerStatus) string {
	if w := cs.State.Waiting; w != nil && w.Reason != "" {
		if w.Message != "" {
			return fmt.Sprintf("Container waiting: %s: %s", w.Reason, w.Message)
		}
		return fmt.Sprintf("Container waiting: %s", w.Reason)
	}
	if t := cs.State.Terminated; t != nil {
		return fmt.Sprintf("Container terminated: %s (exit code %d)", t.Reason, t.ExitCode)
	}
	return "Container is not passing readiness checks"
}

func (c *Collector) scanNodes(ctx context.Context, at time.Time) ([]issue.Record, error) {
	nodes, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}

	var out []issue.Record
	for _, node := range nodes.Items {
		for _, cond := range node.Status.Conditions {
			switch cond.Type {
			case corev1.NodeReady:
				if cond.Status != corev1.ConditionTrue {
					ref := issue.Ref{Kind: issue.KindNode, Name: node.Name, Condition: issue.CondNodeNotReady}
					out = append(out, issue.NewRecord(ref, issue.Critical,
						fmt.Sprintf("Node %s not ready", node.Name),
						conditionDescription(cond, "Node is not ready"), at))
				}
			case corev1.NodeDiskPressure, corev1.NodeMemoryPressure, corev1.NodePIDPressure:
				if cond.Status == corev1.ConditionTrue {
					ref := issue.Ref{Kind: issue.KindNode, Name: node.Name, Condition: strings.ToLower(string(cond.Type))}
					out = append(out, issue.NewRecord(ref, issue.Warning,
						fmt.Sprintf("Node %s has %s", node.Name, cond.Type),
						conditionDescription(cond, string(cond.Type)), at))
				}
			}
		}
	}
	return out, nil
}

func conditionDescription(cond corev1.NodeCondition, fallback string) string {
	if cond.Message != "" {
		return cond.Message
	}
	if cond.Reason != "" {
		return cond.Reason
	}
	return fallback
}

func (c *Collector) scanVolumes(ctx context.Context, at time.Time) ([]issue.Record, error) {
	pvs, err := c.clientset.CoreV1().PersistentVolumes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}

	var out []issue.Record
	for _, pv := range pvs.Items {
		if pv.Status.Phase != corev1.VolumeFailed {
			continue
		}
		desc := pv.Status.Message
		if desc == "" {
			desc = "Persistent volume is in Failed phase"
		}
		ref := issue.Ref{Kind: issue.KindPV, Name: pv.Name, Condition: issue.CondFailed}
		out = append(out, issue.NewRecord(ref, issue.Critical, fmt.Sprintf("PV %s failed", pv.Name), desc, at))
	}
	return out, nil
}
