package collector

import (
	"context"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ClusterMetrics is advisory. The zero value means nothing could be read.
type ClusterMetrics struct {
	NodeCount   int `json:"node_count"`
	TotalPods   int `json:"total_pods"`
	RunningPods int `json:"pod_count"`

	CPUAllocatableMilli    int64 `json:"cpu_allocatable_millicores"`
	MemoryAllocatableBytes int64 `json:"memory_allocatable_bytes"`
	CPUUsageMilli          int64 `json:"cpu_usage_millicores"`
	MemoryUsageBytes       int64 `json:"memory_usage_bytes"`

	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	UsageAvailable bool      `json:"usage_available"`
	CollectedAt    time.Time `json:"collected_at"`
}

// Metrics aggregates node allocatable resources, pod counts and, when the
// metrics API answers, usage ratios. Any listing error yields the zero value.
func (c *Collector) Metrics(ctx context.Context) ClusterMetrics {
	if !c.Connected() {
		return ClusterMetrics{}
	}
	if c.opts.MetricsCacheTTL > 0 {
		c.cacheMu.Lock()
		defer c.cacheMu.Unlock()
		if c.now().Before(c.cachedUntil) {
			return c.cached
		}
	}

	m, err := c.collectMetrics(ctx)
	if err != nil {
		c.logger.Warn("cluster metrics unavailable", zap.Error(err))
		return ClusterMetrics{}
	}

	if c.opts.MetricsCacheTTL > 0 {
		c.cached = m
		c.cachedUntil = c.now().Add(c.opts.MetricsCacheTTL)
	}
	return m
}

func (c *Collector) collectMetrics(ctx context.Context) (ClusterMetrics, error) {
	nodes, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return ClusterMetrics{}, err
	}
	pods, err := c.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return ClusterMetrics{}, err
	}

	m := ClusterMetrics{
		NodeCount:   len(nodes.Items),
		TotalPods:   len(pods.Items),
		CollectedAt: c.now(),
	}
	for _, node := range nodes.Items {
		if cpu, ok := node.Status.Allocatable[corev1.ResourceCPU]; ok {
			m.CPUAllocatableMilli += cpu.MilliValue()
		}
		if mem, ok := node.Status.Allocatable[corev1.ResourceMemory]; ok {
			m.MemoryAllocatableBytes += mem.Value()
		}
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodRunning {
			m.RunningPods++
		}
	}

	c.addUsage(ctx, &m)
	return m, nil
}

func (c *Collector) addUsage(ctx context.Context, m *ClusterMetrics) {
	if c.metricsClient == nil {
		return
	}
	nodeMetrics, err := c.metricsClient.MetricsV1beta1().NodeMetricses().List(ctx, metav1.ListOptions{})
	if err != nil {
		c.logger.Debug("node metrics not available", zap.Error(err))
		return
	}

	for _, nm := range nodeMetrics.Items {
		if cpu, ok := nm.Usage[corev1.ResourceCPU]; ok {
			m.CPUUsageMilli += cpu.MilliValue()
		}
		if mem, ok := nm.Usage[corev1.ResourceMemory]; ok {
			m.MemoryUsageBytes += mem.Value()
		}
	}
	m.UsageAvailable = len(nodeMetrics.Items) > 0
	if m.CPUAllocatableMilli > 0 {
		m.CPUPercent = float64(m.CPUUsageMilli) / float64(m.CPUAllocatableMilli) * 100
	}
	if m.MemoryAllocatableBytes > 0 {
		m.MemoryPercent = float64(m.MemoryUsageBytes) / float64(m.MemoryAllocatableBytes) * 100
	}
}
